package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LiveStats provides the collector access to in-process state.
type LiveStats interface {
	PendingCount() int
	SSESubscriberCount() int
	MicHeld() bool
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats LiveStats

	pendingJobs    *prometheus.Desc
	sseSubscribers *prometheus.Desc
	micHeld        *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// stats may be nil (metrics will report 0).
func NewCollector(stats LiveStats) *Collector {
	return &Collector{
		stats: stats,
		pendingJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pending_jobs"),
			"Jobs registered for background completion tracking.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
		micHeld: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "microphone_held"),
			"1 while a recording holds the microphone.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingJobs
	ch <- c.sseSubscribers
	ch <- c.micHeld
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var pending, subs, held float64
	if c.stats != nil {
		pending = float64(c.stats.PendingCount())
		subs = float64(c.stats.SSESubscriberCount())
		if c.stats.MicHeld() {
			held = 1
		}
	}
	ch <- prometheus.MustNewConstMetric(c.pendingJobs, prometheus.GaugeValue, pending)
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, subs)
	ch <- prometheus.MustNewConstMetric(c.micHeld, prometheus.GaugeValue, held)
}
