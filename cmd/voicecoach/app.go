package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/voicecoach/internal/analysis"
	"github.com/snarg/voicecoach/internal/capture"
	"github.com/snarg/voicecoach/internal/capture/portaudio"
	"github.com/snarg/voicecoach/internal/config"
	"github.com/snarg/voicecoach/internal/events"
	"github.com/snarg/voicecoach/internal/pending"
	"github.com/snarg/voicecoach/internal/recording"
	"github.com/snarg/voicecoach/internal/waveform"
)

// core holds the services every command shares.
type core struct {
	cfg     *config.Config
	log     zerolog.Logger
	mic     *capture.Mic
	jobs    *analysis.Client
	bus     *events.Bus
	pending *pending.Registry
}

type coreOptions struct {
	synthetic bool
	remote    pending.RemotePublisher
}

func newCore(cfg *config.Config, log zerolog.Logger, opts coreOptions) *core {
	var dev capture.Device = portaudio.Device{}
	if opts.synthetic {
		dev = capture.ToneDevice{Frequency: 220, Amplitude: 0.4}
	}
	bus := events.NewBus(256)

	backend := analysis.NewHTTPBackend(cfg.AnalyzerURL, cfg.AnalyzerToken, cfg.AnalyzerTimeout)
	jobs := analysis.NewClient(backend, analysis.Options{
		Poll: foregroundPoll(cfg),
		OnUpdate: func(j analysis.Job) {
			bus.Publish(events.Data{Type: events.TypeJobUpdate, JobID: j.ID, OwnerID: j.OwnerID, Payload: j})
		},
		Log: log,
	})

	regOpts := pending.Options{
		Interval: cfg.BackgroundPollInterval,
		Events:   bus,
		Log:      log,
	}
	// Only set when present: a typed nil would pass the interface check.
	if opts.remote != nil {
		regOpts.Remote = opts.remote
	}

	return &core{
		cfg:     cfg,
		log:     log,
		mic:     capture.NewMic(dev, capture.Options{Log: log}),
		jobs:    jobs,
		bus:     bus,
		pending: pending.New(jobs, regOpts),
	}
}

func foregroundPoll(cfg *config.Config) analysis.PollOptions {
	return analysis.PollOptions{Interval: cfg.PollInterval, MaxAttempts: cfg.PollMaxAttempts}
}

func (c *core) newSession(onChange func(recording.Snapshot), onFrame func(waveform.Frame)) *recording.Session {
	env := waveform.DefaultEnvelope()
	env.SilenceThreshold = c.cfg.SilenceThreshold
	return recording.NewSession(c.mic, recording.Options{
		MinDuration:    c.cfg.MinRecordingTime,
		MaxDuration:    c.cfg.MaxRecordingTime,
		SampleInterval: c.cfg.SampleInterval,
		Envelope:       env,
		OnChange:       onChange,
		OnFrame:        onFrame,
		Log:            c.log,
	})
}

func (c *core) close() {
	c.pending.Close()
}

// meter renders a one-line level bar on stderr.
func meter(f waveform.Frame) string {
	const width = 30
	n := int(f.Level * width * 3)
	if n > width {
		n = width
	}
	bar := make([]byte, width)
	for i := range bar {
		if i < n {
			bar[i] = '#'
		} else {
			bar[i] = '.'
		}
	}
	return fmt.Sprintf("\r[%s] %5.3f", bar, f.Level)
}

func formatElapsed(sec int) string {
	return (time.Duration(sec) * time.Second).String()
}

// liveStats feeds the scrape-time gauges.
type liveStats struct {
	pending *pending.Registry
	bus     *events.Bus
	mic     *capture.Mic
}

func (s liveStats) PendingCount() int       { return s.pending.PendingCount() }
func (s liveStats) SSESubscriberCount() int { return s.bus.SubscriberCount() }
func (s liveStats) MicHeld() bool           { return s.mic.Held() }
