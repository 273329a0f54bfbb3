package api

import (
	"net/http"
	"time"

	"github.com/snarg/voicecoach/internal/events"
	"github.com/snarg/voicecoach/internal/mqttclient"
	"github.com/snarg/voicecoach/internal/pending"
	"github.com/snarg/voicecoach/internal/recording"
	"github.com/snarg/voicecoach/internal/storage"
)

type HealthResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Checks         map[string]string `json:"checks"`
	RecordingState recording.State   `json:"recording_state"`
	PendingJobs    int               `json:"pending_jobs"`
	SSEClients     int               `json:"sse_clients"`
}

type HealthHandler struct {
	session   *recording.Session
	pending   *pending.Registry
	bus       *events.Bus
	archive   *storage.Archive
	mqtt      *mqttclient.Client
	micHeld   func() bool
	version   string
	startTime time.Time
}

func NewHealthHandler(deps Deps) *HealthHandler {
	return &HealthHandler{
		session:   deps.Session,
		pending:   deps.Pending,
		bus:       deps.Events,
		archive:   deps.Archive,
		mqtt:      deps.MQTT,
		micHeld:   deps.MicHeld,
		version:   deps.Version,
		startTime: deps.Started,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"

	resp := HealthResponse{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	if h.session != nil {
		snap := h.session.Snapshot()
		resp.RecordingState = snap.State
		if snap.State == recording.StateError {
			checks["recording"] = "error"
			status = "degraded"
		} else {
			checks["recording"] = "ok"
		}
	}

	if h.micHeld != nil {
		if h.micHeld() {
			checks["microphone"] = "in_use"
		} else {
			checks["microphone"] = "idle"
		}
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			status = "degraded"
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.archive != nil {
		checks["archive"] = h.archive.Type()
	} else {
		checks["archive"] = "not_configured"
	}

	if h.pending != nil {
		resp.PendingJobs = h.pending.PendingCount()
	}
	if h.bus != nil {
		resp.SSEClients = h.bus.SubscriberCount()
	}

	resp.Status = status
	WriteJSON(w, http.StatusOK, resp)
}
