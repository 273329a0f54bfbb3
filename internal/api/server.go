// Package api is the local HTTP bridge between a view layer (browser or
// desktop shell) and the recording, analysis and notification core.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/voicecoach/internal/analysis"
	"github.com/snarg/voicecoach/internal/config"
	"github.com/snarg/voicecoach/internal/events"
	"github.com/snarg/voicecoach/internal/metrics"
	"github.com/snarg/voicecoach/internal/mqttclient"
	"github.com/snarg/voicecoach/internal/pending"
	"github.com/snarg/voicecoach/internal/recording"
	"github.com/snarg/voicecoach/internal/storage"
)

// Deps are the core services the bridge exposes. Archive and MQTT are
// optional.
type Deps struct {
	Session *recording.Session
	Jobs    *analysis.Client
	Pending *pending.Registry
	Events  *events.Bus
	Archive *storage.Archive
	MQTT    *mqttclient.Client
	MicHeld func() bool
	Poll    analysis.PollOptions
	Version string
	Started time.Time
}

type Server struct {
	http    *http.Server
	handler http.Handler
	log     zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	// Health and metrics: no auth
	health := NewHealthHandler(deps)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		NewRecordingHandler(deps.Session).Routes(r)
		NewJobsHandler(deps).Routes(r)
		NewPendingHandler(deps.Pending).Routes(r)
		NewEventsHandler(deps.Events).Routes(r)
		if deps.Archive != nil {
			NewArchiveHandler(deps.Archive).Routes(r)
		}
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		handler: r,
		log:     log,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
