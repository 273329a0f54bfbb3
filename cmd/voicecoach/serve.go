package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/snarg/voicecoach/internal/api"
	"github.com/snarg/voicecoach/internal/events"
	"github.com/snarg/voicecoach/internal/inbox"
	"github.com/snarg/voicecoach/internal/metrics"
	"github.com/snarg/voicecoach/internal/mqttclient"
	"github.com/snarg/voicecoach/internal/recording"
	"github.com/snarg/voicecoach/internal/storage"
	"github.com/snarg/voicecoach/internal/waveform"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g)
		},
	}
	f := cmd.Flags()
	f.StringVar(&g.overrides.HTTPAddr, "listen", "", "HTTP listen address")
	f.StringVar(&g.overrides.MQTTBrokerURL, "mqtt-broker", "", "MQTT broker URL")
	f.StringVar(&g.overrides.ArchiveDir, "archive-dir", "", "Directory for archived recordings")
	f.StringVar(&g.overrides.InboxDir, "inbox-dir", "", "Directory watched for audio files to submit")
	return cmd
}

func runServe(parent context.Context, g *globalFlags) error {
	startTime := time.Now()

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	log := newLogger(cfg, false)
	log.Info().Str("version", version).Msg("voicecoach starting")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mq *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mq, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log,
		})
		if err != nil {
			log.Warn().Err(err).Msg("mqtt unavailable, notifications stay local")
			mq = nil
		} else {
			defer mq.Close()
		}
	}

	opts := coreOptions{synthetic: g.synthetic}
	if mq != nil {
		opts.remote = mq
	}
	c := newCore(cfg, log, opts)
	defer c.close()

	if mq != nil {
		mq.OnRegister(func(jobID, ownerID string) {
			if err := c.pending.RegisterFor(jobID, ownerID); err != nil {
				log.Warn().Err(err).Str("job_id", jobID).Msg("remote register failed")
			}
		})
	}

	session := c.newSession(
		func(s recording.Snapshot) {
			c.bus.Publish(events.Data{Type: events.TypeRecordingState, Payload: s})
		},
		func(f waveform.Frame) {
			c.bus.Publish(events.Data{Type: events.TypeAmplitude, Payload: f})
		},
	)
	defer session.Close()

	prometheus.MustRegister(metrics.NewCollector(liveStats{pending: c.pending, bus: c.bus, mic: c.mic}))

	var archive *storage.Archive
	if cfg.ArchiveDir != "" {
		store, services, err := storage.New(cfg.S3, cfg.ArchiveDir, cfg.ArchiveRetention, log)
		if err != nil {
			return err
		}
		for _, svc := range services {
			svc.Start()
			defer svc.Stop()
		}
		archive = storage.NewArchive(store, log)
		log.Info().Str("type", archive.Type()).Str("dir", cfg.ArchiveDir).Msg("archive ready")
	}

	if cfg.InboxDir != "" {
		w := inbox.New(inbox.Options{Dir: cfg.InboxDir, Log: log}, c.jobs, c.pending)
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	srv := api.NewServer(cfg, api.Deps{
		Session: session,
		Jobs:    c.jobs,
		Pending: c.pending,
		Events:  c.bus,
		Archive: archive,
		MQTT:    mq,
		MicHeld: c.mic.Held,
		Poll:    foregroundPoll(cfg),
		Version: version,
		Started: startTime,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	log.Info().Msg("voicecoach stopped")
	return nil
}
