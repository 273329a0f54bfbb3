// Package storage archives sealed recordings so a failed or timed-out
// analysis can be resubmitted without re-recording.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/voicecoach/internal/config"
)

var ErrNotFound = errors.New("archived recording not found")

// Store abstracts archive backends. Keys look like {owner}/{YYYY-MM-DD}/{blob id}.{ext}.
type Store interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for the object, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// New creates a Store for the archive directory and optional S3 bucket.
// With S3 configured the store is tiered: local disk first, S3 behind an
// async uploader, plus the retention pruner and upload reconciler. Returns
// an error if S3 is configured but unreachable.
func New(cfg config.S3Config, dir string, retention time.Duration, log zerolog.Logger) (Store, []BackgroundService, error) {
	local := NewLocalStore(dir)
	if !cfg.Enabled() {
		var services []BackgroundService
		if retention > 0 {
			services = append(services, NewPruner(dir, retention, nil, log))
		}
		return local, services, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	uploader := NewAsyncUploader(local, s3store, 64, log)
	tiered := NewTieredStore(local, s3store, uploader, retention, log)

	services := []BackgroundService{uploader, NewUploadReconciler(dir, s3store, log)}
	if retention > 0 {
		services = append(services, NewPruner(dir, retention, s3store, log))
	}
	return tiered, services, nil
}

// contentTypeFromExt maps archive file extensions back to MIME types.
func contentTypeFromExt(ext string) string {
	switch ext {
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	case ".ogg":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
