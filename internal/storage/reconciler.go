package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UploadReconciler re-uploads recent archive files missing from S3, covering
// dropped async uploads and crashes between the local write and the upload.
type UploadReconciler struct {
	dir      string
	s3       *S3Store
	interval time.Duration
	window   time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

func NewUploadReconciler(dir string, s3 *S3Store, log zerolog.Logger) *UploadReconciler {
	return &UploadReconciler{
		dir:      dir,
		s3:       s3,
		interval: 5 * time.Minute,
		window:   24 * time.Hour,
		log:      log.With().Str("component", "upload-reconciler").Logger(),
		stop:     make(chan struct{}),
	}
}

func (r *UploadReconciler) Start() { go r.loop() }

func (r *UploadReconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *UploadReconciler) loop() {
	// Let startup uploads settle first.
	select {
	case <-time.After(time.Minute):
	case <-r.stop:
		return
	}

	r.reconcile()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

func (r *UploadReconciler) reconcile() {
	var uploaded, failed, checked int
	cutoff := time.Now().Add(-r.window).Truncate(24 * time.Hour)

	walkArchive(r.dir, func(f archivedFile) {
		// Only the {owner}/{day}/ layout is mirrored; stray files stay local.
		if f.day.IsZero() || f.day.Before(cutoff) {
			return
		}
		checked++

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exists := r.s3.Exists(ctx, f.key)
		cancel()
		if exists {
			return
		}

		data, err := os.ReadFile(f.path)
		if err != nil {
			return
		}
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.s3.Save(ctx, f.key, data, contentTypeFromExt(filepath.Ext(f.path))); err != nil {
			r.log.Warn().Err(err).Str("key", f.key).Msg("reconcile upload failed")
			failed++
			return
		}
		uploaded++
	})

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("uploaded", uploaded).
			Int("failed", failed).
			Int("checked", checked).
			Msg("reconcile complete")
	}
}
