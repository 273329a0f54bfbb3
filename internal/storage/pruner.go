package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pruner deletes local archive files older than the retention window. When
// an S3 tier exists it only removes files already copied there.
type Pruner struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	s3        *S3Store
	now       func() time.Time
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewPruner(dir string, retention time.Duration, s3 *S3Store, log zerolog.Logger) *Pruner {
	return &Pruner{
		dir:       dir,
		retention: retention,
		interval:  time.Hour,
		s3:        s3,
		now:       time.Now,
		log:       log.With().Str("component", "archive-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *Pruner) Start() {
	go p.loop()
}

func (p *Pruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pruner) loop() {
	// Run once on startup to clear any backlog from downtime
	p.Prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Prune()
		case <-p.stop:
			return
		}
	}
}

// Prune runs one pass and returns the number of files removed.
func (p *Pruner) Prune() int {
	if p.retention <= 0 {
		return 0
	}
	now := p.now()

	var pruned, skipped int
	var freed int64
	walkArchive(p.dir, func(f archivedFile) {
		if !f.expired(p.retention, now) {
			return
		}
		if p.s3 != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			inS3 := p.s3.Exists(ctx, f.key)
			cancel()
			if !inS3 {
				skipped++
				return
			}
		}
		if err := os.Remove(f.path); err == nil {
			pruned++
			freed += f.size
		}
	})
	removeEmptyDirs(p.dir)

	if pruned > 0 || skipped > 0 {
		p.log.Info().
			Int("pruned", pruned).
			Str("freed", humanizeBytes(freed)).
			Int("skipped_not_in_s3", skipped).
			Msg("archive prune complete")
	}
	return pruned
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
