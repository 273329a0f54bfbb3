package storage

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AsyncUploader copies archived recordings from the local tier to S3 off
// the request path. It queues keys, not bytes: a ten minute WAV is read
// back from disk when its turn comes, and a key pruned in the meantime is
// skipped.
type AsyncUploader struct {
	local   *LocalStore
	s3      *S3Store
	keys    chan string
	log     zerolog.Logger
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewAsyncUploader(local *LocalStore, s3 *S3Store, bufferSize int, log zerolog.Logger) *AsyncUploader {
	return &AsyncUploader{
		local: local,
		s3:    s3,
		keys:  make(chan string, bufferSize),
		log:   log.With().Str("component", "archive-uploader").Logger(),
	}
}

// Enqueue never blocks. A full queue leaves the key to the reconciler.
func (u *AsyncUploader) Enqueue(key string) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.stopped {
		return
	}
	select {
	case u.keys <- key:
	default:
		u.log.Warn().Str("key", key).Msg("upload queue full, leaving for reconciler")
	}
}

// Start launches a single worker.
func (u *AsyncUploader) Start() {
	u.wg.Add(1)
	go u.worker()
}

// Stop drains queued uploads and waits for the worker.
func (u *AsyncUploader) Stop() {
	u.mu.Lock()
	if !u.stopped {
		u.stopped = true
		close(u.keys)
	}
	u.mu.Unlock()
	u.wg.Wait()
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for key := range u.keys {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		u.upload(ctx, key)
		cancel()
	}
}

func (u *AsyncUploader) upload(ctx context.Context, key string) {
	log := u.log.With().Str("key", key).Logger()
	data, err := u.local.ReadAll(ctx, key)
	if errors.Is(err, ErrNotFound) {
		log.Debug().Msg("pruned before upload")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("read for upload failed")
		return
	}
	if err := u.s3.Save(ctx, key, data, contentTypeFromExt(path.Ext(key))); err != nil {
		log.Error().Err(err).Msg("S3 upload failed")
		return
	}
	log.Debug().Int("bytes", len(data)).Msg("uploaded to S3")
}
