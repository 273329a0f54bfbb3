package storage

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// TieredStore keeps recent archive days on local disk and every recording
// in S3. Writes land locally and are copied up in the background; reads
// fall back to S3 and bring the recording back to disk only while its day
// is still inside the retention window, so the pruner does not fight the
// cache.
type TieredStore struct {
	local     *LocalStore
	s3        *S3Store
	uploader  *AsyncUploader
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewTieredStore(local *LocalStore, s3 *S3Store, uploader *AsyncUploader, retention time.Duration, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		local:     local,
		s3:        s3,
		uploader:  uploader,
		retention: retention,
		now:       time.Now,
		log:       log.With().Str("component", "tiered-store").Logger(),
	}
}

// Save fails only if the local write fails. A dropped S3 upload is picked
// up by the reconciler.
func (s *TieredStore) Save(ctx context.Context, key string, data []byte, ct string) error {
	if err := s.local.Save(ctx, key, data, ct); err != nil {
		return err
	}
	s.uploader.Enqueue(key)
	return nil
}

func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	r, err := s.s3.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}
	if !expired(k.Day.Add(24*time.Hour), s.retention, s.now()) {
		if cacheErr := s.local.Save(ctx, key, data, ""); cacheErr != nil {
			s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache S3 recording locally")
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	return s.local.Exists(ctx, key) || s.s3.Exists(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }
