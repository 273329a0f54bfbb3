package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/voicecoach/internal/recording"
)

// Entry describes one archived recording. It is stored as a JSON sidecar
// next to the audio object.
type Entry struct {
	Key        string    `json:"key"`
	OwnerID    string    `json:"owner_id"`
	BlobID     string    `json:"blob_id"`
	MIMEType   string    `json:"mime_type"`
	Size       int       `json:"size"`
	DurationMs int64     `json:"duration_ms"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archive stores sealed blobs by owner and day on top of a Store.
type Archive struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func NewArchive(store Store, log zerolog.Logger) *Archive {
	return &Archive{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "archive").Logger(),
	}
}

func (a *Archive) Type() string { return a.store.Type() }

// Put copies a sealed blob into the archive. The blob itself is untouched
// and may be revoked afterwards.
func (a *Archive) Put(ctx context.Context, ownerID string, blob *recording.Blob) (Entry, error) {
	data, err := blob.Bytes()
	if err != nil {
		return Entry{}, err
	}
	now := a.now().UTC()
	e := Entry{
		Key:        newArchiveKey(ownerID, now, blob.ID+extFor(blob.MIMEType)),
		OwnerID:    ownerID,
		BlobID:     blob.ID,
		MIMEType:   blob.MIMEType,
		Size:       len(data),
		DurationMs: blob.Duration.Milliseconds(),
		ArchivedAt: now,
	}
	if err := a.store.Save(ctx, e.Key, data, blob.MIMEType); err != nil {
		return Entry{}, fmt.Errorf("archive %s: %w", e.Key, err)
	}
	meta, _ := json.Marshal(e)
	if err := a.store.Save(ctx, sidecarKey(e.Key), meta, "application/json"); err != nil {
		a.log.Warn().Err(err).Str("key", e.Key).Msg("sidecar write failed")
	}
	a.log.Debug().Str("key", e.Key).Int("bytes", e.Size).Msg("recording archived")
	return e, nil
}

// Load rebuilds a sealed blob from the archive. A missing sidecar falls back
// to the file extension for the codec tag.
func (a *Archive) Load(ctx context.Context, key string) (*recording.Blob, Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, Entry{}, err
	}
	r, err := a.store.Open(ctx, key)
	if err != nil {
		return nil, Entry{}, err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, Entry{}, fmt.Errorf("read %s: %w", key, err)
	}

	e := Entry{Key: key, MIMEType: contentTypeFromExt(path.Ext(key)), Size: len(data)}
	if mr, err := a.store.Open(ctx, sidecarKey(key)); err == nil {
		var meta Entry
		if json.NewDecoder(mr).Decode(&meta) == nil {
			e = meta
		}
		mr.Close()
	}

	blob := recording.NewBlob(data, e.MIMEType, time.Duration(e.DurationMs)*time.Millisecond)
	if e.BlobID != "" {
		blob.ID = e.BlobID
	}
	return blob, e, nil
}

func extFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(base) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ".bin"
	}
}
