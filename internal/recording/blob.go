package recording

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrBlobRevoked = errors.New("blob has been revoked")

// Blob is a sealed, immutable audio payload tagged with its codec.
// Revoking it drops the backing bytes; later reads fail.
type Blob struct {
	ID        string
	MIMEType  string
	Duration  time.Duration
	CreatedAt time.Time

	mu      sync.RWMutex
	data    []byte
	size    int
	revoked bool
}

// NewBlob seals data. The slice is owned by the blob afterwards.
func NewBlob(data []byte, mimeType string, duration time.Duration) *Blob {
	return &Blob{
		ID:        uuid.New().String(),
		MIMEType:  mimeType,
		Duration:  duration,
		CreatedAt: time.Now(),
		data:      data,
		size:      len(data),
	}
}

// Bytes returns the payload. Callers must not modify it.
func (b *Blob) Bytes() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.revoked {
		return nil, ErrBlobRevoked
	}
	return b.data, nil
}

// Reader returns a fresh reader over the payload.
func (b *Blob) Reader() (io.Reader, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Size is the payload length at sealing time.
func (b *Blob) Size() int { return b.size }

// Revoke releases the backing bytes. Idempotent.
func (b *Blob) Revoke() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = true
	b.data = nil
}

func (b *Blob) Revoked() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.revoked
}

// BlobInfo is the JSON view of a blob.
type BlobInfo struct {
	ID         string    `json:"id"`
	MIMEType   string    `json:"mime_type"`
	Size       int       `json:"size"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func (b *Blob) Info() BlobInfo {
	return BlobInfo{
		ID:         b.ID,
		MIMEType:   b.MIMEType,
		Size:       b.size,
		DurationMs: b.Duration.Milliseconds(),
		CreatedAt:  b.CreatedAt,
	}
}
