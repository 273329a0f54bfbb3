package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snarg/voicecoach/internal/recording"
)

// SliceSource serves a fixed list of prompts in order.
type SliceSource struct {
	mu      sync.Mutex
	prompts []Prompt
	next    int
}

// NewSliceSource builds a source from sentence texts.
func NewSliceSource(texts ...string) *SliceSource {
	ps := make([]Prompt, len(texts))
	for i, t := range texts {
		ps[i] = Prompt{ID: fmt.Sprintf("p%d", i+1), Text: t}
	}
	return &SliceSource{prompts: ps}
}

func (s *SliceSource) Next(ctx context.Context) (Prompt, bool, error) {
	if err := ctx.Err(); err != nil {
		return Prompt{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.prompts) {
		return Prompt{}, false, nil
	}
	p := s.prompts[s.next]
	s.next++
	return p, true, nil
}

// SessionRecorder records each round on a recording session for a fixed
// duration, resetting the session between rounds.
type SessionRecorder struct {
	Session  *recording.Session
	Duration time.Duration
}

func (r *SessionRecorder) Record(ctx context.Context, _ Prompt) (*recording.Blob, error) {
	if r.Session.Snapshot().State != recording.StateIdle {
		if err := r.Session.Reset(); err != nil {
			return nil, err
		}
	}
	if err := r.Session.Start(ctx); err != nil {
		return nil, err
	}

	t := time.NewTimer(r.Duration)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Session.Abort()
		return nil, ctx.Err()
	case <-t.C:
	}

	// Keep recording until the minimum is met or the ceiling stops it.
	for {
		if b := r.Session.Blob(); b != nil {
			return b, nil
		}
		blob, err := r.Session.Stop()
		if err == nil {
			return blob, nil
		}
		if !errors.Is(err, recording.ErrRecordingTooShort) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			r.Session.Abort()
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
