package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/snarg/voicecoach/internal/recording"
)

// Sequence drives the rounds of one owner (interview questions, game
// sentences). Intermediate rounds advance as soon as the analyzer accepts
// them and are tracked in the background; only the final round blocks.
type Sequence struct {
	client  *Client
	ownerID string
	poll    PollOptions

	g   *errgroup.Group
	ctx context.Context

	mu        sync.Mutex
	jobIDs    []string
	finishing bool
	finished  bool
}

// SequenceResult is the outcome of a finished sequence.
type SequenceResult struct {
	OwnerID   string          `json:"owner_id"`
	Jobs      []Job           `json:"jobs"`
	Aggregate json.RawMessage `json:"aggregate,omitempty"`
}

var ErrSequenceFinished = errors.New("sequence already finished")

// NewSequence starts a sequence for ownerID. Background waits stop when ctx
// is cancelled.
func (c *Client) NewSequence(ctx context.Context, ownerID string, poll PollOptions) *Sequence {
	g, gctx := errgroup.WithContext(ctx)
	return &Sequence{
		client:  c,
		ownerID: ownerID,
		poll:    poll.withDefaults(c.opts.Poll),
		g:       g,
		ctx:     gctx,
	}
}

// Submit sends an intermediate round and returns once the analyzer has
// accepted it. A submission error is fatal to the round and returned; the
// background wait only logs.
func (s *Sequence) Submit(ctx context.Context, blob *recording.Blob) (string, error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return "", ErrSequenceFinished
	}
	s.mu.Unlock()

	id, err := s.client.Submit(ctx, s.ownerID, blob)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.jobIDs = append(s.jobIDs, id)
	round := len(s.jobIDs)
	s.mu.Unlock()

	s.g.Go(func() error {
		_, err := s.client.AwaitCompletion(s.ctx, id, s.poll)
		if err != nil {
			s.client.log.Warn().Err(err).
				Str("job_id", id).
				Str("owner_id", s.ownerID).
				Int("round", round).
				Msg("background round did not complete")
		}
		return nil
	})
	return id, nil
}

// Finish submits the final round, waits for it and for every background
// round, then asks the analyzer for the aggregate. If the final round fails
// or times out, the partial result is returned with that error and the
// owner is not finalized. A failed final submission leaves the sequence open
// so the round can be recorded again.
func (s *Sequence) Finish(ctx context.Context, blob *recording.Blob) (*SequenceResult, error) {
	s.mu.Lock()
	if s.finished || s.finishing {
		s.mu.Unlock()
		return nil, ErrSequenceFinished
	}
	s.finishing = true
	s.mu.Unlock()

	id, err := s.client.Submit(ctx, s.ownerID, blob)
	s.mu.Lock()
	s.finishing = false
	if err != nil {
		// The final round is lost; a re-recorded one may finish the sequence.
		s.mu.Unlock()
		return nil, err
	}
	s.finished = true
	s.jobIDs = append(s.jobIDs, id)
	s.mu.Unlock()

	_, waitErr := s.client.AwaitCompletion(ctx, id, s.poll)
	// Background waits never fail the group; they only log.
	_ = s.g.Wait()

	res := &SequenceResult{OwnerID: s.ownerID, Jobs: s.jobs()}
	if waitErr != nil {
		return res, waitErr
	}

	agg, err := s.client.Finalize(ctx, s.ownerID)
	if err != nil {
		return res, fmt.Errorf("sequence %s: %w", s.ownerID, err)
	}
	res.Aggregate = agg
	return res, nil
}

// JobIDs returns the submitted job ids in round order.
func (s *Sequence) JobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobIDs...)
}

func (s *Sequence) jobs() []Job {
	ids := s.JobIDs()
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.client.Job(id); ok {
			out = append(out, j)
		}
	}
	return out
}
