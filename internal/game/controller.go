// Package game runs the pronunciation mini-game: a bounded or timed series
// of record, submit, score rounds for one game session.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/voicecoach/internal/analysis"
	"github.com/snarg/voicecoach/internal/capture"
	"github.com/snarg/voicecoach/internal/events"
	"github.com/snarg/voicecoach/internal/metrics"
	"github.com/snarg/voicecoach/internal/recording"
)

var (
	ErrInvalidPolicy = errors.New("game policy must set exactly one of target count or time limit")
	ErrAlreadyRun    = errors.New("game session already run")
)

// DefaultPoll is the fixed attempt ceiling for scoring a round.
var DefaultPoll = analysis.PollOptions{Interval: time.Second, MaxAttempts: 30}

// Policy ends the game after TargetCount scored rounds or when TimeLimit
// elapses. Exactly one must be set.
type Policy struct {
	TargetCount int
	TimeLimit   time.Duration
}

func (p Policy) Validate() error {
	if (p.TargetCount > 0) == (p.TimeLimit > 0) {
		return ErrInvalidPolicy
	}
	return nil
}

// Prompt is one sentence to pronounce.
type Prompt struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PromptSource yields prompts. ok=false means there are no more items.
type PromptSource interface {
	Next(ctx context.Context) (p Prompt, ok bool, err error)
}

// Recorder captures the player's attempt at a prompt.
type Recorder interface {
	Record(ctx context.Context, p Prompt) (*recording.Blob, error)
}

// Analyzer scores recordings.
type Analyzer interface {
	Submit(ctx context.Context, ownerID string, blob *recording.Blob) (string, error)
	AwaitCompletion(ctx context.Context, jobID string, opts analysis.PollOptions) (analysis.Job, error)
	Finalize(ctx context.Context, ownerID string) (json.RawMessage, error)
}

type Outcome string

const (
	OutcomeScored       Outcome = "scored"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimedOut     Outcome = "timed_out"
	OutcomeSubmitFailed Outcome = "submit_failed"
	OutcomeRecordFailed Outcome = "record_failed"
)

type EndReason string

const (
	EndTargetReached    EndReason = "target_reached"
	EndTimeLimit        EndReason = "time_limit"
	EndPromptsExhausted EndReason = "prompts_exhausted"
	EndCancelled        EndReason = "cancelled"
	EndError            EndReason = "error"
)

// Round is the result of one prompt.
type Round struct {
	Index   int              `json:"index"`
	Prompt  Prompt           `json:"prompt"`
	JobID   string           `json:"job_id,omitempty"`
	Outcome Outcome          `json:"outcome"`
	Result  *analysis.Result `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
	Elapsed time.Duration    `json:"elapsed_ns"`
}

// Summary is the completed game.
type Summary struct {
	SessionID string          `json:"session_id"`
	Reason    EndReason       `json:"reason"`
	Rounds    []Round         `json:"rounds"`
	Scored    int             `json:"scored"`
	Aggregate json.RawMessage `json:"aggregate,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Error     string          `json:"error,omitempty"`
}

type Options struct {
	// SessionID is the owner id sent to the analyzer. Generated when empty.
	SessionID  string
	Poll       analysis.PollOptions
	OnPrompt   func(Prompt)
	OnRound    func(Round)
	OnComplete func(Summary)
	Events     *events.Bus
	Log        zerolog.Logger
}

// Controller orchestrates one game session. Run may be called once.
type Controller struct {
	analyzer Analyzer
	prompts  PromptSource
	recorder Recorder
	policy   Policy
	opts     Options
	log      zerolog.Logger

	ran          atomic.Bool
	completeOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(analyzer Analyzer, prompts PromptSource, recorder Recorder, policy Policy, opts Options) (*Controller, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	if opts.Poll.MaxAttempts <= 0 {
		opts.Poll = DefaultPoll
	}
	return &Controller{
		analyzer: analyzer,
		prompts:  prompts,
		recorder: recorder,
		policy:   policy,
		opts:     opts,
		log:      opts.Log.With().Str("component", "game").Str("session_id", opts.SessionID).Logger(),
	}, nil
}

func (c *Controller) SessionID() string { return c.opts.SessionID }

// Stop ends a running game as cancelled.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Run plays rounds until the policy is satisfied, the prompt source runs
// dry (an early end, not an error), or ctx is cancelled. Each round waits
// for its score before the next prompt is revealed. The completion
// observer fires exactly once.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	if !c.ran.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRun
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	var timeUp atomic.Bool
	if c.policy.TimeLimit > 0 {
		timer := time.AfterFunc(c.policy.TimeLimit, func() {
			timeUp.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	sum := Summary{SessionID: c.opts.SessionID, StartedAt: time.Now()}
	c.log.Info().
		Int("target", c.policy.TargetCount).
		Dur("time_limit", c.policy.TimeLimit).
		Msg("game started")

	var runErr error
	for {
		if c.policy.TargetCount > 0 && sum.Scored >= c.policy.TargetCount {
			sum.Reason = EndTargetReached
			break
		}
		if runCtx.Err() != nil {
			sum.Reason = c.stopReason(&timeUp)
			break
		}

		prompt, ok, err := c.prompts.Next(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				continue
			}
			sum.Reason = EndError
			runErr = fmt.Errorf("next prompt: %w", err)
			break
		}
		if !ok {
			sum.Reason = EndPromptsExhausted
			break
		}
		if c.opts.OnPrompt != nil {
			c.opts.OnPrompt(prompt)
		}

		round, err := c.play(runCtx, len(sum.Rounds)+1, prompt)
		if err != nil {
			if runCtx.Err() != nil {
				// Cut off mid-round by the clock or the caller.
				continue
			}
			sum.Rounds = append(sum.Rounds, round)
			sum.Reason = EndError
			runErr = err
			break
		}
		sum.Rounds = append(sum.Rounds, round)
		if round.Outcome == OutcomeScored {
			sum.Scored++
		}
		metrics.GameRoundsTotal.WithLabelValues(string(round.Outcome)).Inc()
		c.publish(events.TypeGameRound, round)
		if c.opts.OnRound != nil {
			c.opts.OnRound(round)
		}
	}

	if sum.Scored > 0 {
		agg, err := c.analyzer.Finalize(ctx, c.opts.SessionID)
		if err != nil {
			c.log.Warn().Err(err).Msg("finalize failed")
		} else {
			sum.Aggregate = agg
		}
	}
	sum.EndedAt = time.Now()
	if runErr != nil {
		sum.Error = runErr.Error()
	}
	c.complete(sum)
	return sum, runErr
}

func (c *Controller) stopReason(timeUp *atomic.Bool) EndReason {
	if timeUp.Load() {
		return EndTimeLimit
	}
	return EndCancelled
}

// play runs one round. Only capture failures are returned as errors; a
// failed submission or analysis is recorded in the round.
func (c *Controller) play(ctx context.Context, idx int, p Prompt) (Round, error) {
	start := time.Now()
	r := Round{Index: idx, Prompt: p}
	log := c.log.With().Int("round", idx).Str("prompt_id", p.ID).Logger()

	blob, err := c.recorder.Record(ctx, p)
	if err != nil {
		r.Outcome = OutcomeRecordFailed
		r.Error = err.Error()
		r.Elapsed = time.Since(start)
		if isCaptureFatal(err) || ctx.Err() != nil {
			return r, fmt.Errorf("round %d: %w", idx, err)
		}
		log.Warn().Err(err).Msg("recording failed")
		return r, nil
	}

	jobID, err := c.analyzer.Submit(ctx, c.opts.SessionID, blob)
	if err != nil {
		if ctx.Err() != nil {
			return r, err
		}
		r.Outcome = OutcomeSubmitFailed
		r.Error = err.Error()
		r.Elapsed = time.Since(start)
		log.Warn().Err(err).Msg("round submission failed")
		return r, nil
	}
	r.JobID = jobID

	job, err := c.analyzer.AwaitCompletion(ctx, jobID, c.opts.Poll)
	r.Elapsed = time.Since(start)
	switch {
	case err == nil:
		r.Outcome = OutcomeScored
		r.Result = job.Result
	case errors.Is(err, analysis.ErrAnalysisFailed):
		r.Outcome = OutcomeFailed
		r.Error = err.Error()
	case errors.Is(err, analysis.ErrTimeout):
		r.Outcome = OutcomeTimedOut
		r.Error = err.Error()
	default:
		return r, err
	}
	log.Info().Str("job_id", jobID).Str("outcome", string(r.Outcome)).Msg("round finished")
	return r, nil
}

func isCaptureFatal(err error) bool {
	return errors.Is(err, capture.ErrPermissionDenied) ||
		errors.Is(err, capture.ErrDeviceUnavailable) ||
		errors.Is(err, capture.ErrDeviceBusy)
}

func (c *Controller) complete(sum Summary) {
	c.completeOnce.Do(func() {
		c.log.Info().
			Str("reason", string(sum.Reason)).
			Int("rounds", len(sum.Rounds)).
			Int("scored", sum.Scored).
			Msg("game finished")
		c.publish(events.TypeGameComplete, sum)
		if c.opts.OnComplete != nil {
			c.opts.OnComplete(sum)
		}
	})
}

func (c *Controller) publish(typ string, payload any) {
	if c.opts.Events == nil {
		return
	}
	c.opts.Events.Publish(events.Data{Type: typ, OwnerID: c.opts.SessionID, Payload: payload})
}
