package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/snarg/voicecoach/internal/metrics"
	"github.com/snarg/voicecoach/internal/recording"
)

// PollOptions bounds a foreground wait.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

const (
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 60
)

func (o PollOptions) withDefaults(d PollOptions) PollOptions {
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	return o
}

// Options configures a Client.
type Options struct {
	Poll PollOptions
	// OnUpdate observes every change to a tracking record.
	OnUpdate func(Job)
	Now      func() time.Time
	Log      zerolog.Logger
}

// Client submits audio and tracks analyzer jobs. A job is polled by at most
// one caller at a time: foreground waits and background polls share a
// per-job lease.
type Client struct {
	backend Backend
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	jobs   map[string]*Job
	leases map[string]*semaphore.Weighted
}

// NewClient creates a client over backend.
func NewClient(backend Backend, opts Options) *Client {
	opts.Poll = opts.Poll.withDefaults(PollOptions{Interval: DefaultPollInterval, MaxAttempts: DefaultMaxAttempts})
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		backend: backend,
		opts:    opts,
		log:     opts.Log.With().Str("component", "analysis").Logger(),
		jobs:    make(map[string]*Job),
		leases:  make(map[string]*semaphore.Weighted),
	}
}

// Submit uploads blob for ownerID and returns the server-minted job id as
// soon as the analyzer accepts it. Failures wrap ErrSubmissionFailed and are
// never retried.
func (c *Client) Submit(ctx context.Context, ownerID string, blob *recording.Blob) (string, error) {
	if blob == nil {
		return "", fmt.Errorf("%w: no recording", ErrSubmissionFailed)
	}
	data, err := blob.Bytes()
	if err != nil {
		metrics.JobSubmissionsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	return c.SubmitUpload(ctx, ownerID, Upload{
		Filename: blob.ID + extensionFor(blob.MIMEType),
		MIMEType: blob.MIMEType,
		Data:     data,
	})
}

// SubmitUpload is Submit for audio that did not come from a recording
// session (archived blobs, inbox files).
func (c *Client) SubmitUpload(ctx context.Context, ownerID string, audio Upload) (string, error) {
	start := c.opts.Now()
	id, err := c.backend.SubmitJob(ctx, ownerID, audio)
	if err != nil {
		metrics.JobSubmissionsTotal.WithLabelValues("error").Inc()
		c.log.Error().Err(err).Str("owner_id", ownerID).Msg("job submission failed")
		return "", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	metrics.JobSubmissionsTotal.WithLabelValues("ok").Inc()

	c.Track(id, ownerID)
	c.log.Info().
		Str("job_id", id).
		Str("owner_id", ownerID).
		Int("bytes", len(audio.Data)).
		Dur("upload", c.opts.Now().Sub(start)).
		Msg("job submitted")
	return id, nil
}

// Track starts tracking a job that was submitted elsewhere. It is a no-op
// when the job is already tracked.
func (c *Client) Track(jobID, ownerID string) Job {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	if ok {
		out := *j
		c.mu.Unlock()
		return out
	}
	now := c.opts.Now()
	j = &Job{
		ID:          jobID,
		OwnerID:     ownerID,
		SubmittedAt: now,
		Status:      StatusSubmitted,
		UpdatedAt:   now,
	}
	c.jobs[jobID] = j
	if c.leases[jobID] == nil {
		c.leases[jobID] = semaphore.NewWeighted(1)
	}
	out := *j
	c.mu.Unlock()
	c.emit(out)
	return out
}

// Job returns a copy of the tracking record for jobID.
func (c *Client) Job(jobID string) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Jobs lists every tracking record, newest first.
func (c *Client) Jobs() []Job {
	c.mu.Lock()
	out := make([]Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, *j)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].SubmittedAt.After(out[k].SubmittedAt) })
	return out
}

// Retrack replaces a failed or timed-out record with a fresh one for the
// same server job, so it can be polled again without re-recording. A
// running record is returned unchanged.
func (c *Client) Retrack(jobID string) (Job, error) {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	switch j.Status {
	case StatusCompleted:
		c.mu.Unlock()
		return *j, ErrNotRetryable
	case StatusFailed, StatusTimedOut:
	default:
		out := *j
		c.mu.Unlock()
		return out, nil
	}
	now := c.opts.Now()
	fresh := &Job{
		ID:          j.ID,
		OwnerID:     j.OwnerID,
		SubmittedAt: j.SubmittedAt,
		Status:      StatusSubmitted,
		UpdatedAt:   now,
	}
	c.jobs[jobID] = fresh
	out := *fresh
	c.mu.Unlock()

	c.log.Info().Str("job_id", jobID).Str("previous", string(j.Status)).Msg("job retracked")
	c.emit(out)
	return out, nil
}

// Forget drops the tracking record. The server job is left alone. A lease
// held by a running poll is dropped when that poll releases it.
func (c *Client) Forget(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, jobID)
	c.dropLeaseLocked(jobID)
}

// release returns the lease and drops it if the job was forgotten meanwhile.
func (c *Client) release(jobID string, lease *semaphore.Weighted) {
	lease.Release(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[jobID]; !ok && c.leases[jobID] == lease {
		c.dropLeaseLocked(jobID)
	}
}

func (c *Client) dropLeaseLocked(jobID string) {
	if l := c.leases[jobID]; l != nil && l.TryAcquire(1) {
		delete(c.leases, jobID)
	}
}

func (c *Client) lease(jobID string) (*semaphore.Weighted, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[jobID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return c.leases[jobID], nil
}

// AwaitCompletion polls jobID until it reaches a terminal status or the
// attempt budget is spent. The first query is issued immediately. Transient
// query errors are logged and consume an attempt. Exhaustion marks the
// record timed_out and returns ErrTimeout; the server job is not touched.
// A record that is already terminal is reported without polling.
func (c *Client) AwaitCompletion(ctx context.Context, jobID string, opts PollOptions) (Job, error) {
	opts = opts.withDefaults(c.opts.Poll)
	lease, err := c.lease(jobID)
	if err != nil {
		return Job{}, err
	}
	if err := lease.Acquire(ctx, 1); err != nil {
		return Job{}, err
	}
	defer c.release(jobID, lease)

	if j, ok := c.Job(jobID); ok && j.Status.Terminal() {
		return j, terminalErr(j)
	}

	log := c.log.With().Str("job_id", jobID).Logger()
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(opts.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				j, _ := c.Job(jobID)
				return j, ctx.Err()
			case <-t.C:
			}
		}

		j, done, err := c.query(ctx, jobID, "foreground")
		if err != nil {
			if ctx.Err() != nil {
				return j, ctx.Err()
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("job status query failed")
			continue
		}
		if done {
			metrics.JobWaitOutcomesTotal.WithLabelValues(string(j.Status)).Inc()
			return j, terminalErr(j)
		}
	}

	j := c.update(jobID, func(j *Job) { j.Status = StatusTimedOut })
	metrics.JobWaitOutcomesTotal.WithLabelValues(string(StatusTimedOut)).Inc()
	log.Warn().Int("attempts", opts.MaxAttempts).Msg("job wait timed out")
	return j, fmt.Errorf("%w: %d attempts", ErrTimeout, opts.MaxAttempts)
}

// PollOnce issues a single status query without waiting for the lease. It
// returns ErrPollBusy when another caller is polling the job, and the
// record unchanged when it is already terminal. Query errors are returned
// as-is; they are not terminal.
func (c *Client) PollOnce(ctx context.Context, jobID string) (Job, error) {
	lease, err := c.lease(jobID)
	if err != nil {
		return Job{}, err
	}
	if !lease.TryAcquire(1) {
		j, _ := c.Job(jobID)
		return j, ErrPollBusy
	}
	defer c.release(jobID, lease)

	if j, ok := c.Job(jobID); ok && j.Status.Terminal() {
		return j, nil
	}
	j, _, err := c.query(ctx, jobID, "background")
	return j, err
}

// query runs one status request and folds it into the record. Must hold
// the job's lease.
func (c *Client) query(ctx context.Context, jobID, poller string) (Job, bool, error) {
	c.update(jobID, func(j *Job) {
		j.Status = StatusPolling
		j.Attempt++
	})

	st, err := c.backend.JobStatus(ctx, jobID)
	if err != nil {
		metrics.JobPollsTotal.WithLabelValues(poller, "error").Inc()
		j, _ := c.Job(jobID)
		return j, false, err
	}

	var terminal bool
	j := c.update(jobID, func(j *Job) {
		if st.CompletedCount != nil {
			j.CompletedCount = *st.CompletedCount
		}
		switch st.state() {
		case remoteCompleted:
			j.Status = StatusCompleted
			j.Result = &Result{Kind: st.Kind, Payload: st.Result}
			terminal = true
		case remoteFailed:
			j.Status = StatusFailed
			j.Error = st.Error
			if j.Error == "" {
				j.Error = strings.ToLower(st.Status)
			}
			terminal = true
		}
	})
	metrics.JobPollsTotal.WithLabelValues(poller, string(j.Status)).Inc()
	return j, terminal, nil
}

// update mutates a live record and publishes the result. Terminal records
// are never moved back.
func (c *Client) update(jobID string, fn func(*Job)) Job {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return Job{ID: jobID}
	}
	if !j.Status.Terminal() {
		fn(j)
		j.UpdatedAt = c.opts.Now()
	}
	out := *j
	c.mu.Unlock()
	c.emit(out)
	return out
}

func (c *Client) emit(j Job) {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(j)
	}
}

// Finalize asks the analyzer for the cross-round aggregate of ownerID.
func (c *Client) Finalize(ctx context.Context, ownerID string) (json.RawMessage, error) {
	out, err := c.backend.Finalize(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", ownerID, err)
	}
	c.log.Info().Str("owner_id", ownerID).Msg("owner finalized")
	return out, nil
}

func terminalErr(j Job) error {
	switch j.Status {
	case StatusFailed:
		if j.Error != "" {
			return fmt.Errorf("%w: %s", ErrAnalysisFailed, j.Error)
		}
		return ErrAnalysisFailed
	case StatusTimedOut:
		return ErrTimeout
	}
	return nil
}

// IsTerminalErr reports whether err is a definitive job outcome rather than
// a caller or transport problem.
func IsTerminalErr(err error) bool {
	return errors.Is(err, ErrAnalysisFailed) || errors.Is(err, ErrTimeout)
}

func extensionFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "audio/wav"), strings.HasPrefix(mimeType, "audio/x-wav"):
		return ".wav"
	case strings.HasPrefix(mimeType, "audio/webm"):
		return ".webm"
	case strings.HasPrefix(mimeType, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(mimeType, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(mimeType, "audio/mp4"):
		return ".m4a"
	default:
		return ".bin"
	}
}
