// Package pending keeps track of jobs the user walked away from and raises
// a single notification when each one resolves.
package pending

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/voicecoach/internal/analysis"
	"github.com/snarg/voicecoach/internal/events"
	"github.com/snarg/voicecoach/internal/metrics"
)

var ErrClosed = errors.New("pending registry is closed")

const DefaultInterval = 5 * time.Second

// Poller is the subset of the analysis client the registry drives.
type Poller interface {
	Job(jobID string) (analysis.Job, bool)
	Track(jobID, ownerID string) analysis.Job
	Retrack(jobID string) (analysis.Job, error)
	PollOnce(ctx context.Context, jobID string) (analysis.Job, error)
}

// EventPublisher receives notifications for local subscribers.
type EventPublisher interface {
	Publish(d events.Data) events.Event
}

// RemotePublisher mirrors notifications to other devices.
type RemotePublisher interface {
	PublishNotification(jobID string, payload any) error
}

// Notification is raised exactly once per resolved job.
type Notification struct {
	JobID    string           `json:"job_id"`
	OwnerID  string           `json:"owner_id,omitempty"`
	Status   analysis.Status  `json:"status"`
	Summary  string           `json:"summary"`
	Result   *analysis.Result `json:"result,omitempty"`
	RaisedAt time.Time        `json:"raised_at"`
}

// Entry is a registered job.
type Entry struct {
	JobID        string    `json:"job_id"`
	OwnerID      string    `json:"owner_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

type Options struct {
	Interval time.Duration
	Events   EventPublisher
	Remote   RemotePublisher
	Now      func() time.Time
	Log      zerolog.Logger
}

type entry struct {
	Entry
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	prev   <-chan struct{}
}

// Registry runs one background poll loop per registered job. Loops have no
// expiry: they stop on a terminal status, dismissal or Close.
type Registry struct {
	poller Poller
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	entries   map[string]*entry
	gen       uint64
	callbacks map[uint64]func(Notification)
	nextCB    uint64
	closed    bool
}

func New(poller Poller, opts Options) *Registry {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		poller:    poller,
		opts:      opts,
		log:       opts.Log.With().Str("component", "pending").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		callbacks: make(map[uint64]func(Notification)),
	}
}

// Register records interest in jobID. See RegisterFor.
func (r *Registry) Register(jobID string) error {
	return r.RegisterFor(jobID, "")
}

// RegisterFor records interest in jobID and starts its background loop.
// Registering an id again restarts its loop; the old loop has exited before
// the new one polls. A job whose foreground wait already resolved is not
// registered. A timed-out job is retracked and polled again.
func (r *Registry) RegisterFor(jobID, ownerID string) error {
	j, ok := r.poller.Job(jobID)
	if !ok {
		j = r.poller.Track(jobID, ownerID)
	}
	switch j.Status {
	case analysis.StatusCompleted, analysis.StatusFailed:
		r.log.Debug().Str("job_id", jobID).Str("status", string(j.Status)).Msg("job already resolved, not registering")
		return nil
	case analysis.StatusTimedOut:
		var err error
		if j, err = r.poller.Retrack(jobID); err != nil {
			return err
		}
	}
	if ownerID == "" {
		ownerID = j.OwnerID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.gen++
	ctx, cancel := context.WithCancel(r.ctx)
	e := &entry{
		Entry:  Entry{JobID: jobID, OwnerID: ownerID, RegisteredAt: r.opts.Now()},
		gen:    r.gen,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if old, ok := r.entries[jobID]; ok {
		old.cancel()
		e.prev = old.done
	}
	r.entries[jobID] = e
	r.wg.Add(1)
	go r.loop(ctx, e)

	r.log.Info().Str("job_id", jobID).Bool("restart", e.prev != nil).Msg("pending job registered")
	return nil
}

// Dismiss stops tracking jobID without touching the server job. It returns
// false when nothing was registered.
func (r *Registry) Dismiss(jobID string) bool {
	r.mu.Lock()
	e, ok := r.entries[jobID]
	if ok {
		delete(r.entries, jobID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	<-e.done
	r.log.Info().Str("job_id", jobID).Msg("pending job dismissed")
	return true
}

// OnJobNotification registers cb for every future notification and returns
// a function that removes it.
func (r *Registry) OnJobNotification(cb func(Notification)) func() {
	r.mu.Lock()
	id := r.nextCB
	r.nextCB++
	r.callbacks[id] = cb
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.callbacks, id)
		r.mu.Unlock()
	}
}

// Pending lists registered jobs, oldest first.
func (r *Registry) Pending() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Entry)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].RegisteredAt.Before(out[k].RegisteredAt) })
	return out
}

// PendingCount returns the number of registered jobs.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every loop and waits for them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) loop(ctx context.Context, e *entry) {
	defer r.wg.Done()
	defer close(e.done)
	if e.prev != nil {
		<-e.prev
	}
	log := r.log.With().Str("job_id", e.JobID).Logger()

	for {
		if ctx.Err() != nil {
			return
		}
		j, err := r.poller.PollOnce(ctx, e.JobID)
		switch {
		case errors.Is(err, analysis.ErrPollBusy):
			log.Debug().Msg("job busy in foreground, skipping tick")
		case errors.Is(err, analysis.ErrUnknownJob):
			log.Warn().Msg("job no longer tracked, dropping")
			r.drop(e)
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("background poll failed, will retry")
		case j.Status == analysis.StatusTimedOut:
			if _, err := r.poller.Retrack(e.JobID); err != nil {
				log.Warn().Err(err).Msg("retrack failed")
			}
		case j.Status.Terminal():
			r.raise(e, j)
			return
		}

		t := time.NewTimer(r.opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (r *Registry) drop(e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[e.JobID]; ok && cur.gen == e.gen {
		delete(r.entries, e.JobID)
	}
	r.mu.Unlock()
}

// raise emits the notification if e is still the live entry for its job.
func (r *Registry) raise(e *entry, j analysis.Job) {
	r.mu.Lock()
	cur, ok := r.entries[e.JobID]
	if !ok || cur.gen != e.gen {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.JobID)
	cbs := make([]func(Notification), 0, len(r.callbacks))
	for _, cb := range r.callbacks {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()

	owner := e.OwnerID
	if owner == "" {
		owner = j.OwnerID
	}
	n := Notification{
		JobID:    j.ID,
		OwnerID:  owner,
		Status:   j.Status,
		Summary:  j.Summary(),
		Result:   j.Result,
		RaisedAt: r.opts.Now(),
	}
	metrics.NotificationsTotal.Inc()
	r.log.Info().Str("job_id", n.JobID).Str("status", string(n.Status)).Msg("job notification raised")

	for _, cb := range cbs {
		cb(n)
	}
	if r.opts.Events != nil {
		r.opts.Events.Publish(events.Data{
			Type:    events.TypeJobNotification,
			JobID:   n.JobID,
			OwnerID: n.OwnerID,
			Payload: n,
		})
	}
	if r.opts.Remote != nil {
		if err := r.opts.Remote.PublishNotification(n.JobID, n); err != nil {
			r.log.Warn().Err(err).Str("job_id", n.JobID).Msg("remote notification publish failed")
		}
	}
}
