// Package recording implements the recording lifecycle: acquiring the
// microphone, counting elapsed time, rendering a live level, and sealing the
// captured chunks into a single immutable blob.
package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/voicecoach/internal/capture"
	"github.com/snarg/voicecoach/internal/metrics"
	"github.com/snarg/voicecoach/internal/waveform"
)

type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting_permission"
	StateRecording            State = "recording"
	StateStopped              State = "stopped"
	StateError                State = "error"
)

var (
	ErrRecordingTooShort = errors.New("recording is shorter than the minimum duration")
	ErrSessionActive     = errors.New("a recording is already in progress")
	ErrInvalidTransition = errors.New("invalid recording state transition")
	ErrSessionClosed     = errors.New("recording session is closed")
)

// Microphone hands out exclusive capture streams.
type Microphone interface {
	Acquire(ctx context.Context) (*capture.Stream, error)
}

// Ticker is the 1 Hz clock that advances elapsed time.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) Chan() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()                  { s.t.Stop() }

// NewTicker is the wall-clock TickerFunc.
func NewTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}

// Options configures a Session. MinDuration and MaxDuration are rounded up
// to whole ticks; zero disables the bound.
type Options struct {
	MinDuration    time.Duration
	MaxDuration    time.Duration
	TickInterval   time.Duration
	SampleInterval time.Duration
	Envelope       waveform.Envelope
	NewTicker      TickerFunc
	Now            func() time.Time

	// OnChange receives a snapshot after every state change and tick.
	OnChange func(Snapshot)
	// OnFrame receives every rendered amplitude frame while recording.
	OnFrame func(waveform.Frame)

	Log zerolog.Logger
}

// Snapshot is the observable view of a session.
type Snapshot struct {
	State          State           `json:"state"`
	IsRecording    bool            `json:"is_recording"`
	StartedAt      time.Time       `json:"started_at,omitempty"`
	ElapsedSeconds int             `json:"elapsed_seconds"`
	Blob           *Blob           `json:"-"`
	BlobInfo       *BlobInfo       `json:"blob,omitempty"`
	Frame          *waveform.Frame `json:"amplitude_frame,omitempty"`
	Err            error           `json:"-"`
	Error          string          `json:"error,omitempty"`
}

// Session is one recording lifecycle bound to a microphone.
//
// States: idle -> requesting_permission -> recording -> stopped, with error
// reachable from any of them. A sealed blob exists only while stopped.
type Session struct {
	mic  Microphone
	opts Options
	log  zerolog.Logger

	opMu sync.Mutex // serialises Start/Stop/Reset/Close and auto-stop

	mu        sync.Mutex
	state     State
	gen       uint64
	startedAt time.Time
	elapsed   int
	blob      *Blob
	err       error
	closed    bool
	stopping  bool
	stream    *capture.Stream
	cancel    context.CancelFunc

	loops       sync.WaitGroup
	pcm         *bytes.Buffer
	collectDone chan struct{}

	frameMu  sync.Mutex
	frame    *waveform.Frame
	notifyMu sync.Mutex
}

// NewSession creates an idle session on mic.
func NewSession(mic Microphone, opts Options) *Session {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = waveform.DefaultInterval
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTicker
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		mic:   mic,
		opts:  opts,
		log:   opts.Log.With().Str("component", "recording").Logger(),
		state: StateIdle,
	}
}

func (s *Session) minTicks() int { return ticksFor(s.opts.MinDuration, s.opts.TickInterval) }
func (s *Session) maxTicks() int { return ticksFor(s.opts.MaxDuration, s.opts.TickInterval) }

func ticksFor(d, tick time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(float64(d) / float64(tick)))
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:          s.state,
		IsRecording:    s.state == StateRecording,
		StartedAt:      s.startedAt,
		ElapsedSeconds: s.elapsed,
		Err:            s.err,
	}
	if s.state == StateStopped && s.blob != nil {
		info := s.blob.Info()
		snap.Blob = s.blob
		snap.BlobInfo = &info
	}
	s.mu.Unlock()

	if snap.Err != nil {
		snap.Error = snap.Err.Error()
	}
	s.frameMu.Lock()
	if s.frame != nil {
		f := *s.frame
		snap.Frame = &f
	}
	s.frameMu.Unlock()
	return snap
}

// Blob returns the sealed blob, or nil unless the session is stopped.
func (s *Session) Blob() *Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return nil
	}
	return s.blob
}

func (s *Session) notify() {
	if s.opts.OnChange == nil {
		return
	}
	snap := s.Snapshot()
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.opts.OnChange(snap)
}

// Start acquires the microphone and begins recording. It is only valid from
// idle. A capture failure moves the session to error and is returned.
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		if st == StateRequestingPermission || st == StateRecording {
			return ErrSessionActive
		}
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, st)
	}
	s.state = StateRequestingPermission
	s.err = nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	s.notify()

	stream, err := s.mic.Acquire(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.err = err
		s.mu.Unlock()
		metrics.RecordingsTotal.WithLabelValues("failed").Inc()
		s.log.Warn().Err(err).Msg("microphone acquisition failed")
		s.notify()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	pcm := new(bytes.Buffer)
	collectDone := make(chan struct{})

	s.mu.Lock()
	s.state = StateRecording
	s.startedAt = s.opts.Now()
	s.elapsed = 0
	s.stream = stream
	s.cancel = cancel
	s.pcm = pcm
	s.collectDone = collectDone
	s.mu.Unlock()

	s.frameMu.Lock()
	s.frame = nil
	s.frameMu.Unlock()

	go collect(stream, pcm, collectDone)

	renderer := waveform.New(waveform.Options{
		Interval: s.opts.SampleInterval,
		Envelope: s.opts.Envelope,
	})
	s.loops.Add(3)
	go s.tickLoop(loopCtx, gen)
	go s.sampleLoop(loopCtx, renderer, stream)
	go s.watchStream(loopCtx, gen, stream)

	s.log.Info().
		Int("sample_rate", stream.Format().SampleRate).
		Dur("min", s.opts.MinDuration).
		Dur("max", s.opts.MaxDuration).
		Msg("recording started")
	s.notify()
	return nil
}

// collect concatenates chunks in capture order until the stream is released.
func collect(stream *capture.Stream, pcm *bytes.Buffer, done chan<- struct{}) {
	defer close(done)
	for chunk := range stream.Chunks() {
		pcm.Write(chunk)
	}
}

func (s *Session) tickLoop(ctx context.Context, gen uint64) {
	defer s.loops.Done()
	t := s.opts.NewTicker(s.opts.TickInterval)
	defer t.Stop()
	ceiling := s.maxTicks()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
		}
		s.mu.Lock()
		if s.gen != gen || s.state != StateRecording || s.stopping {
			s.mu.Unlock()
			continue
		}
		s.elapsed++
		reached := ceiling > 0 && s.elapsed >= ceiling
		s.mu.Unlock()
		s.notify()

		if reached {
			go s.autoStop(gen)
			return
		}
	}
}

func (s *Session) sampleLoop(ctx context.Context, r *waveform.Renderer, stream *capture.Stream) {
	defer s.loops.Done()
	r.Run(ctx, stream, func(f waveform.Frame) {
		s.frameMu.Lock()
		s.frame = &f
		s.frameMu.Unlock()
		if s.opts.OnFrame != nil {
			s.opts.OnFrame(f)
		}
	})
}

// watchStream moves the session to error when the device stops on its own.
func (s *Session) watchStream(ctx context.Context, gen uint64, stream *capture.Stream) {
	defer s.loops.Done()
	select {
	case <-ctx.Done():
	case <-stream.Done():
		if err := stream.Err(); err != nil {
			go s.fail(gen, err)
		}
	}
}

// Stop seals the recording. Before the minimum duration it returns
// ErrRecordingTooShort and the session keeps recording.
func (s *Session) Stop() (*Blob, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.halt(false)
}

func (s *Session) autoStop(gen uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	stale := s.gen != gen || s.state != StateRecording
	s.mu.Unlock()
	if stale {
		return
	}
	if _, err := s.halt(true); err != nil {
		s.log.Warn().Err(err).Msg("auto-stop failed")
		return
	}
	metrics.RecordingsTotal.WithLabelValues("auto_stopped").Inc()
	s.log.Info().Dur("max", s.opts.MaxDuration).Msg("recording reached time ceiling")
}

// halt must be called with opMu held.
func (s *Session) halt(force bool) (*Blob, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.state != StateRecording {
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: stop from %s", ErrInvalidTransition, st)
	}
	if floor := s.minTicks(); !force && s.elapsed < floor {
		elapsed := s.elapsed
		s.mu.Unlock()
		metrics.RecordingsTotal.WithLabelValues("rejected_short").Inc()
		return nil, fmt.Errorf("%w: %ds of %ds", ErrRecordingTooShort, elapsed, floor)
	}
	s.stopping = true
	elapsed := s.elapsed
	s.mu.Unlock()

	pcm := s.teardown()
	format := s.streamFormat()
	blob := NewBlob(encodeWAV(pcm, format), WAVMIMEType, pcmDuration(len(pcm), format))

	s.mu.Lock()
	s.state = StateStopped
	s.blob = blob
	s.stream = nil
	s.stopping = false
	s.mu.Unlock()

	metrics.RecordingsTotal.WithLabelValues("sealed").Inc()
	metrics.RecordedSeconds.Observe(float64(elapsed))
	s.log.Info().
		Str("blob_id", blob.ID).
		Int("elapsed_s", elapsed).
		Int("bytes", blob.Size()).
		Msg("recording sealed")
	s.notify()
	return blob, nil
}

func (s *Session) streamFormat() capture.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return capture.Format{}
	}
	return s.stream.Format()
}

// teardown cancels the timers, releases the device and returns the
// collected PCM. The caller must have set stopping.
func (s *Session) teardown() []byte {
	s.mu.Lock()
	stream, cancel, done, pcm := s.stream, s.cancel, s.collectDone, s.pcm
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	if stream == nil {
		return nil
	}
	stream.Release()
	<-done
	return pcm.Bytes()
}

func (s *Session) fail(gen uint64, cause error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.state != StateRecording || s.closed {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	s.teardown()

	s.mu.Lock()
	s.state = StateError
	s.err = fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, cause)
	s.stream = nil
	s.stopping = false
	s.mu.Unlock()

	metrics.RecordingsTotal.WithLabelValues("failed").Inc()
	s.log.Error().Err(cause).Msg("capture device failed during recording")
	s.notify()
}

// Reset returns a stopped or failed session to idle, revoking the sealed
// blob first.
func (s *Session) Reset() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateStopped && s.state != StateError {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, st)
	}
	if s.blob != nil {
		s.blob.Revoke()
		s.blob = nil
	}
	s.state = StateIdle
	s.err = nil
	s.elapsed = 0
	s.startedAt = time.Time{}
	s.mu.Unlock()

	s.frameMu.Lock()
	s.frame = nil
	s.frameMu.Unlock()

	s.notify()
	return nil
}

// Abort discards whatever the session holds and returns it to idle: a
// recording in progress is dropped without sealing, the device is released
// and any sealed blob revoked.
func (s *Session) Abort() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.discard(false) {
		s.notify()
	}
}

// Close tears the session down from any state like Abort. Later commands
// fail with ErrSessionClosed.
func (s *Session) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.discard(true)
	s.log.Debug().Msg("recording session closed")
}

// discard must be called with opMu held. It reports whether anything changed.
func (s *Session) discard(closing bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if closing {
		s.closed = true
	}
	wasRecording := s.state == StateRecording
	s.stopping = true
	s.mu.Unlock()

	s.teardown()

	s.mu.Lock()
	if s.blob != nil {
		s.blob.Revoke()
		s.blob = nil
	}
	changed := s.state != StateIdle
	s.stream = nil
	s.state = StateIdle
	s.stopping = false
	s.elapsed = 0
	s.err = nil
	s.mu.Unlock()

	if wasRecording {
		metrics.RecordingsTotal.WithLabelValues("aborted").Inc()
	}
	return changed
}
