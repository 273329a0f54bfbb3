package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("no audio input device available")
	ErrDeviceBusy        = errors.New("microphone is held by another recording")
)

// Silence is the time-domain value of a zero sample in an unsigned 8-bit window.
const Silence uint8 = 128

// Source is an open hardware input delivering mono PCM16 frames.
type Source interface {
	// Read blocks until the next frame buffer is available.
	Read(ctx context.Context) ([]int16, error)
	SampleRate() int
	Close() error
}

// Device opens audio sources. Open is the only call that may prompt the user
// for microphone permission.
type Device interface {
	Open(ctx context.Context) (Source, error)
}

// Format describes the PCM layout of the chunks a Stream delivers.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// MIMEType returns the codec tag for raw chunks in this format.
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/L16;rate=%d;channels=%d", f.SampleRate, f.Channels)
}

// Options configures a Mic.
type Options struct {
	WindowSize  int // samples kept in the time-domain tap
	ChunkBuffer int // chunks buffered before the pump blocks
	Log         zerolog.Logger
}

// Mic guards a Device as a process-wide singleton: at most one Stream holds
// it at a time.
type Mic struct {
	dev  Device
	opts Options
	log  zerolog.Logger

	mu   sync.Mutex
	held bool
}

// NewMic wraps dev. Zero-valued options get defaults.
func NewMic(dev Device, opts Options) *Mic {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 1024
	}
	if opts.ChunkBuffer <= 0 {
		opts.ChunkBuffer = 256
	}
	return &Mic{
		dev:  dev,
		opts: opts,
		log:  opts.Log.With().Str("component", "capture").Logger(),
	}
}

// Held reports whether a stream currently owns the device.
func (m *Mic) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Acquire opens the device and starts pumping frames. It fails with
// ErrDeviceBusy while another stream is live, and with ErrPermissionDenied
// or ErrDeviceUnavailable when the device refuses.
func (m *Mic) Acquire(ctx context.Context) (*Stream, error) {
	m.mu.Lock()
	if m.held {
		m.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	m.held = true
	m.mu.Unlock()

	src, err := m.dev.Open(ctx)
	if err != nil {
		m.free()
		return nil, classify(err)
	}

	s := newStream(src, m.opts, m.log, m.free)
	m.log.Debug().Int("sample_rate", src.SampleRate()).Msg("capture stream acquired")
	return s, nil
}

func (m *Mic) free() {
	m.mu.Lock()
	m.held = false
	m.mu.Unlock()
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}

// Stream is a live capture handle. It exposes a pull-based time-domain tap
// and the ordered PCM chunks for a recorder.
type Stream struct {
	src    Source
	format Format
	log    zerolog.Logger

	chunks chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	window []uint8
	err    error

	releaseOnce sync.Once
	onRelease   func()
}

func newStream(src Source, opts Options, log zerolog.Logger, onRelease func()) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	window := make([]uint8, opts.WindowSize)
	for i := range window {
		window[i] = Silence
	}
	s := &Stream{
		src: src,
		format: Format{
			SampleRate:    src.SampleRate(),
			Channels:      1,
			BitsPerSample: 16,
		},
		log:       log,
		chunks:    make(chan []byte, opts.ChunkBuffer),
		cancel:    cancel,
		done:      make(chan struct{}),
		window:    window,
		onRelease: onRelease,
	}
	go s.pump(ctx)
	return s
}

func (s *Stream) pump(ctx context.Context) {
	defer close(s.done)
	for {
		frame, err := s.src.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				s.log.Warn().Err(err).Msg("capture read failed, stopping stream")
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		// A frame that was read is queued before release can win the race,
		// unless the buffer is full.
		chunk := encodePCM16(frame)
		select {
		case s.chunks <- chunk:
		default:
			select {
			case s.chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		s.tap(frame)
	}
}

// tap slides the frame into the rolling time-domain window.
func (s *Stream) tap(frame []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.window)
	if len(frame) >= n {
		frame = frame[len(frame)-n:]
		for i, v := range frame {
			s.window[i] = toUnsigned8(v)
		}
		return
	}
	copy(s.window, s.window[len(frame):])
	off := n - len(frame)
	for i, v := range frame {
		s.window[off+i] = toUnsigned8(v)
	}
}

func toUnsigned8(v int16) uint8 {
	return uint8(int(v>>8) + 128)
}

func encodePCM16(frame []int16) []byte {
	buf := make([]byte, len(frame)*2)
	for i, v := range frame {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// Sample returns a copy of the current time-domain window.
func (s *Stream) Sample() []uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint8, len(s.window))
	copy(out, s.window)
	return out
}

// Chunks delivers PCM16LE chunks in capture order. The channel is closed
// once the stream is released and every pumped chunk has been queued.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Done is closed when the pump stops, either on release or on device failure.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the device error that stopped the pump, if any.
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Stream) Format() Format { return s.format }

// Release stops every hardware track and frees the device. Safe to call
// more than once.
func (s *Stream) Release() {
	s.releaseOnce.Do(func() {
		s.cancel()
		<-s.done
		if err := s.src.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing capture source")
		}
		close(s.chunks)
		if s.onRelease != nil {
			s.onRelease()
		}
		s.log.Debug().Msg("capture stream released")
	})
}
