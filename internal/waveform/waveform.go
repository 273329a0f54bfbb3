// Package waveform turns time-domain amplitude windows into a smoothed
// level suitable for a live meter.
package waveform

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	DefaultAttack           = 0.35
	DefaultRelease          = 0.08
	DefaultSilenceThreshold = 0.02
	DefaultInterval         = 150 * time.Millisecond

	baselineWidth = 128
)

// Envelope is an asymmetric attack/release smoother. Rising loudness is
// followed with Attack, falling loudness with Release. RMS below
// SilenceThreshold targets zero.
type Envelope struct {
	Attack           float64
	Release          float64
	SilenceThreshold float64

	level float64
}

// DefaultEnvelope returns the meter tuning used by recordings.
func DefaultEnvelope() Envelope {
	return Envelope{
		Attack:           DefaultAttack,
		Release:          DefaultRelease,
		SilenceThreshold: DefaultSilenceThreshold,
	}
}

// Next advances the envelope by one window and returns the new level.
func (e *Envelope) Next(window []uint8) float64 {
	target := RMS(window)
	if target < e.SilenceThreshold {
		target = 0
	}
	coeff := e.Release
	if target > e.level {
		coeff = e.Attack
	}
	e.level += coeff * (target - e.level)
	if e.level < 1e-6 {
		e.level = 0
	}
	return e.level
}

// Level returns the current displayed level.
func (e *Envelope) Level() float64 { return e.level }

// RMS returns the root-mean-square of an unsigned 8-bit window centred on
// 128, normalised to 0..1. An empty window is silent.
func RMS(window []uint8) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, v := range window {
		x := (float64(v) - 128) / 128
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(window)))
}

// Frame is one rendered amplitude snapshot.
type Frame struct {
	Window []uint8   `json:"window"`
	RMS    float64   `json:"rms"`
	Level  float64   `json:"level"`
	At     time.Time `json:"at"`
}

// Sampler pulls the current time-domain window from a capture source.
type Sampler interface {
	Sample() []uint8
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() []uint8

func (f SamplerFunc) Sample() []uint8 { return f() }

// Options configures a Renderer.
type Options struct {
	Interval time.Duration
	Envelope Envelope
}

// Renderer samples at a capped cadence, independent of how fast the
// source produces audio, and smooths the result.
type Renderer struct {
	interval time.Duration

	mu   sync.Mutex
	env  Envelope
	last Frame
}

// New creates a renderer. Zero options get the defaults.
func New(opts Options) *Renderer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	env := opts.Envelope
	if env.Attack == 0 && env.Release == 0 {
		env = DefaultEnvelope()
	}
	return &Renderer{
		interval: opts.Interval,
		env:      env,
		last:     Frame{Window: flatWindow()},
	}
}

// Render advances the envelope with one window. A nil or empty window
// renders a flat baseline.
func (r *Renderer) Render(window []uint8) Frame {
	if len(window) == 0 {
		window = flatWindow()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rms := RMS(window)
	level := r.env.Next(window)
	r.last = Frame{Window: window, RMS: rms, Level: level, At: time.Now()}
	return r.last
}

// Last returns the most recently rendered frame.
func (r *Renderer) Last() Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run samples s every interval until ctx is cancelled, passing each frame
// to emit. A nil sampler renders a flat baseline.
func (r *Renderer) Run(ctx context.Context, s Sampler, emit func(Frame)) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var window []uint8
			if s != nil {
				window = s.Sample()
			}
			f := r.Render(window)
			if emit != nil {
				emit(f)
			}
		}
	}
}

// Frames returns the lazy frame sequence for s. It ends when ctx is
// cancelled and cannot be restarted. Frames are dropped when the reader
// falls behind.
func (r *Renderer) Frames(ctx context.Context, s Sampler) <-chan Frame {
	ch := make(chan Frame, 1)
	go func() {
		defer close(ch)
		r.Run(ctx, s, func(f Frame) {
			select {
			case ch <- f:
			default:
			}
		})
	}()
	return ch
}

func flatWindow() []uint8 {
	w := make([]uint8, baselineWidth)
	for i := range w {
		w[i] = 128
	}
	return w
}
