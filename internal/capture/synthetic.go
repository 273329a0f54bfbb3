package capture

import (
	"context"
	"math"
	"sync"
	"time"
)

// ToneDevice synthesises a sine tone in real time. It stands in for a
// microphone in demos and on hosts without audio hardware.
type ToneDevice struct {
	SampleRate int
	FrameSize  int
	Frequency  float64
	Amplitude  float64 // 0..1 of full scale
}

func (d ToneDevice) Open(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := d.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	size := d.FrameSize
	if size <= 0 {
		size = rate / 20
	}
	freq := d.Frequency
	if freq <= 0 {
		freq = 440
	}
	return &toneSource{
		rate:   rate,
		size:   size,
		freq:   freq,
		amp:    d.Amplitude,
		ticker: time.NewTicker(time.Duration(size) * time.Second / time.Duration(rate)),
	}, nil
}

type toneSource struct {
	rate   int
	size   int
	freq   float64
	amp    float64
	phase  int
	ticker *time.Ticker
}

func (s *toneSource) Read(ctx context.Context) ([]int16, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ticker.C:
	}
	frame := make([]int16, s.size)
	for i := range frame {
		t := float64(s.phase+i) / float64(s.rate)
		frame[i] = int16(s.amp * math.MaxInt16 * math.Sin(2*math.Pi*s.freq*t))
	}
	s.phase += s.size
	return frame, nil
}

func (s *toneSource) SampleRate() int { return s.rate }

func (s *toneSource) Close() error {
	s.ticker.Stop()
	return nil
}

// ScriptedDevice replays a fixed list of frames as fast as they are read,
// then blocks until the stream is released.
type ScriptedDevice struct {
	Rate   int
	Frames [][]int16
	// OpenErr is returned from Open when set.
	OpenErr error
	// ReadErr, when set, is returned once the frames are exhausted.
	ReadErr error

	mu     sync.Mutex
	opened int
	closed int
}

func (d *ScriptedDevice) Open(ctx context.Context) (Source, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	rate := d.Rate
	if rate <= 0 {
		rate = 16000
	}
	return &scriptedSource{dev: d, rate: rate, frames: d.Frames}, nil
}

// Opens reports how many sources were opened.
func (d *ScriptedDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Closes reports how many sources were closed.
func (d *ScriptedDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type scriptedSource struct {
	dev    *ScriptedDevice
	rate   int
	frames [][]int16
	next   int
}

func (s *scriptedSource) Read(ctx context.Context) ([]int16, error) {
	if s.next < len(s.frames) {
		f := s.frames[s.next]
		s.next++
		return f, nil
	}
	if s.dev.ReadErr != nil {
		return nil, s.dev.ReadErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedSource) SampleRate() int { return s.rate }

func (s *scriptedSource) Close() error {
	s.dev.mu.Lock()
	s.dev.closed++
	s.dev.mu.Unlock()
	return nil
}
