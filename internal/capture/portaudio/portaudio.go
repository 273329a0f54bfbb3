// Package portaudio provides the default-input microphone device backed by
// PortAudio. It needs the portaudio C library at build time.
package portaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/snarg/voicecoach/internal/capture"
)

// Device opens the host's default input device.
type Device struct {
	SampleRate      int
	FramesPerBuffer int
}

var initMu sync.Mutex

func (d Device) Open(ctx context.Context) (capture.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := d.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	frames := d.FramesPerBuffer
	if frames <= 0 {
		frames = 1024
	}

	initMu.Lock()
	defer initMu.Unlock()
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}

	buf := make([]int16, frames)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), frames, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open mic: %v", capture.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start mic: %v", capture.ErrPermissionDenied, err)
	}
	return &source{stream: stream, buf: buf, rate: rate}, nil
}

type source struct {
	stream *portaudio.Stream
	buf    []int16
	rate   int
}

// Read blocks for one buffer period. Input overflows are not fatal: the
// buffer still holds the most recent samples.
func (s *source) Read(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.stream.Read(); err != nil && err != portaudio.InputOverflowed {
		return nil, err
	}
	frame := make([]int16, len(s.buf))
	copy(frame, s.buf)
	return frame, nil
}

func (s *source) SampleRate() int { return s.rate }

func (s *source) Close() error {
	initMu.Lock()
	defer initMu.Unlock()
	s.stream.Stop()
	err := s.stream.Close()
	portaudio.Terminate()
	return err
}
