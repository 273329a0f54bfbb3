package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestMic(dev Device) *Mic {
	return NewMic(dev, Options{WindowSize: 8, Log: zerolog.Nop()})
}

func TestMic_AcquireSingleton(t *testing.T) {
	dev := &ScriptedDevice{}
	mic := newTestMic(dev)

	s, err := mic.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !mic.Held() {
		t.Error("Held = false after Acquire")
	}

	if _, err := mic.Acquire(context.Background()); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("second Acquire err = %v, want ErrDeviceBusy", err)
	}

	s.Release()
	if mic.Held() {
		t.Error("Held = true after Release")
	}

	s2, err := mic.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	s2.Release()
	if dev.Opens() != 2 {
		t.Errorf("Opens = %d, want 2", dev.Opens())
	}
}

func TestMic_AcquireErrors(t *testing.T) {
	tests := []struct {
		name    string
		openErr error
		want    error
	}{
		{"permission", ErrPermissionDenied, ErrPermissionDenied},
		{"unavailable", ErrDeviceUnavailable, ErrDeviceUnavailable},
		{"other_maps_to_unavailable", errors.New("driver exploded"), ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mic := newTestMic(&ScriptedDevice{OpenErr: tt.openErr})
			_, err := mic.Acquire(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if mic.Held() {
				t.Error("device still held after failed Acquire")
			}
		})
	}
}

func TestStream_ReleaseIdempotent(t *testing.T) {
	dev := &ScriptedDevice{}
	mic := newTestMic(dev)
	s, err := mic.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Release()
		s.Release()
		s.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Release did not return")
	}
	if dev.Closes() != 1 {
		t.Errorf("Closes = %d, want 1", dev.Closes())
	}
}

func TestStream_ChunksInOrder(t *testing.T) {
	frames := [][]int16{{1, 2}, {3, 4}, {5, 6}}
	mic := newTestMic(&ScriptedDevice{Frames: frames})
	s, err := mic.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var got []int16
	for i := 0; i < len(frames); i++ {
		select {
		case c := <-s.Chunks():
			for j := 0; j+1 < len(c); j += 2 {
				got = append(got, int16(binary.LittleEndian.Uint16(c[j:])))
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for chunk")
		}
	}
	s.Release()

	want := []int16{1, 2, 3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}

	if _, ok := <-s.Chunks(); ok {
		t.Error("chunks channel still open after Release")
	}
}

func TestStream_SampleWindow(t *testing.T) {
	loud := make([]int16, 8)
	for i := range loud {
		loud[i] = 32767
	}
	mic := newTestMic(&ScriptedDevice{Frames: [][]int16{loud}})
	s, err := mic.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release()

	// The window is tapped after the chunk is queued.
	deadline := time.Now().Add(2 * time.Second)
	w := s.Sample()
	for w[len(w)-1] != 255 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		w = s.Sample()
	}
	if len(w) != 8 {
		t.Fatalf("window len = %d, want 8", len(w))
	}
	for i, v := range w {
		if v != 255 {
			t.Errorf("window[%d] = %d, want 255", i, v)
		}
	}
}

func TestStream_SampleBeforeAudioIsSilence(t *testing.T) {
	mic := newTestMic(&ScriptedDevice{})
	s, err := mic.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release()
	for i, v := range s.Sample() {
		if v != Silence {
			t.Errorf("window[%d] = %d, want %d", i, v, Silence)
		}
	}
}

func TestStream_DeviceFailureStopsPump(t *testing.T) {
	boom := errors.New("unplugged")
	mic := newTestMic(&ScriptedDevice{Frames: [][]int16{{1}}, ReadErr: boom})
	s, err := mic.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop on read error")
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err = %v, want %v", s.Err(), boom)
	}
}

func TestFormat_MIMEType(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	if got := f.MIMEType(); got != "audio/L16;rate=16000;channels=1" {
		t.Errorf("MIMEType = %q", got)
	}
}
