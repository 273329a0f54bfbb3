package waveform

import (
	"context"
	"math"
	"testing"
	"time"
)

func constWindow(v uint8, n int) []uint8 {
	w := make([]uint8, n)
	for i := range w {
		w[i] = v
	}
	return w
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name   string
		window []uint8
		want   float64
	}{
		{"empty", nil, 0},
		{"silence", constWindow(128, 16), 0},
		{"full_negative", constWindow(0, 16), 1},
		{"half", constWindow(192, 16), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RMS(tt.window); !almostEqual(got, tt.want) {
				t.Errorf("RMS = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestEnvelope_SilenceThenLoudUsesAttack(t *testing.T) {
	env := DefaultEnvelope()
	quiet := constWindow(129, 64) // rms ~0.0078, below threshold
	for i := 0; i < 10; i++ {
		if lvl := env.Next(quiet); lvl != 0 {
			t.Fatalf("level after silent window %d = %f, want 0", i, lvl)
		}
	}

	loud := constWindow(192, 64) // rms 0.5
	got := env.Next(loud)
	want := DefaultAttack * 0.5
	if !almostEqual(got, want) {
		t.Errorf("level after loud window = %f, want %f (attack)", got, want)
	}
	if almostEqual(got, 0.5) {
		t.Error("level jumped instantaneously to target")
	}
	if almostEqual(got, DefaultRelease*0.5) {
		t.Error("level rose with the release coefficient")
	}
}

func TestEnvelope_FallUsesRelease(t *testing.T) {
	env := DefaultEnvelope()
	loud := constWindow(192, 64)
	for i := 0; i < 200; i++ {
		env.Next(loud)
	}
	peak := env.Level()
	if !almostEqual(math.Round(peak*1000)/1000, 0.5) {
		t.Fatalf("envelope did not settle near 0.5: %f", peak)
	}

	got := env.Next(constWindow(128, 64))
	want := peak - DefaultRelease*peak
	if !almostEqual(got, want) {
		t.Errorf("level after silence = %f, want %f (release)", got, want)
	}
}

func TestEnvelope_BelowThresholdForcedToZero(t *testing.T) {
	env := Envelope{Attack: 1, Release: 1, SilenceThreshold: 0.1}
	if got := env.Next(constWindow(136, 32)); got != 0 { // rms 0.0625
		t.Errorf("level = %f, want 0 below threshold", got)
	}
}

func TestRenderer_FlatBaselineWithoutSource(t *testing.T) {
	r := New(Options{})
	f := r.Render(nil)
	if f.Level != 0 || f.RMS != 0 {
		t.Errorf("frame = %+v, want flat baseline", f)
	}
	if len(f.Window) == 0 {
		t.Error("baseline window is empty")
	}
	for _, v := range f.Window {
		if v != 128 {
			t.Fatalf("baseline sample = %d, want 128", v)
		}
	}
}

func TestRenderer_RunIsRateLimited(t *testing.T) {
	r := New(Options{Interval: 20 * time.Millisecond})
	var calls int
	sampler := SamplerFunc(func() []uint8 {
		calls++
		return constWindow(192, 16)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	var frames int
	r.Run(ctx, sampler, func(Frame) { frames++ })

	if frames != calls {
		t.Errorf("frames = %d, sampler calls = %d; want one sample per tick", frames, calls)
	}
	if frames < 3 || frames > 6 {
		t.Errorf("frames = %d in 110ms at 20ms cadence, want 3..6", frames)
	}
	if r.Last().Level == 0 {
		t.Error("last frame level = 0, want rising level")
	}
}

func TestRenderer_FramesClosesOnCancel(t *testing.T) {
	r := New(Options{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Frames(ctx, nil)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no frame produced")
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frame channel not closed after cancel")
		}
	}
}
