package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_published_event", func(t *testing.T) {
		b := NewBus(16)
		ch, cancel := b.Subscribe(Filter{})
		defer cancel()

		b.Publish(Data{
			Type:    TypeJobNotification,
			JobID:   "job-1",
			OwnerID: "answer-9",
			Payload: map[string]string{"summary": "ready"},
		})

		select {
		case evt := <-ch:
			if evt.Type != TypeJobNotification {
				t.Errorf("Type = %q, want %q", evt.Type, TypeJobNotification)
			}
			if evt.JobID != "job-1" || evt.OwnerID != "answer-9" {
				t.Errorf("ids = %q/%q", evt.JobID, evt.OwnerID)
			}
			if evt.ID == "" {
				t.Error("expected non-empty event ID")
			}
			var payload map[string]string
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				t.Fatalf("Data is not valid JSON: %v", err)
			}
			if payload["summary"] != "ready" {
				t.Errorf("summary = %q", payload["summary"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("filtered_subscriber_misses_non_matching", func(t *testing.T) {
		b := NewBus(16)
		ch, cancel := b.Subscribe(Filter{Types: []string{TypeJobNotification}})
		defer cancel()

		b.Publish(Data{Type: TypeJobUpdate, Payload: "x"})

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("job_filter", func(t *testing.T) {
		b := NewBus(16)
		ch, cancel := b.Subscribe(Filter{JobIDs: []string{"job-2"}})
		defer cancel()

		b.Publish(Data{Type: TypeJobUpdate, JobID: "job-1"})
		b.Publish(Data{Type: TypeJobUpdate, JobID: "job-2"})

		select {
		case evt := <-ch:
			if evt.JobID != "job-2" {
				t.Errorf("JobID = %q, want job-2", evt.JobID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("cancel_stops_delivery", func(t *testing.T) {
		b := NewBus(16)
		ch, cancel := b.Subscribe(Filter{})
		cancel()
		cancel()
		if n := b.SubscriberCount(); n != 0 {
			t.Fatalf("SubscriberCount = %d, want 0", n)
		}

		b.Publish(Data{Type: TypeJobUpdate})
		select {
		case <-ch:
			t.Fatal("should not receive event after cancel")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestBusReplaySince(t *testing.T) {
	b := NewBus(4)
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, b.Publish(Data{Type: TypeJobUpdate, Payload: i}).ID)
	}

	t.Run("after_known_id", func(t *testing.T) {
		got := b.ReplaySince(ids[3], Filter{})
		if len(got) != 2 {
			t.Fatalf("replayed %d events, want 2", len(got))
		}
		if got[0].ID != ids[4] || got[1].ID != ids[5] {
			t.Errorf("replay order = %s,%s", got[0].ID, got[1].ID)
		}
	})

	t.Run("rotated_out_id_replays_nothing", func(t *testing.T) {
		if got := b.ReplaySince(ids[0], Filter{}); len(got) != 0 {
			t.Errorf("replayed %d events, want 0", len(got))
		}
	})

	t.Run("empty_id_replays_buffer", func(t *testing.T) {
		if got := b.ReplaySince("", Filter{}); len(got) != 4 {
			t.Errorf("replayed %d events, want 4", len(got))
		}
	})
}

func TestBusAmplitudeNotReplayed(t *testing.T) {
	b := NewBus(8)
	b.Publish(Data{Type: TypeAmplitude, Payload: 0.3})
	if got := b.ReplaySince("", Filter{}); len(got) != 0 {
		t.Errorf("amplitude frames replayed: %d", len(got))
	}
}

func TestAfter(t *testing.T) {
	b := NewBus(4)
	first := b.Publish(Data{Type: TypeJobUpdate}).ID
	second := b.Publish(Data{Type: TypeJobUpdate}).ID
	if !After(second, first) {
		t.Errorf("After(%s, %s) = false", second, first)
	}
	if After(first, second) || After(first, first) {
		t.Error("earlier or equal id reported as after")
	}
	if After("garbage", first) {
		t.Error("unparseable id reported as after")
	}
}

func TestBusReplayOrderUnderConcurrentPublish(t *testing.T) {
	const publishers, each = 8, 50
	b := NewBus(publishers * each)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(Data{Type: TypeJobUpdate, Payload: i})
			}
		}()
	}
	wg.Wait()

	got := b.ReplaySince("", Filter{})
	if len(got) != publishers*each {
		t.Fatalf("replayed %d events, want %d", len(got), publishers*each)
	}
	for i := 1; i < len(got); i++ {
		if !After(got[i].ID, got[i-1].ID) {
			t.Fatalf("event %d (%s) not after %s", i, got[i].ID, got[i-1].ID)
		}
	}
}
