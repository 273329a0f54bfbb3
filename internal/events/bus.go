// Package events distributes notifications and state updates to local
// subscribers (the SSE stream, CLI watchers) with a replay buffer for
// reconnecting clients.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Event types published by the core.
const (
	TypeJobNotification = "job_notification"
	TypeJobUpdate       = "job_update"
	TypeRecordingState  = "recording_state"
	TypeAmplitude       = "amplitude"
	TypeGameRound       = "game_round"
	TypeGameComplete    = "game_complete"
)

// Event is one published message.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	JobID     string          `json:"job_id,omitempty"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	Types  []string
	JobIDs []string
	Owners []string
}

// Data holds the fields needed to publish an event.
type Data struct {
	Type    string
	JobID   string
	OwnerID string
	Payload any
}

// Bus provides pub-sub event distribution. It maintains a ring buffer for
// replay on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64

	seq      uint64 // guarded by ringMu
	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates a bus with the given ring buffer size.
func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 256
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel
// function. Slow subscribers miss events rather than block publishers.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ReplaySince returns buffered events after lastEventID, oldest first. An
// empty id replays the whole buffer; an id that has rotated out replays
// nothing.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var out []Event
	found := lastEventID == ""
	for i := 0; i < b.ringSize; i++ {
		e := b.ring[(b.ringHead+i)%b.ringSize]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Publish records the event for replay and sends it to every matching
// subscriber.
func (b *Bus) Publish(d Data) Event {
	data, err := json.Marshal(d.Payload)
	if err != nil {
		data = json.RawMessage("null")
	}
	// Ids are minted under the ring lock so the ring stays in id order.
	b.ringMu.Lock()
	now := time.Now()
	b.seq++
	e := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), b.seq),
		Type:      d.Type,
		Timestamp: now.UTC().Format(time.RFC3339),
		JobID:     d.JobID,
		OwnerID:   d.OwnerID,
		Data:      data,
	}
	// Amplitude frames are too frequent to be worth replaying.
	if d.Type != TypeAmplitude {
		b.ring[b.ringHead] = e
		b.ringHead = (b.ringHead + 1) % b.ringSize
	}
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if sub.filter.Matches(e) {
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
	b.mu.RUnlock()
	return e
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 && !containsTrimmed(f.Types, e.Type) {
		return false
	}
	if len(f.JobIDs) > 0 && e.JobID != "" && !containsTrimmed(f.JobIDs, e.JobID) {
		return false
	}
	if len(f.Owners) > 0 && e.OwnerID != "" && !containsTrimmed(f.Owners, e.OwnerID) {
		return false
	}
	return true
}

func containsTrimmed(list []string, v string) bool {
	for _, s := range list {
		if strings.TrimSpace(s) == v {
			return true
		}
	}
	return false
}

// After reports whether event id a was published after id b by the same
// bus. Ids that do not parse compare as not after.
func After(a, b string) bool {
	sa, okA := idSeq(a)
	sb, okB := idSeq(b)
	return okA && okB && sa > sb
}

func idSeq(id string) (uint64, bool) {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 64)
	return n, err == nil
}
