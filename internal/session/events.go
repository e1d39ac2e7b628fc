package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/voice-sentinel/internal/metrics"
)

// Event types published on the bus.
const (
	EventTransition   = "transition"
	EventRecording    = "recording"
	EventCaptureError = "capture_error"
	EventArchived     = "archived"
	EventClosed       = "session_closed"
)

// Event is one server-sent event.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Filter selects events for a subscriber. Zero values match everything.
type Filter struct {
	SessionID string
	Types     []string
}

func (f Filter) matches(e Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventBus provides pub-sub event distribution for SSE and websocket
// subscribers. It keeps a ring buffer for replay on reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int) *EventBus {
	if ringSize <= 0 {
		ringSize = 256
	}
	return &EventBus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (eb *EventBus) Subscribe(filter Filter) (<-chan Event, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan Event, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subscribers, id)
			eb.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// ReplaySince returns buffered events published after lastEventID. When the
// id is no longer buffered, every buffered event is returned.
func (eb *EventBus) ReplaySince(lastEventID string, filter Filter) []Event {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var all, after []Event
	found := false
	for i := 0; i < eb.ringSize; i++ {
		e := eb.ring[(eb.ringHead+i)%eb.ringSize]
		if e.ID == "" {
			continue
		}
		if e.ID == lastEventID {
			found = true
			after = after[:0]
			continue
		}
		if !filter.matches(e) {
			continue
		}
		all = append(all, e)
		if found {
			after = append(after, e)
		}
	}
	if lastEventID == "" || !found {
		return all
	}
	return after
}

// Publish sends an event to all matching subscribers and adds it to the ring
// buffer. Slow subscribers miss events rather than block the publisher.
func (eb *EventBus) Publish(eventType, sessionID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	now := time.Now()
	seq := eb.seq.Add(1)
	event := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), seq),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      data,
	}

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = event
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if sub.filter.matches(event) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	eb.mu.RUnlock()
	metrics.SSEEventsPublishedTotal.Inc()
}
