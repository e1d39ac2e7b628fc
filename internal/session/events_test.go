package session

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_published_event", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(Filter{})
		defer cancel()

		eb.Publish(EventTransition, "s1", map[string]string{"to": "sample_ready"})

		select {
		case evt := <-ch:
			if evt.Type != EventTransition {
				t.Errorf("Type = %q, want %q", evt.Type, EventTransition)
			}
			if evt.SessionID != "s1" {
				t.Errorf("SessionID = %q, want s1", evt.SessionID)
			}
			if evt.ID == "" {
				t.Error("expected non-empty event ID")
			}
			var payload map[string]string
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				t.Fatalf("Data is not valid JSON: %v", err)
			}
			if payload["to"] != "sample_ready" {
				t.Errorf("payload to = %q, want sample_ready", payload["to"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("other_session_is_filtered", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(Filter{SessionID: "s1"})
		defer cancel()

		eb.Publish(EventTransition, "s2", "x")

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("cancel_stops_delivery", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(Filter{})
		cancel()
		cancel()

		eb.Publish(EventTransition, "s1", "x")

		select {
		case <-ch:
			t.Fatal("should not receive event after cancel")
		case <-time.After(50 * time.Millisecond):
		}
		if n := eb.SubscriberCount(); n != 0 {
			t.Errorf("SubscriberCount = %d, want 0", n)
		}
	})

	t.Run("slow_subscriber_does_not_block", func(t *testing.T) {
		eb := NewEventBus(8)
		_, cancel := eb.Subscribe(Filter{})
		defer cancel()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 200; i++ {
				eb.Publish(EventRecording, "s1", i)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a full subscriber")
		}
	})
}

func TestEventBusReplaySince(t *testing.T) {
	t.Run("replay_all_when_empty_lastID", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish(EventTransition, "s1", "a")
		eb.Publish(EventRecording, "s1", "b")

		if events := eb.ReplaySince("", Filter{}); len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
	})

	t.Run("replay_after_specific_id", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish(EventTransition, "s1", "a")
		firstID := eb.ReplaySince("", Filter{})[0].ID

		eb.Publish(EventRecording, "s1", "b")

		events := eb.ReplaySince(firstID, Filter{})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (after first)", len(events))
		}
		if events[0].Type != EventRecording {
			t.Errorf("Type = %q, want %q", events[0].Type, EventRecording)
		}
	})

	t.Run("replay_with_filter", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish(EventTransition, "s1", "a")
		eb.Publish(EventTransition, "s2", "b")

		events := eb.ReplaySince("", Filter{SessionID: "s2"})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (filtered)", len(events))
		}
		if events[0].SessionID != "s2" {
			t.Errorf("SessionID = %q, want s2", events[0].SessionID)
		}
	})

	t.Run("unknown_lastID_replays_all", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish(EventTransition, "s1", "a")

		if events := eb.ReplaySince("nonexistent-id", Filter{}); len(events) != 1 {
			t.Fatalf("got %d events, want 1 (fallback replay all)", len(events))
		}
	})

	t.Run("ring_wraps", func(t *testing.T) {
		eb := NewEventBus(4)
		for i := 0; i < 10; i++ {
			eb.Publish(EventRecording, "s1", i)
		}
		events := eb.ReplaySince("", Filter{})
		if len(events) != 4 {
			t.Fatalf("got %d events, want 4", len(events))
		}
		var last int
		if err := json.Unmarshal(events[3].Data, &last); err != nil {
			t.Fatal(err)
		}
		if last != 9 {
			t.Errorf("newest replayed = %d, want 9", last)
		}
	})
}

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		event  Event
		filter Filter
		want   bool
	}{
		{"empty_filter_matches_all", Event{Type: EventTransition, SessionID: "a"}, Filter{}, true},
		{"session_match", Event{Type: EventTransition, SessionID: "a"}, Filter{SessionID: "a"}, true},
		{"session_no_match", Event{Type: EventTransition, SessionID: "a"}, Filter{SessionID: "b"}, false},
		{"type_match", Event{Type: EventRecording}, Filter{Types: []string{EventTransition, EventRecording}}, true},
		{"type_no_match", Event{Type: EventRecording}, Filter{Types: []string{EventTransition}}, false},
		{"both_must_match", Event{Type: EventRecording, SessionID: "a"}, Filter{SessionID: "a", Types: []string{EventTransition}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.matches(tt.event); got != tt.want {
				t.Errorf("matches(%+v, %+v) = %v, want %v", tt.filter, tt.event, got, tt.want)
			}
		})
	}
}
