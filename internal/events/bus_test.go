package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(4)
	defer sub.Close()

	bus.Publish(Event{Source: SourceEngine, Kind: KindRequestStart})

	select {
	case e := <-sub.C:
		if e.Source != SourceEngine || e.Kind != KindRequestStart {
			t.Errorf("got %s/%s, want engine/request_start", e.Source, e.Kind)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected Publish to stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNilBus(t *testing.T) {
	var bus *Bus
	// Must not panic.
	bus.Publish(Event{Source: SourceWS, Kind: KindMessageReceived})
	if bus.SubscriberCount() != 0 {
		t.Error("nil bus should report zero subscribers")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(1)
	defer sub.Close()

	// Fill the buffer and publish one more; the extra must be dropped
	// without blocking.
	bus.Publish(Event{Kind: KindToolCall})
	bus.Publish(Event{Kind: KindToolDone})

	e := <-sub.C
	if e.Kind != KindToolCall {
		t.Errorf("got %s, want tool_call", e.Kind)
	}
	select {
	case e := <-sub.C:
		t.Errorf("unexpected second event %s", e.Kind)
	default:
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close() // must not panic

	if bus.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", bus.SubscriberCount())
	}

	// Channel must be closed.
	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after Close")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := New()
	a := bus.Subscribe(1)
	b := bus.Subscribe(1)
	defer a.Close()
	defer b.Close()

	bus.Publish(Event{Kind: KindRequestComplete})

	for _, sub := range []*Subscription{a, b} {
		select {
		case e := <-sub.C:
			if e.Kind != KindRequestComplete {
				t.Errorf("got %s, want request_complete", e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("event not broadcast to all subscribers")
		}
	}
}
