// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (orchestration engine,
// channel bridges) to subscribers (log sinks, future metrics collectors).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEngine identifies events from the orchestration engine.
	SourceEngine = "engine"
	// SourceWS identifies events from the WebSocket channel bridge.
	SourceWS = "ws"
	// SourceMQTT identifies events from the MQTT channel bridge.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an engine request.
	// Data: event_id, channel, user_id.
	KindRequestStart = "request_start"
	// KindSessionReset signals a fresh session was started.
	// Data: event_id, session_id, reason (command|empty|stale).
	KindSessionReset = "session_reset"
	// KindAgentSwitch signals a mid-session agent change.
	// Data: event_id, session_id, agent_id.
	KindAgentSwitch = "agent_switch"
	// KindModelCall signals the start of a model service call.
	// Data: event_id, iter, model.
	KindModelCall = "model_call"
	// KindModelResponse signals completion of a model service call.
	// Data: event_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindModelResponse = "model_response"
	// KindToolCall signals the start of a tool execution.
	// Data: event_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: event_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindDelivery signals an outgoing message was handed to a channel.
	// Data: event_id, channel, recipient, audio.
	KindDelivery = "delivery"
	// KindEpisodeLogged signals an exchange summary reached the
	// knowledge graph. Data: event_id, session_id, turns.
	KindEpisodeLogged = "episode_logged"
	// KindRequestComplete signals the end of an engine request.
	// Data: event_id, iterations, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindMessageReceived signals an inbound channel message.
	// Data: sender, chat_id, parts.
	KindMessageReceived = "message_received"
	// KindRateLimited signals an inbound message was dropped.
	// Data: sender.
	KindRateLimited = "rate_limited"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is a single subscriber's view of the bus. Events arrive
// on C until Close is called.
type Subscription struct {
	C   <-chan Event
	ch  chan Event
	bus *Bus
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer
// size. The caller must eventually call Close on the returned
// Subscription to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
	return sub
}

// Close removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
