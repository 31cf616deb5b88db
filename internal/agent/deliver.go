package agent

import "context"

// Outgoing is one message handed to a channel bridge for delivery.
type Outgoing struct {
	ChatID string
	Text   string
	// Audio and AudioFormat carry a synthesized speech rendering of
	// Text, when available.
	Audio       []byte
	AudioFormat string
	// PlaceholderID asks the bridge to replace a placeholder message
	// instead of posting a new one.
	PlaceholderID string
	// SuppressPlaceholder is set on every delivery after the first so
	// only one message replaces the placeholder.
	SuppressPlaceholder bool
}

// Deliverer pushes outgoing messages to one channel. Bridges implement
// this; the engine looks them up by channel name.
type Deliverer interface {
	Deliver(ctx context.Context, out *Outgoing) error
}
