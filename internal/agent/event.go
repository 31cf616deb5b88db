// Package agent contains the orchestration engine: it takes one
// inbound event, resolves a session and an agent, assembles the
// conversation, drives the model/tool loop, and delivers the reply.
package agent

import (
	"fmt"
	"time"
)

// PartKind tags one inbound message part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartAudio PartKind = "audio"
)

// MessagePart is one element of an inbound message.
type MessagePart struct {
	Kind PartKind
	// Text is set for text parts.
	Text string
	// ImageURL is set for image parts.
	ImageURL string
	// Audio and Format are set for audio parts.
	Audio  []byte
	Format string
}

// Sender describes who sent the event.
type Sender struct {
	// Channel names the bridge the event arrived on ("ws", "mqtt",
	// "cli").
	Channel string
	// UserID is the stable external user identifier, or "" for
	// anonymous and system-initiated requests.
	UserID string
	// ChatID identifies the conversation within the channel.
	ChatID string
	// DisplayName is a human-readable sender name, used for context
	// enrichment lookups.
	DisplayName string
	// Automated marks system-initiated senders; they never trigger
	// context enrichment.
	Automated bool
}

// Recipient is one delivery target for the reply.
type Recipient struct {
	Channel string
	ChatID  string
}

// Location is an optional position attached to the event.
type Location struct {
	Latitude  float64
	Longitude float64
	// Label is an optional human-readable place name.
	Label string
	At    time.Time
}

// Metadata carries optional request fields.
type Metadata struct {
	// SessionID keys session continuity for anonymous requests. Ignored
	// when the sender has a stable user id.
	SessionID string
	// PlaceholderID correlates the first delivery with a placeholder
	// message the channel posted while the request was processing.
	PlaceholderID string
}

// Event is one inbound request. Immutable once received; the engine
// works on derived state only.
type Event struct {
	// ID is assigned by the engine if empty.
	ID         string
	ReceivedAt time.Time
	Sender     Sender
	// Parts is the ordered message content.
	Parts []MessagePart
	// Location is the sender's position, if the channel provided one.
	Location *Location
	// Recipients are the delivery targets. Empty means the reply is
	// returned to the caller instead of pushed.
	Recipients []Recipient
	Metadata   Metadata
}

// Validate checks the fields the engine cannot proceed without.
func (e *Event) Validate() error {
	if e.Sender.Channel == "" {
		return fmt.Errorf("event: sender channel is required")
	}
	if len(e.Parts) == 0 {
		return fmt.Errorf("event: at least one message part is required")
	}
	for i, p := range e.Parts {
		switch p.Kind {
		case PartText, PartImage, PartAudio:
		default:
			return fmt.Errorf("event: part %d has unknown kind %q", i, p.Kind)
		}
	}
	return nil
}

// HasAudio reports whether any part carries audio data. Audio input
// upgrades the reply to speech when synthesis is available.
func (e *Event) HasAudio() bool {
	for _, p := range e.Parts {
		if p.Kind == PartAudio && len(p.Audio) > 0 {
			return true
		}
	}
	return false
}

// Reply is the structured result returned when the event named no
// recipients.
type Reply struct {
	SessionID   string
	AgentID     string
	Text        string
	Audio       []byte
	AudioFormat string
	// Iterations is the number of model calls the tool loop made.
	Iterations int
}
