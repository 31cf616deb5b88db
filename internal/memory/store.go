// Package memory persists the conversation log. Every turn that enters
// or leaves the engine is appended as a Record; sessions are recovered
// by reading records back in order.
package memory

import (
	"context"
	"time"

	"github.com/herald-dev/herald/internal/convo"
)

// Record is one logged turn with its addressing metadata. The turn
// content itself is an opaque payload encoded by package convo.
type Record struct {
	// ID is the unique record identifier, time-ordered (UUIDv7).
	ID string
	// UserID identifies the sender, or "" for anonymous conversations.
	UserID string
	// ChatID identifies the conversation within a channel.
	ChatID string
	// SessionID groups the records of one session.
	SessionID string
	// AgentID is the agent active when the turn was produced.
	AgentID string
	// Model is the model that produced the turn, for assistant turns.
	Model string
	// Role mirrors the turn role for querying without decoding payloads.
	Role convo.Role
	// Timestamp is when the turn was appended, at second resolution.
	Timestamp time.Time
	// Payload is the encoded turn.
	Payload []byte
	// InputTokens and OutputTokens are usage figures for assistant
	// turns, zero otherwise.
	InputTokens  int
	OutputTokens int
}

// Turn decodes the record payload.
func (r *Record) Turn() (convo.Turn, error) {
	return convo.DecodePayload(r.Payload, r.Timestamp)
}

// TurnStore is the persistence interface for the conversation log.
type TurnStore interface {
	// Append writes one record. The store assigns ID and Timestamp if
	// unset. Append failures are fatal to a request: a turn that is not
	// durably logged must not reach the model.
	Append(ctx context.Context, rec *Record) error

	// LatestSessionByUser returns the records of the user's most recent
	// session in append order, or an empty slice when the user has no
	// history.
	LatestSessionByUser(ctx context.Context, userID string) ([]Record, error)

	// ReadSession returns the records of one session in append order.
	ReadSession(ctx context.Context, sessionID string) ([]Record, error)

	// Close releases store resources.
	Close() error
}
