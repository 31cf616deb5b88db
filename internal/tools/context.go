package tools

import (
	"context"
	"time"
)

// Conversation-scoped values for tool handlers. The engine sets these
// before entering the tool loop; handlers that need to know who they
// are acting for read them back. Unexported key types prevent
// collisions with other packages.

type senderKey struct{}

// SenderInfo identifies the conversation a tool call belongs to.
type SenderInfo struct {
	Channel string
	UserID  string
	ChatID  string
}

// WithSender attaches the conversation's sender to the context.
func WithSender(ctx context.Context, info SenderInfo) context.Context {
	return context.WithValue(ctx, senderKey{}, info)
}

// SenderFromContext returns the sender set by WithSender, if any.
func SenderFromContext(ctx context.Context) (SenderInfo, bool) {
	info, ok := ctx.Value(senderKey{}).(SenderInfo)
	return info, ok
}

type locationKey struct{}

// LocationInfo is the sender's last reported position.
type LocationInfo struct {
	Latitude  float64
	Longitude float64
	At        time.Time
}

// WithLocation attaches the sender's last known location to the context.
func WithLocation(ctx context.Context, loc LocationInfo) context.Context {
	return context.WithValue(ctx, locationKey{}, loc)
}

// LocationFromContext returns the location set by WithLocation, if any.
func LocationFromContext(ctx context.Context) (LocationInfo, bool) {
	loc, ok := ctx.Value(locationKey{}).(LocationInfo)
	return loc, ok
}
