// Package llm talks to the model service: chat completions, speech
// synthesis, and audio transcription over an OpenAI-compatible HTTP API.
package llm

import (
	"context"

	"github.com/herald-dev/herald/internal/convo"
)

// ChatResponse is one accepted model response, already converted to the
// internal turn model.
type ChatResponse struct {
	// Model is the model that produced the response, as reported by the
	// service.
	Model string
	// Turn is the assistant turn: text, tool calls, reasoning blocks.
	Turn convo.Turn
	// FinishReason is the service's stop reason ("stop", "tool_calls").
	FinishReason string
	// InputTokens and OutputTokens are usage figures, zero if the
	// service omitted them.
	InputTokens  int
	OutputTokens int
}

// Client is the model service interface used by the engine.
type Client interface {
	// Chat sends the conversation and returns the assistant response.
	// tools is the serialized tool schema list, nil when the agent has
	// no tools. A response without at least one choice carrying a
	// message is an error, never a silent empty reply.
	Chat(ctx context.Context, model string, turns []convo.Turn, tools []map[string]any) (*ChatResponse, error)

	// Speak synthesizes speech for text using the given voice. Returns
	// the audio bytes and their format ("mp3").
	Speak(ctx context.Context, text, voice string) ([]byte, string, error)

	// Transcribe converts audio to text. format is the container format
	// ("ogg", "mp3", "wav").
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)

	// Ping verifies the service is reachable.
	Ping(ctx context.Context) error
}
