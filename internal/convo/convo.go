// Package convo defines the conversation turn model shared by the
// orchestration engine, the log store, and the model service client.
//
// A Turn is a tagged union over the four roles. System and user turns
// carry ordered content parts; assistant turns carry optional text,
// tool-call requests, and internal reasoning blocks; tool turns carry
// the originating call identifier and a result payload. Turns are
// immutable once logged — the engine only ever appends.
package convo

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags one content entry within a system or user turn.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
)

// Part is one content entry. Text parts carry Text; image parts carry
// a URL; audio parts carry base64 data plus a format tag.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Audio    string   `json:"audio,omitempty"` // base64-encoded payload
	Format   string   `json:"format,omitempty"`
}

// ToolCall is a model-issued request to invoke a tool. Arguments is the
// raw JSON argument payload exactly as the model produced it; parsing
// (and tolerance of malformed JSON) is the caller's concern.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ReasoningBlock is an internal deliberation block attached to an
// assistant turn. Signature is a provider-internal integrity field and
// must be stripped before the turn is replayed to the model.
type ReasoningBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Turn is one conversation unit.
type Turn struct {
	Role Role `json:"role"`

	// Parts holds the content of system and user turns.
	Parts []Part `json:"parts,omitempty"`

	// Text is the assistant's reply text. Empty when the assistant
	// produced only tool calls.
	Text      string           `json:"text,omitempty"`
	ToolCalls []ToolCall       `json:"tool_calls,omitempty"`
	Reasoning []ReasoningBlock `json:"reasoning,omitempty"`

	// ToolCallID and Result are set on tool turns.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Result     string `json:"result,omitempty"`

	// Timestamp is when the turn was created. Stored alongside the
	// payload by the log store, not inside it.
	Timestamp time.Time `json:"-"`
}

// System builds a system turn from prompt text.
func System(text string, at time.Time) Turn {
	return Turn{
		Role:      RoleSystem,
		Parts:     []Part{{Type: PartText, Text: text}},
		Timestamp: at,
	}
}

// User builds a user turn from content parts.
func User(parts []Part, at time.Time) Turn {
	return Turn{Role: RoleUser, Parts: parts, Timestamp: at}
}

// ToolResult builds a tool turn answering the given call.
func ToolResult(callID, result string, at time.Time) Turn {
	return Turn{
		Role:       RoleTool,
		ToolCallID: callID,
		Result:     result,
		Timestamp:  at,
	}
}

// PlainText joins the text parts of a system or user turn. For
// assistant turns it returns Text.
func (t Turn) PlainText() string {
	if t.Role == RoleAssistant {
		return t.Text
	}
	var out string
	for _, p := range t.Parts {
		if p.Type != PartText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// StripSignatures returns a copy of the turn with reasoning signature
// fields cleared. The returned turn shares no reasoning slice with the
// receiver, so logged turns stay intact.
func (t Turn) StripSignatures() Turn {
	if len(t.Reasoning) == 0 {
		return t
	}
	stripped := make([]ReasoningBlock, len(t.Reasoning))
	for i, rb := range t.Reasoning {
		rb.Signature = ""
		stripped[i] = rb
	}
	t.Reasoning = stripped
	return t
}

// EncodePayload serializes the turn for the log store. The payload is
// opaque to the store; role and timestamp travel in the record columns.
func (t Turn) EncodePayload() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode turn payload: %w", err)
	}
	return data, nil
}

// DecodePayload reconstructs a turn from a stored payload.
func DecodePayload(data []byte, at time.Time) (Turn, error) {
	var t Turn
	if err := json.Unmarshal(data, &t); err != nil {
		return Turn{}, fmt.Errorf("decode turn payload: %w", err)
	}
	t.Timestamp = at
	return t, nil
}
