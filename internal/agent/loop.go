package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/herald-dev/herald/internal/convo"
	"github.com/herald-dev/herald/internal/events"
)

// loopState is the tool loop's state machine.
type loopState int

const (
	stateAwaitingModel loopState = iota
	stateExecutingTools
	stateDone
)

// runLoop drives the model/tool state machine to completion and then
// finalizes the reply.
func (e *Engine) runLoop(ctx context.Context, ev *Event, res *resolution, conversation []convo.Turn) (*Reply, error) {
	schemas := e.tools.Schemas(res.agent.Tools)

	state := stateAwaitingModel
	iterations := 0
	lastText := ""
	var pending []convo.ToolCall

loop:
	for {
		switch state {
		case stateAwaitingModel:
			if iterations >= e.maxIterations {
				if lastText == "" {
					return nil, fmt.Errorf("tool loop exceeded %d iterations without a final answer", e.maxIterations)
				}
				e.logger.Warn("tool loop hit iteration cap, using last assistant text",
					"event_id", ev.ID, "iterations", iterations)
				break loop
			}
			iterations++

			resp, err := e.invokeModel(ctx, ev, res, conversation, schemas, iterations)
			if err != nil {
				return nil, err
			}

			// Reasoning signatures are provider-internal; strip them
			// before the turn is persisted or replayed.
			turn := resp.Turn.StripSignatures()
			turn.Timestamp = e.clock()
			if err := e.persistTurn(ctx, ev, res, turn, resp); err != nil {
				return nil, err
			}
			conversation = append(conversation, turn)

			if turn.Text != "" {
				lastText = turn.Text
			}
			switch {
			case len(turn.ToolCalls) > 0:
				pending = turn.ToolCalls
				state = stateExecutingTools
			case resp.FinishReason == "stop" && turn.Text != "":
				state = stateDone
			default:
				// Neither tools nor a usable answer; ask again.
				state = stateAwaitingModel
			}

		case stateExecutingTools:
			// Sequential on purpose: a later call may depend on the
			// persisted ordering of an earlier one.
			for _, call := range pending {
				result := e.executeToolCall(ctx, ev, call)
				toolTurn := convo.ToolResult(call.ID, result, e.clock())
				if err := e.persistTurn(ctx, ev, res, toolTurn, nil); err != nil {
					return nil, err
				}
				conversation = append(conversation, toolTurn)
			}
			pending = nil
			state = stateAwaitingModel

		case stateDone:
			break loop
		}
	}

	return e.finalize(ctx, ev, res, conversation, lastText, iterations)
}

// executeToolCall runs one tool call and always produces a result
// string. Malformed arguments and gateway failures become structured
// error results so the model can react; they never abort the loop.
func (e *Engine) executeToolCall(ctx context.Context, ev *Event, call convo.ToolCall) string {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			e.logger.Warn("invalid tool arguments, using empty set",
				"event_id", ev.ID, "tool", call.Name, "error", err)
			args = map[string]any{}
		}
	}

	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindToolCall, Data: map[string]any{
		"event_id": ev.ID,
		"tool":     call.Name,
	}})
	started := e.clock()

	raw, err := e.tools.Execute(ctx, call.Name, args)

	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindToolDone, Data: map[string]any{
		"event_id":    ev.ID,
		"tool":        call.Name,
		"ok":          err == nil,
		"duration_ms": e.clock().Sub(started).Milliseconds(),
	}})

	if err != nil {
		e.logger.Warn("tool execution failed", "event_id", ev.ID, "tool", call.Name, "error", err)
		structured, merr := json.Marshal(map[string]string{
			"error": err.Error(),
			"tool":  call.Name,
		})
		if merr != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		return string(structured)
	}
	return normalizeToolResult(raw)
}

// normalizeToolResult extracts the content from a tool result. Results
// that are JSON objects may nest their payload under result.content or
// messages; anything else is wrapped as-is.
func normalizeToolResult(raw string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		if result, ok := obj["result"].(map[string]any); ok {
			if content, ok := result["content"]; ok {
				return stringifyContent(content)
			}
		}
		if messages, ok := obj["messages"]; ok {
			return stringifyContent(messages)
		}
	}
	return raw
}

func stringifyContent(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprintf("%v", content)
	}
	return string(data)
}

// finalize builds the outgoing message set, optionally upgrades it to
// speech, and either pushes it to the event's recipients or returns it
// to the caller.
func (e *Engine) finalize(ctx context.Context, ev *Event, res *resolution, conversation []convo.Turn, text string, iterations int) (*Reply, error) {
	var audio []byte
	var audioFormat string
	if ev.HasAudio() {
		// Voice in, voice out. A synthesis failure degrades to text.
		voice := res.agent.Extra["voice"]
		if voice == "" {
			voice = e.voice
		}
		var err error
		audio, audioFormat, err = e.model.Speak(ctx, text, voice)
		if err != nil {
			e.logger.Warn("speech synthesis failed, sending text only",
				"event_id", ev.ID, "error", err)
			audio, audioFormat = nil, ""
		}
	}

	if len(ev.Recipients) == 0 {
		return &Reply{
			SessionID:   res.sessionID,
			AgentID:     res.agent.ID,
			Text:        text,
			Audio:       audio,
			AudioFormat: audioFormat,
			Iterations:  iterations,
		}, nil
	}

	delivered := 0
	for i, r := range ev.Recipients {
		d := e.deliverers[r.Channel]
		if d == nil {
			e.logger.Error("no deliverer for channel", "event_id", ev.ID, "channel", r.Channel)
			continue
		}
		out := &Outgoing{
			ChatID:      r.ChatID,
			Text:        text,
			Audio:       audio,
			AudioFormat: audioFormat,
		}
		if i == 0 {
			out.PlaceholderID = ev.Metadata.PlaceholderID
		} else {
			out.SuppressPlaceholder = true
		}
		if err := d.Deliver(ctx, out); err != nil {
			e.logger.Error("delivery failed", "event_id", ev.ID, "channel", r.Channel, "error", err)
			continue
		}
		delivered++
		e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindDelivery, Data: map[string]any{
			"event_id":  ev.ID,
			"channel":   r.Channel,
			"recipient": r.ChatID,
			"audio":     len(audio) > 0,
		}})
	}
	if delivered == 0 {
		return nil, fmt.Errorf("delivery failed for all %d recipients", len(ev.Recipients))
	}

	// Episode logging is fire-and-forget and must not hold up the
	// request or be cancelled with it.
	userText := lastUserText(conversation)
	turnCount := len(conversation)
	go e.tryLog(context.WithoutCancel(ctx), ev, res, userText, text, turnCount)

	return nil, nil
}

func lastUserText(conversation []convo.Turn) string {
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == convo.RoleUser {
			return conversation[i].PlainText()
		}
	}
	return ""
}
