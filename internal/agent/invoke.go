package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/herald-dev/herald/internal/convo"
	"github.com/herald-dev/herald/internal/events"
	"github.com/herald-dev/herald/internal/llm"
)

// invokeModel makes one logical model call with the configured retry
// budget. Any transport failure, bad status or malformed payload is
// retryable; exhausting the budget surfaces the last error as fatal.
func (e *Engine) invokeModel(ctx context.Context, ev *Event, res *resolution, conversation []convo.Turn, schemas []map[string]any, iter int) (*llm.ChatResponse, error) {
	// The model gets a wall-clock system turn for temporal grounding.
	// It is appended per call and never persisted.
	now := e.clock()
	timed := make([]convo.Turn, 0, len(conversation)+1)
	timed = append(timed, conversation...)
	timed = append(timed, convo.System("Current time: "+now.Format(time.RFC1123), now))

	var lastErr error
	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := e.retryBase << (attempt - 1)
			e.logger.Warn("model call failed, retrying",
				"event_id", ev.ID, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindModelCall, Data: map[string]any{
			"event_id": ev.ID,
			"iter":     iter,
			"model":    res.agent.Model,
		}})

		resp, err := e.model.Chat(ctx, res.agent.Model, timed, schemas)
		if err != nil {
			lastErr = err
			continue
		}

		e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindModelResponse, Data: map[string]any{
			"event_id":   ev.ID,
			"iter":       iter,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.Turn.ToolCalls),
		}})
		return resp, nil
	}
	return nil, fmt.Errorf("model call failed after %d attempts: %w", e.retryAttempts, lastErr)
}
