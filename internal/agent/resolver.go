package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/herald-dev/herald/internal/convo"
	"github.com/herald-dev/herald/internal/directive"
	"github.com/herald-dev/herald/internal/events"
	"github.com/herald-dev/herald/internal/memory"
	"github.com/herald-dev/herald/internal/registry"
)

// sessionPlan is the three-way outcome of session resolution, computed
// once and dispatched exhaustively.
type sessionPlan int

const (
	// planReset starts a fresh session with a new system turn.
	planReset sessionPlan = iota
	// planContinue replays the existing session unchanged.
	planContinue
	// planAgentSwitch replays the existing session and appends a new
	// system turn for the overriding agent.
	planAgentSwitch
)

// resetReason values recorded on session_reset events.
const (
	resetByCommand = "command"
	resetEmpty     = "empty"
	resetStale     = "stale"
)

// resolution is the settled session state for one request.
type resolution struct {
	plan      sessionPlan
	sessionID string
	// records is the persisted history to replay, empty on reset.
	records []memory.Record
	agent   *registry.Descriptor
	// resetReason is set when plan is planReset.
	resetReason string
}

// resolveSession decides the active session and agent for the event.
func (e *Engine) resolveSession(ctx context.Context, ev *Event, dir directive.Result) (*resolution, error) {
	res := &resolution{}

	switch {
	case dir.Session == directive.SessionNew:
		res.plan = planReset
		res.resetReason = resetByCommand

	case ev.Sender.UserID != "":
		records, err := e.store.LatestSessionByUser(ctx, ev.Sender.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		if len(records) == 0 {
			res.plan = planReset
			res.resetReason = resetEmpty
			break
		}
		last := records[len(records)-1]
		// A gap equal to the threshold still continues; only strictly
		// greater is stale.
		if e.clock().Sub(last.Timestamp) > e.staleness {
			res.plan = planReset
			res.resetReason = resetStale
			break
		}
		res.plan = planContinue
		res.sessionID = last.SessionID
		res.records = records

	default:
		// Anonymous continuity is keyed by an explicit session id.
		if ev.Metadata.SessionID == "" {
			res.plan = planReset
			res.resetReason = resetEmpty
			break
		}
		records, err := e.store.ReadSession(ctx, ev.Metadata.SessionID)
		if err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		res.sessionID = ev.Metadata.SessionID
		if len(records) == 0 {
			res.plan = planReset
			res.resetReason = resetEmpty
			break
		}
		res.plan = planContinue
		res.records = records
	}

	if res.plan == planReset && res.sessionID == "" {
		id, err := e.newID()
		if err != nil {
			return nil, err
		}
		res.sessionID = id
	}

	agent, err := e.resolveAgent(ctx, dir, res)
	if err != nil {
		return nil, err
	}
	res.agent = agent

	// An agent override against a live session becomes a switch: the
	// history is kept and a fresh system turn is appended.
	if res.plan == planContinue && dir.AgentID != "" && agent.ID != sessionAgent(res.records) {
		res.plan = planAgentSwitch
	}

	switch res.plan {
	case planReset:
		e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindSessionReset, Data: map[string]any{
			"event_id":   ev.ID,
			"session_id": res.sessionID,
			"reason":     res.resetReason,
		}})
	case planAgentSwitch:
		e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindAgentSwitch, Data: map[string]any{
			"event_id":   ev.ID,
			"session_id": res.sessionID,
			"agent_id":   res.agent.ID,
		}})
	case planContinue:
	}
	return res, nil
}

// resolveAgent picks the agent for this request: the explicit override,
// else the continuing session's agent, else the default.
func (e *Engine) resolveAgent(ctx context.Context, dir directive.Result, res *resolution) (*registry.Descriptor, error) {
	if dir.AgentID != "" {
		agent, err := e.registry.Get(ctx, dir.AgentID)
		if err != nil {
			return nil, fmt.Errorf("agent override: %w", err)
		}
		return agent, nil
	}

	if id := sessionAgent(res.records); id != "" {
		agent, err := e.registry.Get(ctx, id)
		if err == nil {
			return agent, nil
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return nil, err
		}
		// The session's agent was removed from configuration; fall back
		// to the default rather than failing the request.
		e.logger.Warn("session agent no longer configured, using default", "agent_id", id)
	}
	return e.registry.Default(ctx)
}

// sessionAgent returns the agent id of the most recent record, or "".
func sessionAgent(records []memory.Record) string {
	if len(records) == 0 {
		return ""
	}
	return records[len(records)-1].AgentID
}

// buildConversation turns the resolution into the in-memory
// conversation the user turn will be appended to. System turns created
// here are persisted before any model call.
func (e *Engine) buildConversation(ctx context.Context, ev *Event, res *resolution) ([]convo.Turn, error) {
	switch res.plan {
	case planReset:
		system, err := e.newSystemTurn(ctx, ev, res, "")
		if err != nil {
			return nil, err
		}
		return []convo.Turn{system}, nil

	case planContinue:
		return e.replay(res.records)

	case planAgentSwitch:
		conversation, err := e.replay(res.records)
		if err != nil {
			return nil, err
		}
		note := fmt.Sprintf("The user has switched to agent %q for the rest of this session.", res.agent.ID)
		system, err := e.newSystemTurn(ctx, ev, res, note)
		if err != nil {
			return nil, err
		}
		return append(conversation, system), nil

	default:
		return nil, fmt.Errorf("unknown session plan %d", res.plan)
	}
}

// replay decodes persisted records in order. A payload that fails to
// decode is a persistence-integrity error and fails the request.
func (e *Engine) replay(records []memory.Record) ([]convo.Turn, error) {
	out := make([]convo.Turn, 0, len(records))
	for _, rec := range records {
		turn, err := rec.Turn()
		if err != nil {
			return nil, fmt.Errorf("replay session %s: record %s: %w", rec.SessionID, rec.ID, err)
		}
		out = append(out, turn)
	}
	return out, nil
}

// newSystemTurn builds, persists and returns the system turn for a
// reset or switch. Enrichment is attempted only for user-bound,
// non-automated senders.
func (e *Engine) newSystemTurn(ctx context.Context, ev *Event, res *resolution, note string) (convo.Turn, error) {
	prompt := res.agent.Prompt
	if note != "" {
		prompt += "\n\n" + note
	}
	if ev.Sender.UserID != "" && !ev.Sender.Automated {
		if supplement := e.tryEnrich(ctx, ev); supplement != "" {
			prompt += "\n\n" + supplement
		}
	}
	system := convo.System(prompt, e.clock())
	if err := e.persistTurn(ctx, ev, res, system, nil); err != nil {
		return convo.Turn{}, err
	}
	return system, nil
}
