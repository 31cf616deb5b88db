package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/herald-dev/herald/internal/events"
	"github.com/herald-dev/herald/internal/graph"
)

const (
	maxEnrichSummaries = 5
	maxEnrichFacts     = 5
)

// tryEnrich queries the knowledge graph for what is known about the
// sender and formats it as a system prompt supplement. Best-effort:
// every failure is logged and returns "", never an error — enrichment
// must not abort session creation.
func (e *Engine) tryEnrich(ctx context.Context, ev *Event) string {
	if e.graph == nil {
		return ""
	}
	name := ev.Sender.DisplayName
	if name == "" {
		name = ev.Sender.UserID
	}
	if name == "" {
		return ""
	}

	// Graph lookups are slow enough to feel like a stall; tell the
	// requester something is happening before starting one.
	e.sendInterimNotice(ctx, ev)

	result, err := e.graph.Search(ctx, graphGroup(ev), name, maxEnrichFacts+maxEnrichSummaries)
	if err != nil {
		e.logger.Warn("context enrichment failed", "event_id", ev.ID, "error", err)
		return ""
	}
	if result == nil || (len(result.Nodes) == 0 && len(result.Edges) == 0) {
		return ""
	}
	return formatEnrichment(result)
}

// sendInterimNotice pushes a short status message to the event's
// recipients, if any. Failures are logged and ignored.
func (e *Engine) sendInterimNotice(ctx context.Context, ev *Event) {
	if len(ev.Recipients) == 0 {
		return
	}
	for _, r := range ev.Recipients {
		d := e.deliverers[r.Channel]
		if d == nil {
			continue
		}
		err := d.Deliver(ctx, &Outgoing{
			ChatID:              r.ChatID,
			Text:                "One moment, catching up on context...",
			SuppressPlaceholder: true,
		})
		if err != nil {
			e.logger.Warn("interim notice failed", "event_id", ev.ID, "channel", r.Channel, "error", err)
		}
	}
}

// formatEnrichment renders graph results as a prompt supplement:
// up to 5 entity summaries and up to 5 relationship facts.
func formatEnrichment(result *graph.SearchResult) string {
	var sb strings.Builder
	sb.WriteString("Known context about this user (from memory):")

	for i, node := range result.Nodes {
		if i >= maxEnrichSummaries {
			break
		}
		if node.Summary == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n- %s: %s", node.Name, node.Summary)
	}
	for i, edge := range result.Edges {
		if i >= maxEnrichFacts {
			break
		}
		if edge.Fact == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n- %s", edge.Fact)
	}
	sb.WriteString("\nNote: any location facts above may be out of date.")
	return sb.String()
}

// tryLog submits the completed exchange to the knowledge graph as an
// episode. Best-effort and asynchronous; failures never surface.
func (e *Engine) tryLog(ctx context.Context, ev *Event, res *resolution, userText, assistantText string, turnCount int) {
	if e.graph == nil {
		return
	}
	var sb strings.Builder
	if userText != "" {
		fmt.Fprintf(&sb, "%s: %s\n", senderName(ev), userText)
	}
	fmt.Fprintf(&sb, "%s: %s", res.agent.ID, assistantText)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := e.graph.AddEpisode(ctx, graphGroup(ev), graph.Episode{
		SessionID: res.sessionID,
		TurnCount: turnCount,
		Text:      sb.String(),
		AgentID:   res.agent.ID,
	})
	if err != nil {
		e.logger.Debug("episode logging failed", "event_id", ev.ID, "error", err)
		return
	}
	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindEpisodeLogged, Data: map[string]any{
		"event_id":   ev.ID,
		"session_id": res.sessionID,
		"turns":      turnCount,
	}})
}

// graphGroup scopes graph data to one user, falling back to the chat
// for anonymous senders.
func graphGroup(ev *Event) string {
	if ev.Sender.UserID != "" {
		return "user-" + ev.Sender.UserID
	}
	return "chat-" + ev.Sender.ChatID
}

func senderName(ev *Event) string {
	if ev.Sender.DisplayName != "" {
		return ev.Sender.DisplayName
	}
	if ev.Sender.UserID != "" {
		return ev.Sender.UserID
	}
	return "user"
}
