package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/herald-dev/herald/internal/convo"
	"github.com/herald-dev/herald/internal/directive"
	"github.com/herald-dev/herald/internal/events"
	"github.com/herald-dev/herald/internal/graph"
	"github.com/herald-dev/herald/internal/llm"
	"github.com/herald-dev/herald/internal/memory"
	"github.com/herald-dev/herald/internal/registry"
	"github.com/herald-dev/herald/internal/tools"
)

// Grapher is the knowledge graph surface the engine needs. Satisfied by
// *graph.Client; nil means the graph is not configured.
type Grapher interface {
	Search(ctx context.Context, groupID, query string, limit int) (*graph.SearchResult, error)
	AddEpisode(ctx context.Context, groupID string, ep graph.Episode) error
}

// Config wires the engine's collaborators. Registry, Store, Model and
// Tools are required; the rest are optional.
type Config struct {
	Registry registry.Registry
	Store    memory.TurnStore
	Model    llm.Client
	Tools    *tools.Registry

	// Graph enables context enrichment and episode logging.
	Graph Grapher
	// Deliverers maps channel names to their bridges.
	Deliverers map[string]Deliverer
	// Bus receives operational events. Nil is fine.
	Bus    *events.Bus
	Logger *slog.Logger

	// Staleness is the session gap threshold. Defaults to 3 hours.
	Staleness time.Duration
	// MaxIterations caps model calls per request. Defaults to 10.
	MaxIterations int
	// RetryAttempts and RetryBase control model call retries. Default
	// 3 attempts, 500ms base delay.
	RetryAttempts int
	RetryBase     time.Duration

	// Voice is the default speech synthesis voice. An agent may set
	// "voice" in its extra settings to override it.
	Voice string

	// Clock supplies the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Engine routes one inbound event through session resolution, the
// model/tool loop, and delivery. It holds no per-request state, so one
// Engine serves all channels concurrently.
type Engine struct {
	registry   registry.Registry
	store      memory.TurnStore
	model      llm.Client
	tools      *tools.Registry
	graph      Grapher
	deliverers map[string]Deliverer
	bus        *events.Bus
	logger     *slog.Logger

	staleness     time.Duration
	maxIterations int
	retryAttempts int
	retryBase     time.Duration
	voice         string
	clock         func() time.Time
}

// New validates the configuration and builds an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: turn store is required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("engine: model client is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("engine: tool registry is required")
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 3 * time.Hour
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		registry:      cfg.Registry,
		store:         cfg.Store,
		model:         cfg.Model,
		tools:         cfg.Tools,
		graph:         cfg.Graph,
		deliverers:    cfg.Deliverers,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		staleness:     cfg.Staleness,
		maxIterations: cfg.MaxIterations,
		retryAttempts: cfg.RetryAttempts,
		retryBase:     cfg.RetryBase,
		voice:         cfg.Voice,
		clock:         cfg.Clock,
	}, nil
}

// Handle processes one inbound event to completion. A nil Reply with a
// nil error means the response was already pushed to the event's
// recipients.
func (e *Engine) Handle(ctx context.Context, ev *Event) (*Reply, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("assign event id: %w", err)
		}
		ev.ID = id.String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.clock()
	}
	started := e.clock()

	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindRequestStart, Data: map[string]any{
		"event_id": ev.ID,
		"channel":  ev.Sender.Channel,
		"user_id":  ev.Sender.UserID,
	}})

	dir := e.extractDirectives(ev)

	res, err := e.resolveSession(ctx, ev, dir)
	if err != nil {
		return nil, err
	}

	conversation, err := e.buildConversation(ctx, ev, res)
	if err != nil {
		return nil, err
	}

	userTurn, err := e.assembleUserTurn(ctx, ev, res)
	if err != nil {
		return nil, err
	}
	conversation = append(conversation, userTurn)

	ctx = tools.WithSender(ctx, tools.SenderInfo{
		Channel: ev.Sender.Channel,
		UserID:  ev.Sender.UserID,
		ChatID:  ev.Sender.ChatID,
	})
	if ev.Location != nil {
		ctx = tools.WithLocation(ctx, tools.LocationInfo{
			Latitude:  ev.Location.Latitude,
			Longitude: ev.Location.Longitude,
			At:        ev.Location.At,
		})
	}

	reply, err := e.runLoop(ctx, ev, res, conversation)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindRequestComplete, Data: map[string]any{
		"event_id":   ev.ID,
		"elapsed_ms": e.clock().Sub(started).Milliseconds(),
	}})
	return reply, nil
}

// extractDirectives scans every text part, strips directive groups, and
// returns the merged result. The first session command and the first
// agent override win when parts disagree.
func (e *Engine) extractDirectives(ev *Event) directive.Result {
	merged := directive.Result{}
	for i := range ev.Parts {
		if ev.Parts[i].Kind != PartText {
			continue
		}
		res := directive.Extract(ev.Parts[i].Text)
		ev.Parts[i].Text = res.Text
		if merged.Session == directive.SessionNone {
			merged.Session = res.Session
		}
		if merged.AgentID == "" {
			merged.AgentID = res.AgentID
		}
	}
	return merged
}

func (e *Engine) newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// persistTurn appends one turn to the log. Append failures are fatal
// for the request: nothing may reach the model unlogged.
func (e *Engine) persistTurn(ctx context.Context, ev *Event, res *resolution, turn convo.Turn, usage *llm.ChatResponse) error {
	payload, err := turn.EncodePayload()
	if err != nil {
		return err
	}
	rec := &memory.Record{
		UserID:    ev.Sender.UserID,
		ChatID:    ev.Sender.ChatID,
		SessionID: res.sessionID,
		AgentID:   res.agent.ID,
		Role:      turn.Role,
		Timestamp: turn.Timestamp,
		Payload:   payload,
	}
	if usage != nil {
		rec.Model = usage.Model
		rec.InputTokens = usage.InputTokens
		rec.OutputTokens = usage.OutputTokens
	}
	if err := e.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("persist %s turn: %w", turn.Role, err)
	}
	return nil
}
