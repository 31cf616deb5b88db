package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/herald-dev/herald/internal/convo"
	"github.com/herald-dev/herald/internal/graph"
	"github.com/herald-dev/herald/internal/llm"
	"github.com/herald-dev/herald/internal/memory"
	"github.com/herald-dev/herald/internal/registry"
	"github.com/herald-dev/herald/internal/tools"
)

// mockStore is an in-memory TurnStore.
type mockStore struct {
	mu      sync.Mutex
	records []memory.Record
	nextID  int
}

func (m *mockStore) Append(ctx context.Context, rec *memory.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("rec-%04d", m.nextID)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.Truncate(time.Second)
	m.records = append(m.records, *rec)
	return nil
}

func (m *mockStore) LatestSessionByUser(ctx context.Context, userID string) ([]memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := ""
	for _, rec := range m.records {
		if rec.UserID == userID {
			latest = rec.SessionID
		}
	}
	if latest == "" {
		return nil, nil
	}
	return m.sessionLocked(latest), nil
}

func (m *mockStore) ReadSession(ctx context.Context, sessionID string) ([]memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked(sessionID), nil
}

func (m *mockStore) sessionLocked(sessionID string) []memory.Record {
	var out []memory.Record
	for _, rec := range m.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) roles() []convo.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]convo.Role, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Role)
	}
	return out
}

// scriptedModel replays canned responses and records what it was sent.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     int
	sent      [][]convo.Turn
	sentModel []string
	speakErr  error
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Turn:         convo.Turn{Role: convo.RoleAssistant, Text: text},
		FinishReason: "stop",
	}
}

func toolResponse(calls ...convo.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Turn:         convo.Turn{Role: convo.RoleAssistant, ToolCalls: calls},
		FinishReason: "tool_calls",
	}
}

func (m *scriptedModel) Chat(ctx context.Context, model string, turns []convo.Turn, tools []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]convo.Turn, len(turns))
	copy(copied, turns)
	m.sent = append(m.sent, copied)
	m.sentModel = append(m.sentModel, model)
	if m.calls >= len(m.responses) {
		return nil, fmt.Errorf("scripted model exhausted after %d calls", m.calls)
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

func (m *scriptedModel) Speak(ctx context.Context, text, voice string) ([]byte, string, error) {
	if m.speakErr != nil {
		return nil, "", m.speakErr
	}
	return []byte("spoken:" + text), "mp3", nil
}

func (m *scriptedModel) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	return "", nil
}

func (m *scriptedModel) Ping(ctx context.Context) error { return nil }

// mockGraph records enrichment and episode calls.
type mockGraph struct {
	mu        sync.Mutex
	searches  []string
	searchRes *graph.SearchResult
	searchErr error
	episodes  []graph.Episode
}

func (m *mockGraph) Search(ctx context.Context, groupID, query string, limit int) (*graph.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches = append(m.searches, query)
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.searchRes, nil
}

func (m *mockGraph) AddEpisode(ctx context.Context, groupID string, ep graph.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes = append(m.episodes, ep)
	return nil
}

// mockDeliverer records pushed messages.
type mockDeliverer struct {
	mu   sync.Mutex
	sent []Outgoing
	err  error
}

func (m *mockDeliverer) Deliver(ctx context.Context, out *Outgoing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, *out)
	return nil
}

func testRegistry(t *testing.T) registry.Registry {
	t.Helper()
	reg, err := registry.NewStatic([]registry.Descriptor{
		{ID: "butler", Model: "butler-model", Prompt: "You are the butler.", Tools: []string{"echo"}},
		{ID: "weather-bot", Model: "weather-model", Prompt: "You report weather."},
	}, "butler")
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	return reg
}

func echoRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{
		Name:        "echo",
		Description: "echoes text",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return "echo:" + text, nil
		},
	})
	return reg
}

type testEnv struct {
	engine *Engine
	store  *mockStore
	model  *scriptedModel
	graph  *mockGraph
	now    time.Time
}

func newTestEnv(t *testing.T, model *scriptedModel, mutate func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		store: &mockStore{},
		model: model,
		graph: &mockGraph{},
		now:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		Registry:  testRegistry(t),
		Store:     env.store,
		Model:     model,
		Tools:     echoRegistry(),
		Graph:     env.graph,
		RetryBase: time.Millisecond,
		Clock:     func() time.Time { return env.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.engine = engine
	return env
}

func textEvent(userID, text string) *Event {
	return &Event{
		Sender: Sender{Channel: "cli", UserID: userID, ChatID: "chat-" + userID},
		Parts:  []MessagePart{{Kind: PartText, Text: text}},
	}
}

// seedSession persists a prior session for the user at the given time.
func seedSession(t *testing.T, env *testEnv, userID, sessionID, agentID string, at time.Time, turns int) {
	t.Helper()
	for i := 0; i < turns; i++ {
		role := convo.RoleUser
		turn := convo.User([]convo.Part{{Type: convo.PartText, Text: fmt.Sprintf("msg %d", i)}}, at)
		if i%2 == 1 {
			role = convo.RoleAssistant
			turn = convo.Turn{Role: convo.RoleAssistant, Text: fmt.Sprintf("reply %d", i), Timestamp: at}
		}
		payload, err := turn.EncodePayload()
		if err != nil {
			t.Fatalf("EncodePayload: %v", err)
		}
		err = env.store.Append(context.Background(), &memory.Record{
			UserID:    userID,
			ChatID:    "chat-" + userID,
			SessionID: sessionID,
			AgentID:   agentID,
			Role:      role,
			Timestamp: at,
			Payload:   payload,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestHandleFreshUserResets(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("hello!")}}, nil)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "hi"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply == nil || reply.Text != "hello!" {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.SessionID == "" {
		t.Error("expected a generated session id")
	}

	// system, user, assistant persisted in order.
	roles := env.store.roles()
	want := []convo.Role{convo.RoleSystem, convo.RoleUser, convo.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("persisted roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("role %d = %s, want %s", i, roles[i], want[i])
		}
	}
}

func TestHandleContinuesRecentSession(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("still here")}}, nil)
	seedSession(t, env, "alice", "sess-1", "butler", env.now.Add(-2*time.Hour-59*time.Minute), 4)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "back again"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.SessionID != "sess-1" {
		t.Errorf("session = %q, want sess-1", reply.SessionID)
	}

	// The model must see the replayed history before the new user turn.
	sent := env.model.sent[0]
	if len(sent) < 5 {
		t.Fatalf("model saw %d turns, want history + user + time", len(sent))
	}
}

func TestHandleGapAtExactlyThresholdContinues(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("ok")}}, nil)
	seedSession(t, env, "alice", "sess-1", "butler", env.now.Add(-3*time.Hour), 2)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "boundary"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.SessionID != "sess-1" {
		t.Errorf("gap equal to threshold must continue, got session %q", reply.SessionID)
	}
}

func TestHandleStaleSessionResets(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("fresh start")}}, nil)
	seedSession(t, env, "alice", "sess-1", "butler", env.now.Add(-3*time.Hour-time.Second), 2)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "anyone there?"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.SessionID == "sess-1" {
		t.Error("gap beyond threshold must reset the session")
	}
}

func TestHandleSessionResetDirective(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("reset done")}}, nil)
	env.graph.searchRes = &graph.SearchResult{
		Nodes: []graph.Node{{Name: "Alice", Summary: "prefers short answers"}},
	}
	seedSession(t, env, "alice", "sess-1", "butler", env.now.Add(-4*time.Hour), 10)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "hello [s:new]"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.SessionID == "sess-1" {
		t.Error("[s:new] must start a fresh session")
	}

	// Enrichment was attempted and landed in the new system turn,
	// which was persisted before the user turn.
	if len(env.graph.searches) != 1 {
		t.Fatalf("graph searches = %d, want 1", len(env.graph.searches))
	}
	newRecords := env.store.sessionLocked(reply.SessionID)
	if newRecords[0].Role != convo.RoleSystem {
		t.Fatalf("first new record is %s, want system", newRecords[0].Role)
	}
	system, err := newRecords[0].Turn()
	if err != nil {
		t.Fatalf("decode system turn: %v", err)
	}
	if !strings.Contains(system.PlainText(), "prefers short answers") {
		t.Error("system turn missing enrichment block")
	}

	// The cleaned user text went to the model.
	user, err := newRecords[1].Turn()
	if err != nil {
		t.Fatalf("decode user turn: %v", err)
	}
	if got := user.PlainText(); got != "hello" {
		t.Errorf("user text = %q, want %q", got, "hello")
	}
}

func TestHandleAgentSwitchKeepsHistory(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("switched")}}, nil)
	seedSession(t, env, "alice", "sess-1", "butler", env.now.Add(-time.Hour), 10)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "[a:weather-bot] what's the forecast"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.SessionID != "sess-1" {
		t.Errorf("switch must keep session sess-1, got %q", reply.SessionID)
	}
	if reply.AgentID != "weather-bot" {
		t.Errorf("agent = %q, want weather-bot", reply.AgentID)
	}
	if env.model.sentModel[0] != "weather-model" {
		t.Errorf("model = %q, want weather-model", env.model.sentModel[0])
	}

	// History survives; a new system turn was appended mid-session.
	sent := env.model.sent[0]
	if len(sent) < 12 {
		t.Fatalf("model saw %d turns, prior history was dropped", len(sent))
	}
	sawLateSystem := false
	for _, turn := range sent[10:] {
		if turn.Role == convo.RoleSystem && strings.Contains(turn.PlainText(), "weather") {
			sawLateSystem = true
		}
	}
	if !sawLateSystem {
		t.Error("expected an appended system turn for the new agent")
	}
}

func TestHandleUnknownAgentOverrideFails(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("never")}}, nil)

	_, err := env.engine.Handle(context.Background(), textEvent("alice", "[a:nobody] hi"))
	if err == nil {
		t.Fatal("expected error for unknown agent override")
	}
}

func TestHandleAnonymousSessionByExplicitID(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("first"), textResponse("second")}}, nil)

	ev := &Event{
		Sender:   Sender{Channel: "cli"},
		Parts:    []MessagePart{{Kind: PartText, Text: "hello"}},
		Metadata: Metadata{SessionID: "anon-1"},
	}
	reply, err := env.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.SessionID != "anon-1" {
		t.Errorf("session = %q, want anon-1", reply.SessionID)
	}
	// Anonymous resets get a bare system turn, no enrichment lookup.
	if len(env.graph.searches) != 0 {
		t.Error("anonymous request must not trigger enrichment")
	}

	ev2 := &Event{
		Sender:   Sender{Channel: "cli"},
		Parts:    []MessagePart{{Kind: PartText, Text: "again"}},
		Metadata: Metadata{SessionID: "anon-1"},
	}
	if _, err := env.engine.Handle(context.Background(), ev2); err != nil {
		t.Fatalf("Handle second: %v", err)
	}
	// Second request replays the first exchange.
	if len(env.model.sent[1]) < 4 {
		t.Errorf("second call saw %d turns, want replayed history", len(env.model.sent[1]))
	}
}

func TestHandleAutomatedSenderSkipsEnrichment(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("ok")}}, nil)

	ev := textEvent("cron", "nightly report")
	ev.Sender.Automated = true
	if _, err := env.engine.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(env.graph.searches) != 0 {
		t.Error("automated sender must not trigger enrichment")
	}
}

func TestToolLoopStopTerminates(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{textResponse("direct answer")}}
	env := newTestEnv(t, model, nil)

	if _, err := env.engine.Handle(context.Background(), textEvent("alice", "hi")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if model.calls != 1 {
		t.Errorf("model calls = %d, want exactly 1", model.calls)
	}
}

func TestToolLoopExecutesSequentially(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResponse(
			convo.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"one"}`},
			convo.ToolCall{ID: "c2", Name: "missing", Arguments: `{}`},
			convo.ToolCall{ID: "c3", Name: "echo", Arguments: `{"text":"three"}`},
		),
		textResponse("all done"),
	}}
	env := newTestEnv(t, model, nil)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "run tools"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "all done" {
		t.Errorf("reply = %q", reply.Text)
	}

	// One failure in a batch of 3 still persists exactly 3 tool turns.
	var toolTurns []convo.Turn
	for _, rec := range env.store.sessionLocked(reply.SessionID) {
		if rec.Role == convo.RoleTool {
			turn, err := rec.Turn()
			if err != nil {
				t.Fatalf("decode tool turn: %v", err)
			}
			toolTurns = append(toolTurns, turn)
		}
	}
	if len(toolTurns) != 3 {
		t.Fatalf("persisted %d tool turns, want 3", len(toolTurns))
	}
	if toolTurns[0].Result != "echo:one" || toolTurns[0].ToolCallID != "c1" {
		t.Errorf("first tool turn = %+v", toolTurns[0])
	}
	if !strings.Contains(toolTurns[1].Result, "error") {
		t.Errorf("failed call must produce a structured error, got %q", toolTurns[1].Result)
	}
	if toolTurns[2].Result != "echo:three" {
		t.Errorf("third tool turn = %+v", toolTurns[2])
	}
}

func TestToolLoopInvalidArgumentsUseEmptySet(t *testing.T) {
	var gotArgs map[string]any
	toolReg := tools.NewRegistry()
	toolReg.Register(&tools.Tool{
		Name:        "echo",
		Description: "captures args",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			gotArgs = args
			return "ok", nil
		},
	})
	model := &scriptedModel{responses: []*llm.ChatResponse{
		toolResponse(convo.ToolCall{ID: "c1", Name: "echo", Arguments: `{broken json`}),
		textResponse("done"),
	}}
	env := newTestEnv(t, model, func(cfg *Config) { cfg.Tools = toolReg })

	if _, err := env.engine.Handle(context.Background(), textEvent("alice", "go")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gotArgs == nil || len(gotArgs) != 0 {
		t.Errorf("handler args = %v, want empty set", gotArgs)
	}
}

func TestToolLoopIterationCapFallsBackToLastText(t *testing.T) {
	// Every response asks for another tool call; one of them carries
	// text the fallback can use.
	responses := make([]*llm.ChatResponse, 0, 12)
	for i := 0; i < 12; i++ {
		resp := toolResponse(convo.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: `{"text":"x"}`})
		if i == 2 {
			resp.Turn.Text = "partial progress"
		}
		responses = append(responses, resp)
	}
	model := &scriptedModel{responses: responses}
	env := newTestEnv(t, model, func(cfg *Config) { cfg.MaxIterations = 5 })

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "loop"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if model.calls != 5 {
		t.Errorf("model calls = %d, want cap of 5", model.calls)
	}
	if reply.Text != "partial progress" {
		t.Errorf("fallback text = %q", reply.Text)
	}
}

func TestToolLoopIterationCapWithoutTextFails(t *testing.T) {
	responses := make([]*llm.ChatResponse, 0, 6)
	for i := 0; i < 6; i++ {
		responses = append(responses, toolResponse(
			convo.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: `{"text":"x"}`}))
	}
	env := newTestEnv(t, &scriptedModel{responses: responses}, func(cfg *Config) { cfg.MaxIterations = 3 })

	if _, err := env.engine.Handle(context.Background(), textEvent("alice", "loop")); err == nil {
		t.Fatal("expected tool loop exceeded error")
	}
}

func TestHandleRetriesModelFailures(t *testing.T) {
	model := &failingThenOKModel{failures: 2}
	env := newTestEnv(t, &scriptedModel{}, func(cfg *Config) { cfg.Model = model })

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "hi"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "recovered" {
		t.Errorf("reply = %q", reply.Text)
	}
	if model.calls != 3 {
		t.Errorf("model calls = %d, want 3", model.calls)
	}
}

func TestHandleRetryBudgetExhausted(t *testing.T) {
	model := &failingThenOKModel{failures: 99}
	env := newTestEnv(t, &scriptedModel{}, func(cfg *Config) { cfg.Model = model })

	if _, err := env.engine.Handle(context.Background(), textEvent("alice", "hi")); err == nil {
		t.Fatal("expected fatal error after retry budget")
	}
	if model.calls != 3 {
		t.Errorf("model calls = %d, want exactly the retry budget of 3", model.calls)
	}
}

// failingThenOKModel fails its first n Chat calls.
type failingThenOKModel struct {
	failures int
	calls    int
}

func (m *failingThenOKModel) Chat(ctx context.Context, model string, turns []convo.Turn, tools []map[string]any) (*llm.ChatResponse, error) {
	m.calls++
	if m.calls <= m.failures {
		return nil, fmt.Errorf("transient failure %d", m.calls)
	}
	return textResponse("recovered"), nil
}

func (m *failingThenOKModel) Speak(ctx context.Context, text, voice string) ([]byte, string, error) {
	return nil, "", fmt.Errorf("no speech")
}

func (m *failingThenOKModel) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	return "", nil
}

func (m *failingThenOKModel) Ping(ctx context.Context) error { return nil }

func TestHandleDeliversToRecipients(t *testing.T) {
	ws := &mockDeliverer{}
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("pushed")}},
		func(cfg *Config) { cfg.Deliverers = map[string]Deliverer{"ws": ws} })

	ev := textEvent("alice", "hi")
	ev.Recipients = []Recipient{
		{Channel: "ws", ChatID: "room-1"},
		{Channel: "ws", ChatID: "room-2"},
	}
	ev.Metadata.PlaceholderID = "ph-42"

	reply, err := env.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply != nil {
		t.Errorf("push path must return nil reply, got %+v", reply)
	}

	// A fresh user triggers enrichment, so the two recipients first get
	// an interim notice each, then the final replies.
	if len(ws.sent) != 4 {
		t.Fatalf("delivered %d messages, want 2 interim + 2 final", len(ws.sent))
	}
	for i, interim := range ws.sent[:2] {
		if !interim.SuppressPlaceholder || interim.PlaceholderID != "" {
			t.Errorf("interim notice %d must not touch the placeholder: %+v", i, interim)
		}
	}
	first, second := ws.sent[2], ws.sent[3]
	if first.PlaceholderID != "ph-42" || first.SuppressPlaceholder {
		t.Errorf("first delivery = %+v", first)
	}
	if second.PlaceholderID != "" || !second.SuppressPlaceholder {
		t.Errorf("second delivery must suppress placeholder correlation: %+v", second)
	}
}

func TestHandleAudioInputGetsSpokenReply(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("sunny")}}, nil)

	ev := &Event{
		Sender: Sender{Channel: "cli", UserID: "alice", ChatID: "chat-alice"},
		Parts: []MessagePart{
			{Kind: PartAudio, Audio: []byte("voice-note"), Format: "ogg"},
		},
	}
	reply, err := env.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(reply.Audio) != "spoken:sunny" || reply.AudioFormat != "mp3" {
		t.Errorf("reply audio = %q/%s", reply.Audio, reply.AudioFormat)
	}
}

func TestHandleSpeechFailureDegradesToText(t *testing.T) {
	model := &scriptedModel{
		responses: []*llm.ChatResponse{textResponse("sunny")},
		speakErr:  fmt.Errorf("tts down"),
	}
	env := newTestEnv(t, model, nil)

	ev := &Event{
		Sender: Sender{Channel: "cli", UserID: "alice", ChatID: "chat-alice"},
		Parts:  []MessagePart{{Kind: PartAudio, Audio: []byte("voice-note"), Format: "ogg"}},
	}
	reply, err := env.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("synthesis failure must not fail the request: %v", err)
	}
	if reply.Text != "sunny" || reply.Audio != nil {
		t.Errorf("reply = %+v, want text only", reply)
	}
}

func TestHandleDropsEmptyParts(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("ok")}}, nil)

	ev := &Event{
		Sender: Sender{Channel: "cli", UserID: "alice", ChatID: "chat-alice"},
		Parts: []MessagePart{
			{Kind: PartText, Text: "   "},
			{Kind: PartImage, ImageURL: ""},
			{Kind: PartText, Text: "real content"},
		},
	}
	reply, err := env.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	records := env.store.sessionLocked(reply.SessionID)
	user, err := records[1].Turn()
	if err != nil {
		t.Fatalf("decode user turn: %v", err)
	}
	if len(user.Parts) != 1 || user.Parts[0].Text != "real content" {
		t.Errorf("user parts = %+v, want only the real text", user.Parts)
	}
}

func TestHandleAllPartsEmptyIsInputError(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{}, nil)

	ev := &Event{
		Sender: Sender{Channel: "cli", UserID: "alice"},
		Parts:  []MessagePart{{Kind: PartText, Text: "  "}},
	}
	if _, err := env.engine.Handle(context.Background(), ev); err == nil {
		t.Fatal("expected input error for event with no usable content")
	}
}

func TestHandleValidatesEvent(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{}, nil)

	if _, err := env.engine.Handle(context.Background(), &Event{Sender: Sender{Channel: "cli"}}); err == nil {
		t.Error("expected error for event without parts")
	}
	if _, err := env.engine.Handle(context.Background(), &Event{Parts: []MessagePart{{Kind: PartText, Text: "x"}}}); err == nil {
		t.Error("expected error for event without channel")
	}
}

func TestHandleLocationBecomesLeadingText(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("noted")}}, nil)

	ev := textEvent("alice", "where am I?")
	ev.Location = &Location{Latitude: 59.91273, Longitude: 10.74609, Label: "Oslo"}

	reply, err := env.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	records := env.store.sessionLocked(reply.SessionID)
	user, err := records[1].Turn()
	if err != nil {
		t.Fatalf("decode user turn: %v", err)
	}
	if len(user.Parts) != 2 || !strings.Contains(user.Parts[0].Text, "Oslo") {
		t.Errorf("expected synthetic leading location text, got %+v", user.Parts)
	}
}

func TestReplayPreservesRoleOrder(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{
		toolResponse(convo.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"a"}`}),
		textResponse("first answer"),
		textResponse("second answer"),
	}}, nil)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "first"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// The follow-up request replays the persisted session; the roles
	// the model sees must match what was persisted, in order.
	if _, err := env.engine.Handle(context.Background(), textEvent("alice", "second")); err != nil {
		t.Fatalf("Handle follow-up: %v", err)
	}

	// After the follow-up, the store holds the replayed turns plus the
	// new user and assistant turns. The model saw everything up to the
	// new user turn, plus the ephemeral time turn.
	records := env.store.sessionLocked(reply.SessionID)
	sent := env.model.sent[len(env.model.sent)-1]
	if len(sent) != len(records) {
		t.Fatalf("model saw %d turns, want %d", len(sent), len(records))
	}
	for i := range records[:len(records)-1] {
		if sent[i].Role != records[i].Role {
			t.Errorf("turn %d role = %s, persisted %s", i, sent[i].Role, records[i].Role)
		}
	}
	if sent[len(sent)-1].Role != convo.RoleSystem {
		t.Error("last turn sent to the model should be the ephemeral time turn")
	}
}

func TestEphemeralTimeTurnNotPersisted(t *testing.T) {
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{textResponse("ok")}}, nil)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "hi"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for _, rec := range env.store.sessionLocked(reply.SessionID) {
		turn, err := rec.Turn()
		if err != nil {
			t.Fatalf("decode turn: %v", err)
		}
		if strings.Contains(turn.PlainText(), "Current time:") {
			t.Error("wall-clock system turn must not be persisted")
		}
	}
}

func TestSignaturesStrippedBeforePersist(t *testing.T) {
	resp := textResponse("thought about it")
	resp.Turn.Reasoning = []convo.ReasoningBlock{
		{Type: "thinking", Text: "reasoning text", Signature: "sig-xyz"},
	}
	env := newTestEnv(t, &scriptedModel{responses: []*llm.ChatResponse{resp}}, nil)

	reply, err := env.engine.Handle(context.Background(), textEvent("alice", "hi"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	records := env.store.sessionLocked(reply.SessionID)
	assistant, err := records[len(records)-1].Turn()
	if err != nil {
		t.Fatalf("decode assistant turn: %v", err)
	}
	if len(assistant.Reasoning) != 1 {
		t.Fatalf("reasoning blocks = %d", len(assistant.Reasoning))
	}
	if assistant.Reasoning[0].Signature != "" {
		t.Error("signature must be stripped before persisting")
	}
	if assistant.Reasoning[0].Text != "reasoning text" {
		t.Error("reasoning text must survive stripping")
	}
}
