// Herald routes inbound messages from external channels to a
// configurable AI agent.
//
// It connects to channel bridges (WebSocket gateway, MQTT broker),
// resolves each message to a session and an agent, drives the
// model/tool loop, and delivers the reply back on the channel.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	herald serve             Start the bridges and process messages
//	herald ask <question>    Ask a single question (for testing)
//	herald version           Print version and build information
//	herald -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/herald-dev/herald/internal/agent"
	"github.com/herald-dev/herald/internal/buildinfo"
	"github.com/herald-dev/herald/internal/config"
	"github.com/herald-dev/herald/internal/events"
	"github.com/herald-dev/herald/internal/graph"
	"github.com/herald-dev/herald/internal/llm"
	"github.com/herald-dev/herald/internal/memory"
	"github.com/herald-dev/herald/internal/registry"
	"github.com/herald-dev/herald/internal/search"
	"github.com/herald-dev/herald/internal/tools"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run]. Keeping os.Exit, os.Stdout and os.Args out of the
// application logic lets tests drive the full lifecycle.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the herald command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which interfere with calling run() concurrently from tests, and the
// argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: herald ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Herald - Agent Orchestration Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: herald [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the channel bridges and process messages")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/herald/config.yaml, /etc/herald/config.yaml")
	return nil
}

// runAsk boots a minimal engine (temporary database, no bridges) and
// processes a single question, printing the reply to stdout.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := memory.NewSQLiteStore(cfg.DataDir + "/herald.db")
	if err != nil {
		return fmt.Errorf("open conversation log: %w", err)
	}
	defer store.Close()

	engine, _, err := buildEngine(cfg, store, logger, nil, nil)
	if err != nil {
		return err
	}

	reply, err := engine.Handle(ctx, &agent.Event{
		Sender: agent.Sender{Channel: "cli", UserID: "cli"},
		Parts:  []agent.MessagePart{{Kind: agent.PartText, Text: question}},
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, reply.Text)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// conversation log, builds the engine, starts the channel bridges, and
// blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Herald", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial text logger covers only the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded", "path", cfgPath, "model", cfg.Model.Default, "agents", len(cfg.Agents))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Conversation log ---
	// SQLite-backed turn log. Session continuity across restarts comes
	// entirely from this store.
	dbPath := cfg.DataDir + "/herald.db"
	store, err := memory.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open conversation log %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("conversation log opened", "path", dbPath)

	// --- Event bus ---
	// Operational events from the engine and bridges, drained to the log.
	bus := events.New()
	go drainEvents(ctx, bus, logger)

	// --- Channel bridges ---
	// Built before the engine so their Deliverer sides can be wired in.
	deliverers := make(map[string]agent.Deliverer)

	var ws *wsBridge
	if cfg.Channels.WS.Configured() {
		ws = newWSBridge(cfg.Channels.WS, logger, bus)
		deliverers["ws"] = ws
		logger.Info("WebSocket bridge configured", "url", cfg.Channels.WS.URL)
	}

	var mq *mqttBridge
	if cfg.Channels.MQTT.Configured() {
		mq, err = newMQTTBridge(cfg.Channels.MQTT, logger, bus)
		if err != nil {
			return fmt.Errorf("mqtt bridge: %w", err)
		}
		deliverers["mqtt"] = mq
		logger.Info("MQTT bridge configured", "broker", cfg.Channels.MQTT.Broker)
	}

	if len(deliverers) == 0 {
		logger.Warn("no channel bridges configured, only direct invocation will work")
	}

	// --- Engine ---
	engine, model, err := buildEngine(cfg, store, logger, bus, deliverers)
	if err != nil {
		return err
	}

	// Startup probe. A failure is logged, not fatal: the model service
	// may come up after Herald does.
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := model.Ping(pingCtx); err != nil {
		logger.Warn("model service not reachable at startup", "error", err)
	}
	pingCancel()

	// --- Bridge startup ---
	if ws != nil {
		ws.SetTranscriber(model)
		go ws.Run(ctx, engine)
	}
	if mq != nil {
		if err := mq.Start(ctx, engine); err != nil {
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
		defer mq.Close()
	}

	logger.Info("Herald ready")
	<-ctx.Done()
	logger.Info("shutting down", "uptime", buildinfo.Uptime().Round(time.Second))
	return nil
}

// buildEngine assembles the engine and its collaborators from config.
// The model client is returned alongside so callers can probe it.
func buildEngine(cfg *config.Config, store memory.TurnStore, logger *slog.Logger, bus *events.Bus, deliverers map[string]agent.Deliverer) (*agent.Engine, llm.Client, error) {
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	model := llm.NewOpenAI(llm.Options{
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		SpeechModel: cfg.Model.SpeechModel,
	}, logger)

	// --- Tool gateway ---
	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg)
	if cfg.Search.Configured() {
		search.RegisterTool(toolReg, search.NewSearXNG(cfg.Search.SearXNGURL))
		logger.Info("web search enabled", "url", cfg.Search.SearXNGURL)
	}

	// --- Knowledge graph ---
	var grapher agent.Grapher
	if cfg.Graph.Configured() {
		grapher = graph.New(cfg.Graph.URL)
		logger.Info("knowledge graph enabled", "url", cfg.Graph.URL)
	}

	engine, err := agent.New(agent.Config{
		Registry:      reg,
		Store:         store,
		Model:         model,
		Tools:         toolReg,
		Graph:         grapher,
		Deliverers:    deliverers,
		Bus:           bus,
		Logger:        logger,
		Staleness:     time.Duration(cfg.Session.StalenessHours) * time.Hour,
		MaxIterations: cfg.Engine.MaxIterations,
		RetryAttempts: cfg.Engine.RetryAttempts,
		RetryBase:     time.Duration(cfg.Engine.RetryBaseMS) * time.Millisecond,
		Voice:         cfg.Model.Voice,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, model, nil
}

// drainEvents logs every bus event at debug level until ctx ends.
func drainEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	sub := bus.Subscribe(256)
	defer sub.Close()
	for {
		select {
		case e := <-sub.C:
			logger.Debug("event", "source", e.Source, "kind", e.Kind, "data", e.Data)
		case <-ctx.Done():
			return
		}
	}
}

// newLogger creates a structured logger writing to w. Format must be
// "text" or "json"; anything else falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty that exact path is used; otherwise the default
// locations are searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
