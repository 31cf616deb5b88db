// Package config handles Herald configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/herald/config.yaml, /etc/herald/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "herald", "config.yaml"))
	}

	paths = append(paths, "/etc/herald/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Herald configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"

	Model    ModelConfig    `yaml:"model"`
	Session  SessionConfig  `yaml:"session"`
	Engine   EngineConfig   `yaml:"engine"`
	Graph    GraphConfig    `yaml:"graph"`
	Search   SearchConfig   `yaml:"search"`
	Channels ChannelsConfig `yaml:"channels"`

	DefaultAgent string        `yaml:"default_agent"`
	Agents       []AgentConfig `yaml:"agents"`
}

// ModelConfig defines the language-model service connection.
type ModelConfig struct {
	// BaseURL is the root of an OpenAI-compatible API
	// (e.g., "https://api.openai.com/v1" or a local gateway).
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Default is the model used when an agent does not name one.
	Default string `yaml:"default"`
	// Voice selects the text-to-speech voice for audio replies.
	Voice string `yaml:"voice"`
	// SpeechModel is the model used for speech synthesis and transcription.
	SpeechModel string `yaml:"speech_model"`
}

// SessionConfig controls conversation continuity.
type SessionConfig struct {
	// StalenessHours is the inactivity window after which a session is
	// considered expired and a fresh one is started. A gap exactly equal
	// to the threshold does NOT expire the session.
	StalenessHours int `yaml:"staleness_hours"`
}

// EngineConfig bounds the model/tool control loop.
type EngineConfig struct {
	// MaxIterations caps model round-trips per request.
	MaxIterations int `yaml:"max_iterations"`
	// RetryAttempts is the per-call model retry budget.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryBaseMS is the initial backoff delay, doubled per attempt.
	RetryBaseMS int `yaml:"retry_base_ms"`
}

// GraphConfig defines the knowledge-graph service connection.
type GraphConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether a knowledge-graph URL is set.
func (c GraphConfig) Configured() bool { return c.URL != "" }

// SearchConfig defines the optional web search provider.
type SearchConfig struct {
	SearXNGURL string `yaml:"searxng_url"`
}

// Configured reports whether a search provider is set.
func (c SearchConfig) Configured() bool { return c.SearXNGURL != "" }

// ChannelsConfig groups the inbound channel bridges.
type ChannelsConfig struct {
	WS   WSConfig   `yaml:"ws"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

// WSConfig defines the WebSocket channel gateway connection.
type WSConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// RateLimitPerMinute bounds messages per sender; 0 = unlimited.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Configured reports whether the WebSocket bridge is enabled.
func (c WSConfig) Configured() bool { return c.URL != "" }

// MQTTConfig defines the MQTT channel bridge connection.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	CommandTopic string `yaml:"command_topic"`
	ReplyTopic   string `yaml:"reply_topic"`
	// RateLimitPerMinute bounds inbound messages; 0 = unlimited.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Configured reports whether the MQTT bridge is enabled.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// AgentConfig defines one agent available through the registry.
type AgentConfig struct {
	ID     string `yaml:"id"`
	Model  string `yaml:"model"`
	Prompt string `yaml:"prompt"`
	// PromptFile, when set, is read at load time and replaces Prompt.
	PromptFile string `yaml:"prompt_file"`
	// Tools is the allow-list of tool names this agent may call.
	Tools []string `yaml:"tools"`
	// Extra carries forward-compatible string fields that have no
	// dedicated struct field yet.
	Extra map[string]string `yaml:"extra"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file body ($VAR or ${VAR}) are expanded before parsing, and
// prompt_file references are resolved relative to the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.PromptFile == "" {
			continue
		}
		pf := a.PromptFile
		if !filepath.IsAbs(pf) {
			pf = filepath.Join(filepath.Dir(path), pf)
		}
		body, err := os.ReadFile(pf)
		if err != nil {
			return nil, fmt.Errorf("agent %s: read prompt file: %w", a.ID, err)
		}
		a.Prompt = string(body)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		DataDir:   "data",
		LogFormat: "text",
		Session:   SessionConfig{StalenessHours: 3},
		Engine: EngineConfig{
			MaxIterations: 10,
			RetryAttempts: 3,
			RetryBaseMS:   500,
		},
	}
}

// Validate checks cross-field constraints and fills remaining defaults.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format: %q (expected text or json)", c.LogFormat)
	}

	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}

	if c.Session.StalenessHours <= 0 {
		c.Session.StalenessHours = 3
	}
	if c.Engine.MaxIterations <= 0 {
		c.Engine.MaxIterations = 10
	}
	if c.Engine.RetryAttempts <= 0 {
		c.Engine.RetryAttempts = 3
	}
	if c.Engine.RetryBaseMS <= 0 {
		c.Engine.RetryBaseMS = 500
	}

	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Model == "" {
			a.Model = c.Model.Default
		}
	}

	if c.DefaultAgent != "" && !seen[c.DefaultAgent] {
		return fmt.Errorf("default_agent %q not defined in agents", c.DefaultAgent)
	}
	if c.DefaultAgent == "" && len(c.Agents) > 0 {
		c.DefaultAgent = c.Agents[0].ID
	}

	return nil
}
