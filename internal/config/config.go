// Package config loads the bot configuration from YAML. The configuration is
// read once at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tomatos-dev/nekobot/internal/observability"
)

// Config is the root configuration.
type Config struct {
	Logging   observability.LogConfig `yaml:"logging"`
	Bot       BotConfig               `yaml:"bot"`
	Router    RouterConfig            `yaml:"router"`
	History   HistoryConfig           `yaml:"history"`
	Engine    EngineConfig            `yaml:"engine"`
	Models    []ModelProfile          `yaml:"models"`
	Defaults  map[string]string       `yaml:"defaults"`
	Quota     QuotaConfig             `yaml:"quota"`
	Templates map[string]string       `yaml:"templates"`
	Memory    MemoryConfig            `yaml:"memory"`
	Server    ServerConfig            `yaml:"server"`
}

// BotConfig identifies the bot in group chats.
type BotConfig struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// RouterConfig configures command dispatch.
type RouterConfig struct {
	Prefixes []string `yaml:"prefixes"`
}

// HistoryConfig bounds stored conversation history.
type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// EngineConfig bounds the orchestration loop.
type EngineConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
	WindowTurns       int `yaml:"window_turns"`
	// CallTimeoutSeconds bounds each provider call and tool execution.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// ModelProfile describes one upstream model endpoint.
type ModelProfile struct {
	Name            string   `yaml:"name"`
	Provider        string   `yaml:"provider"`
	Model           string   `yaml:"model"`
	BaseURL         string   `yaml:"base_url"`
	APIKey          string   `yaml:"api_key"`
	APIKeyEnv       string   `yaml:"api_key_env"`
	Capabilities    []string `yaml:"capabilities"`
	MaxTokens       int      `yaml:"max_tokens"`
	Temperature     float32  `yaml:"temperature"`
	RPM             int      `yaml:"rpm"`
	SupportsTools   bool     `yaml:"supports_tools"`
	ThinkingPattern string   `yaml:"thinking_pattern"`
}

// ResolveAPIKey returns the literal key or, when api_key_env is set, the
// value of that environment variable.
func (p ModelProfile) ResolveAPIKey() string {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

// QuotaConfig configures the persistent tool usage ledger.
type QuotaConfig struct {
	Path   string       `yaml:"path"`
	Limits []QuotaLimit `yaml:"limits"`
}

// QuotaLimit caps one counter of one upstream provider.
type QuotaLimit struct {
	Provider string `yaml:"provider"`
	Counter  string `yaml:"counter"`
	Limit    int64  `yaml:"limit"`
}

// MemoryConfig configures the diary collaborator.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig configures the websocket terminal server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when a field is absent from the
// YAML file.
func Default() Config {
	return Config{
		Logging: observability.DefaultLogConfig(),
		Bot: BotConfig{
			Name:    "喵凝",
			Aliases: []string{"凝凝", "小凝"},
		},
		Router: RouterConfig{
			Prefixes: []string{"/", "!", "！", "y"},
		},
		History: HistoryConfig{MaxMessages: 100},
		Engine: EngineConfig{
			MaxToolIterations:  50,
			WindowTurns:        10,
			CallTimeoutSeconds: 120,
		},
		Quota:  QuotaConfig{Path: "quota_usage.json"},
		Server: ServerConfig{Addr: ":8970"},
	}
}

// Load reads and validates the configuration at path. Absent fields take
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if len(c.Router.Prefixes) == 0 {
		c.Router.Prefixes = d.Router.Prefixes
	}
	if c.History.MaxMessages <= 0 {
		c.History.MaxMessages = d.History.MaxMessages
	}
	if c.Engine.MaxToolIterations <= 0 {
		c.Engine.MaxToolIterations = d.Engine.MaxToolIterations
	}
	if c.Engine.WindowTurns <= 0 {
		c.Engine.WindowTurns = d.Engine.WindowTurns
	}
	if c.Engine.CallTimeoutSeconds <= 0 {
		c.Engine.CallTimeoutSeconds = d.Engine.CallTimeoutSeconds
	}
	if c.Bot.Name == "" {
		c.Bot.Name = d.Bot.Name
	}
	if c.Quota.Path == "" {
		c.Quota.Path = d.Quota.Path
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("config: model with empty name")
		}
		if seen[m.Name] {
			return fmt.Errorf("config: duplicate model %q", m.Name)
		}
		seen[m.Name] = true
		switch strings.ToLower(m.Provider) {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("config: model %q: unknown provider %q", m.Name, m.Provider)
		}
	}
	for capability, name := range c.Defaults {
		if !seen[name] {
			return fmt.Errorf("config: default for %q references unknown model %q", capability, name)
		}
	}
	for _, q := range c.Quota.Limits {
		if q.Provider == "" || q.Counter == "" {
			return fmt.Errorf("config: quota limit missing provider or counter")
		}
		if q.Limit < 0 {
			return fmt.Errorf("config: quota limit for %s/%s is negative", q.Provider, q.Counter)
		}
	}
	return nil
}
