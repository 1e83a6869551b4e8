// Package config loads the application configuration from YAML with
// environment variable expansion. Missing fields fall back to defaults, so a
// minimal config file (or none at all) is enough to start the agent against
// a local ComfyUI.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	ComfyUI  ComfyUIConfig  `yaml:"comfyui"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`

	path string // file the config was loaded from; SaveTunables writes here
}

// ComfyUIConfig points the agent at a ComfyUI backend.
type ComfyUIConfig struct {
	BaseURL        string `yaml:"base_url"`
	WSURL          string `yaml:"ws_url"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // "anthropic" or "openai"
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxRetries  int     `yaml:"max_retries"`

	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS  int `yaml:"retry_max_delay_ms"`
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	SessionDB     string `yaml:"session_db"`
	ContextBudget int    `yaml:"context_budget"` // 0 = resolve from model name
	PromptBudget  int    `yaml:"prompt_budget"`
}

// ServerConfig configures the HTTP/WebSocket gateway.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	StaticDir   string   `yaml:"static_dir"`
}

// IdentityConfig locates the role identity directory used for persona,
// knowledge, and synthesized experience features.
type IdentityConfig struct {
	Dir  string `yaml:"dir"`
	Role string `yaml:"role"`
}

// WebConfig configures the outbound web tools.
type WebConfig struct {
	TavilyAPIKey   string `yaml:"tavily_api_key"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ComfyUI: ComfyUIConfig{
			BaseURL:        "http://127.0.0.1:6006",
			WSURL:          "ws://127.0.0.1:6006/ws",
			TimeoutSeconds: 30,
		},
		LLM: LLMConfig{
			Provider:         "anthropic",
			Model:            "claude-sonnet-4-5-20250929",
			MaxTokens:        8192,
			Temperature:      0.7,
			MaxRetries:       5,
			RetryBaseDelayMS: 2000,
			RetryMaxDelayMS:  60000,
		},
		Agent: AgentConfig{
			MaxIterations: 20,
			SessionDB:     "data/sessions.db",
			PromptBudget:  12000,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        5200,
			CORSOrigins: []string{"*"},
		},
		Identity: IdentityConfig{
			Dir:  "~/.rolex",
			Role: "comfyui-agent",
		},
		Web: WebConfig{
			TimeoutSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at path, expanding ${ENV} references before
// parsing. An empty path falls back to COMFYUI_AGENT_CONFIG, then
// "config.yaml". A missing file returns defaults; a malformed file is an
// error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("COMFYUI_AGENT_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.ComfyUI.BaseURL == "" {
		c.ComfyUI.BaseURL = def.ComfyUI.BaseURL
	}
	if c.ComfyUI.WSURL == "" {
		c.ComfyUI.WSURL = def.ComfyUI.WSURL
	}
	if c.ComfyUI.TimeoutSeconds <= 0 {
		c.ComfyUI.TimeoutSeconds = def.ComfyUI.TimeoutSeconds
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = def.LLM.Provider
	}
	if c.LLM.Model == "" {
		c.LLM.Model = def.LLM.Model
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = def.LLM.MaxRetries
	}
	if c.LLM.RetryBaseDelayMS <= 0 {
		c.LLM.RetryBaseDelayMS = def.LLM.RetryBaseDelayMS
	}
	if c.LLM.RetryMaxDelayMS <= 0 {
		c.LLM.RetryMaxDelayMS = def.LLM.RetryMaxDelayMS
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = def.Agent.MaxIterations
	}
	if c.Agent.SessionDB == "" {
		c.Agent.SessionDB = def.Agent.SessionDB
	}
	if c.Agent.PromptBudget <= 0 {
		c.Agent.PromptBudget = def.Agent.PromptBudget
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Identity.Dir == "" {
		c.Identity.Dir = def.Identity.Dir
	}
	if c.Identity.Role == "" {
		c.Identity.Role = def.Identity.Role
	}
	if c.Web.TimeoutSeconds <= 0 {
		c.Web.TimeoutSeconds = def.Web.TimeoutSeconds
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

// Path returns the file this configuration was loaded from.
func (c *Config) Path() string { return c.path }

// SaveTunables writes the runtime-tunable fields back to the config file.
// The file is merged, not regenerated: keys the agent does not tune, such
// as credentials and ${ENV} references, keep their on-disk form. A missing
// file is created with just the tunable keys.
func (c *Config) SaveTunables() error {
	if c.path == "" {
		return fmt.Errorf("config has no file path to save to")
	}

	doc := map[string]any{}
	data, err := os.ReadFile(c.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse config %s: %w", c.path, err)
		}
	case os.IsNotExist(err):
		// fresh file
	default:
		return fmt.Errorf("read config %s: %w", c.path, err)
	}

	llm := section(doc, "llm")
	llm["model"] = c.LLM.Model
	llm["max_tokens"] = c.LLM.MaxTokens
	llm["temperature"] = c.LLM.Temperature
	agent := section(doc, "agent")
	agent["max_iterations"] = c.Agent.MaxIterations

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if err := os.WriteFile(c.path, out, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", c.path, err)
	}
	return nil
}

func section(doc map[string]any, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	doc[key] = m
	return m
}

// ResolveAPIKey returns the configured API key, falling back to the
// provider's conventional environment variable.
func (c *LLMConfig) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.Provider == "openai" {
		return os.Getenv("OPENAI_API_KEY")
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}
