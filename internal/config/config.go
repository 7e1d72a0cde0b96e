// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Valet gateway.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Tools     ToolsConfig     `yaml:"tools"`
	Queue     QueueConfig     `yaml:"queue"`
	Cron      []CronEntry     `yaml:"cron,omitempty"`
	Trust     TrustConfig     `yaml:"trust,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// DataDir is the root of all runtime state (sessions, users, files,
	// history, pending, logs). Default "./data".
	DataDir string `yaml:"data_dir,omitempty"`
}

// AgentConfig holds model selection and prompt settings.
type AgentConfig struct {
	// APIBase is the OpenAI-compatible endpoint all models are served from.
	// APIKey falls back to $OPENAI_API_KEY when empty.
	APIBase string `yaml:"api_base,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`

	Model           string   `yaml:"model"`                      // "provider/id"
	FallbackModels  []string `yaml:"fallback_models,omitempty"`  // tried in order on prompt failure
	ReflectionModel string   `yaml:"reflection_model,omitempty"` // override for the reflection pass
	Timezone        string   `yaml:"timezone,omitempty"`         // IANA zone, default UTC
	SystemPrompt    string   `yaml:"system_prompt,omitempty"`    // static portion of the system prompt
	MaxTokens       int      `yaml:"max_tokens,omitempty"`
	ContextWindow   int      `yaml:"context_window,omitempty"`
	MaxIterations   int      `yaml:"max_tool_iterations,omitempty"`

	// Embeddings for semantic trigger matching and archival search.
	// Empty EmbeddingAPIBase disables embeddings entirely (keyword-only triggers).
	EmbeddingModel   string `yaml:"embedding_model,omitempty"`
	EmbeddingAPIBase string `yaml:"embedding_api_base,omitempty"`
}

// ChannelsConfig holds the bridge configurations.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram,omitempty"`
	Discord  DiscordConfig  `yaml:"discord,omitempty"`
}

// TelegramConfig configures the Telegram bridge.
type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allow_from,omitempty"`
}

// DiscordConfig configures the Discord bridge.
type DiscordConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allow_from,omitempty"`
}

// ToolsConfig holds tool subsystem settings.
type ToolsConfig struct {
	Workers WorkersConfig `yaml:"workers"`
}

// WorkersConfig configures the background worker subsystem.
type WorkersConfig struct {
	MaxConcurrent  int                   `yaml:"max_concurrent,omitempty"`  // default 3
	Model          string                `yaml:"model,omitempty"`           // default model for workers
	TimeoutSeconds int                   `yaml:"timeout_seconds,omitempty"` // default 900
	Types          map[string]WorkerType `yaml:"types,omitempty"`           // named defaults for worker_dispatch(type=)
}

// WorkerType is a named preset selectable via worker_dispatch(type=).
type WorkerType struct {
	Model          string   `yaml:"model,omitempty"`
	Tools          []string `yaml:"tools,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// QueueConfig tunes the per-channel message queue.
type QueueConfig struct {
	MergeWindowMs int `yaml:"merge_window_ms,omitempty"` // default 5000
	MaxDepth      int `yaml:"max_depth,omitempty"`       // default 10
	RateLimit     int `yaml:"rate_limit,omitempty"`      // messages per user per minute, default 10
}

// CronEntry is an operator-defined synthetic message schedule.
type CronEntry struct {
	Expr    string `yaml:"expr"`    // five-field cron expression
	Message string `yaml:"message"` // text injected into the primary user's channel
}

// TrustConfig pre-approves elevated tools.
type TrustConfig struct {
	ApprovedTools []string `yaml:"approved_tools,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`     // e.g. "localhost:4318"
	ServiceName string `yaml:"service_name,omitempty"` // default "valet"
}

// ApplyDefaults fills zero values with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Agent.Timezone == "" {
		c.Agent.Timezone = "UTC"
	}
	if c.Agent.APIBase == "" {
		c.Agent.APIBase = "https://api.openai.com/v1"
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 8192
	}
	if c.Agent.ContextWindow == 0 {
		c.Agent.ContextWindow = 200000
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Tools.Workers.MaxConcurrent == 0 {
		c.Tools.Workers.MaxConcurrent = 3
	}
	if c.Tools.Workers.TimeoutSeconds == 0 {
		c.Tools.Workers.TimeoutSeconds = 900
	}
	if c.Queue.MergeWindowMs == 0 {
		c.Queue.MergeWindowMs = 5000
	}
	if c.Queue.MaxDepth == 0 {
		c.Queue.MaxDepth = 10
	}
	if c.Queue.RateLimit == 0 {
		c.Queue.RateLimit = 10
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "valet"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model is required")
	}
	if _, err := time.LoadLocation(c.Agent.Timezone); err != nil {
		return fmt.Errorf("agent.timezone %q: %w", c.Agent.Timezone, err)
	}
	return nil
}

// Location returns the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Agent.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MergeWindow returns the burst-merge window as a duration.
func (c *Config) MergeWindow() time.Duration {
	return time.Duration(c.Queue.MergeWindowMs) * time.Millisecond
}
