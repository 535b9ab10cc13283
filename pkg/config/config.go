// Package config loads the hub configuration: a YAML file with
// {{.ENV_VAR}} expansion, a local .env picked up via godotenv, and
// defaults for everything not set.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML strings like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig is the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LLMConfig points at an OpenAI-compatible endpoint (Ollama, vLLM,
// LM Studio, or a hosted provider).
type LLMConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	DefaultModel   string   `yaml:"default_model"`
	GuardianModel  string   `yaml:"guardian_model"`
	FallbackModels []string `yaml:"fallback_models"`
}

// DatabaseConfig selects the sqlite file. Empty path runs volatile.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RuntimeConfig tunes the scheduler and cycle engine.
type RuntimeConfig struct {
	WorkerPoolSize  int      `yaml:"worker_pool_size"`
	QueueSize       int      `yaml:"queue_size"`
	EventRingSize   int      `yaml:"event_ring_size"`
	CycleDeadline   Duration `yaml:"cycle_deadline"`
	ResponseTimeout Duration `yaml:"response_timeout"`
	ToolTimeout     Duration `yaml:"tool_timeout"`
	PMTickInterval  Duration `yaml:"pm_tick_interval"`
	SummarizeAfter  int      `yaml:"summarize_after_tokens"`
	MaxLLMAttempts  int      `yaml:"max_llm_attempts"`
}

// Config is the full hub configuration.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	LLM       LLMConfig      `yaml:"llm"`
	Database  DatabaseConfig `yaml:"database"`
	Runtime   RuntimeConfig  `yaml:"runtime"`
	SessionID string         `yaml:"session_id"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8090},
		LLM: LLMConfig{
			BaseURL:      "http://localhost:11434/v1",
			DefaultModel: "llama3.1",
		},
		Database: DatabaseConfig{Path: "cortex.db"},
		Runtime: RuntimeConfig{
			QueueSize:       128,
			EventRingSize:   1000,
			CycleDeadline:   Duration(5 * time.Minute),
			ResponseTimeout: Duration(30 * time.Second),
			ToolTimeout:     Duration(30 * time.Second),
			PMTickInterval:  Duration(60 * time.Second),
			SummarizeAfter:  6000,
			MaxLLMAttempts:  3,
		},
		SessionID: "default",
	}
}

// Load reads the config file at path on top of the defaults. A missing
// file is not an error; .env in the working directory is applied first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded .env file")
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No config file, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields a running hub cannot do without.
func (c *Config) Validate() error {
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url must be set")
	}
	if c.LLM.DefaultModel == "" {
		return fmt.Errorf("llm.default_model must be set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Runtime.WorkerPoolSize < 0 {
		return fmt.Errorf("runtime.worker_pool_size must not be negative")
	}
	return nil
}
