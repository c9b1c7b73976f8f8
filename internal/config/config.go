// Package config handles Stepwise configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultQuery is the problem posed to the model when neither the
// config file nor the command line supplies one.
const DefaultQuery = "Solve this problem (10+2)/2. Let's think step by step."

// MaxIterationsCeiling bounds loop.max_iterations. Runs longer than
// this are almost certainly a model drifting rather than making progress.
const MaxIterationsCeiling = 100

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./stepwise.yaml, ~/.config/stepwise/config.yaml, /etc/stepwise/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"stepwise.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "stepwise", "config.yaml"))
	}

	paths = append(paths, "/etc/stepwise/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no explicit path was given
// and none of the default search paths exist. Callers may fall back to
// [Default].
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Stepwise configuration.
type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Gollm      GollmConfig      `yaml:"gollm"`
	ToolServer ToolServerConfig `yaml:"tool_server"`
	Loop       LoopConfig       `yaml:"loop"`
	Query      string           `yaml:"query"`

	// NotifyEmail is the recipient shown in the send_email example of
	// the system prompt.
	NotifyEmail string `yaml:"notify_email"`

	Usage     UsageConfig `yaml:"usage"`
	MQTT      MQTTConfig  `yaml:"mqtt"`
	LogLevel  string      `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
}

// ModelConfig selects the model that drives the directive loop.
type ModelConfig struct {
	// Provider is one of gemini, anthropic, ollama or gollm.
	Provider string `yaml:"provider"`
	// Name is the provider-specific model identifier.
	Name string `yaml:"name"`
}

// EvaluationConfig controls the one-shot critique issued when the model
// reports completion.
type EvaluationConfig struct {
	// Enabled turns the critique call on. Defaults to true.
	Enabled *bool `yaml:"enabled"`
	// Model overrides the critique model. Empty means the loop model.
	Model ModelConfig `yaml:"model"`
}

// IsEnabled reports whether terminal evaluation should run.
func (c EvaluationConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// GeminiConfig defines Google Generative Language API settings.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether a Gemini API key is present.
func (c GeminiConfig) Configured() bool { return c.APIKey != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an Anthropic API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// GollmConfig routes generation through gollm for providers without a
// native client here (openai, groq, mistral, ...).
type GollmConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
}

// Configured reports whether a gollm backend provider was named.
func (c GollmConfig) Configured() bool { return c.Provider != "" }

// ToolServerConfig describes how to reach the MCP tool server. Exactly
// one of Command (stdio subprocess) or URL (streamable HTTP) is used;
// Command wins when both are set.
type ToolServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     []string          `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// ConnectAttempts is how many times the MCP handshake is tried,
	// with exponential backoff, before startup fails. Defaults to 1.
	ConnectAttempts int `yaml:"connect_attempts"`
}

// Transport returns "stdio" or "http" according to which fields are set.
func (c ToolServerConfig) Transport() string {
	if c.Command != "" {
		return "stdio"
	}
	return "http"
}

// LoopConfig bounds the directive loop.
type LoopConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	// GenerationRetries and ToolRetries are extra attempts after the
	// first failure. Zero (the default) means a failure ends the run.
	GenerationRetries int           `yaml:"generation_retries"`
	ToolRetries       int           `yaml:"tool_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	// LenientFields accepts directives with missing fields, treating
	// them as empty. Off by default: missing fields fail the parse.
	LenientFields bool `yaml:"lenient_fields"`
}

// UsageConfig controls the token usage ledger.
type UsageConfig struct {
	// Path is the SQLite database file. Empty disables the ledger.
	Path string `yaml:"path"`

	// Pricing maps model names to per-million-token rates. Models not
	// listed are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry holds per-million-token rates in USD.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// MQTTConfig defines the optional broker that receives run events.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether an MQTT broker URL is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Load reads configuration from a YAML file. Environment variables in
// the form ${VAR} are expanded before parsing, so secrets can stay out
// of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is found. It
// mirrors the classic setup: Gemini Flash with the key taken from
// GOOGLE_API_KEY and a Python paint server on stdio.
func Default() *Config {
	cfg := &Config{
		Gemini: GeminiConfig{APIKey: os.Getenv("GOOGLE_API_KEY")},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Model.Provider == "" {
		c.Model.Provider = "gemini"
	}
	if c.Model.Name == "" {
		c.Model.Name = defaultModelFor(c.Model.Provider)
	}
	if c.Evaluation.Model.Provider == "" {
		c.Evaluation.Model = c.Model
	} else if c.Evaluation.Model.Name == "" {
		c.Evaluation.Model.Name = defaultModelFor(c.Evaluation.Model.Provider)
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.ToolServer.Name == "" {
		c.ToolServer.Name = "paint"
	}
	if c.ToolServer.Command == "" && c.ToolServer.URL == "" {
		c.ToolServer.Command = "python"
		c.ToolServer.Args = []string{"paint_mcp.py"}
	}
	if c.ToolServer.ConnectAttempts == 0 {
		c.ToolServer.ConnectAttempts = 1
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 6
	}
	if c.Loop.GenerationTimeout == 0 {
		c.Loop.GenerationTimeout = 10 * time.Second
	}
	if c.Loop.ToolTimeout == 0 {
		c.Loop.ToolTimeout = 30 * time.Second
	}
	if c.Loop.RetryDelay == 0 {
		c.Loop.RetryDelay = time.Second
	}
	if c.Query == "" {
		c.Query = DefaultQuery
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "stepwise"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "stepwise"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-20250514"
	case "ollama":
		return "qwen3:4b"
	case "gollm":
		return "gpt-4o-mini"
	default:
		return "gemini-2.0-flash"
	}
}

// Validate checks the config for values that would make a run
// impossible. It is called by Load after defaults are applied.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}
	for _, m := range []ModelConfig{c.Model, c.Evaluation.Model} {
		switch m.Provider {
		case "gemini", "anthropic", "ollama", "gollm":
		default:
			return fmt.Errorf("unknown model provider %q (valid: gemini, anthropic, ollama, gollm)", m.Provider)
		}
	}
	if (c.Model.Provider == "gollm" || c.Evaluation.Model.Provider == "gollm") && !c.Gollm.Configured() {
		return fmt.Errorf("model provider gollm requires gollm.provider")
	}
	if c.Loop.MaxIterations < 1 || c.Loop.MaxIterations > MaxIterationsCeiling {
		return fmt.Errorf("loop.max_iterations must be between 1 and %d, got %d", MaxIterationsCeiling, c.Loop.MaxIterations)
	}
	if c.Loop.GenerationTimeout < 0 || c.Loop.ToolTimeout < 0 || c.Loop.RetryDelay < 0 {
		return fmt.Errorf("loop timeouts must not be negative")
	}
	if c.Loop.GenerationRetries < 0 || c.Loop.ToolRetries < 0 {
		return fmt.Errorf("loop retries must not be negative")
	}
	if c.ToolServer.Command == "" && c.ToolServer.URL == "" {
		return fmt.Errorf("tool_server needs a command or a url")
	}
	if c.ToolServer.ConnectAttempts < 1 {
		return fmt.Errorf("tool_server.connect_attempts must be at least 1, got %d", c.ToolServer.ConnectAttempts)
	}
	return nil
}
