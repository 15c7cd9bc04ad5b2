// Package config loads atelier configuration from a YAML file with
// environment overrides. Durations are configured as strings ("100ms",
// "5s") and parsed through accessor methods so a malformed value falls
// back to the documented default instead of failing the whole load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default model tiers for the native Gemini backend.
const (
	DefaultProModel   = "gemini-2.5-pro"
	DefaultFlashModel = "gemini-2.5-flash"
	DefaultLiteModel  = "gemini-2.5-flash-lite"
	DefaultImageModel = "gemini-2.5-flash-image-preview"
	DefaultVideoModel = "veo-3.0-generate-001"
)

// Config holds all atelier configuration.
type Config struct {
	Provider  string          `yaml:"provider"` // gemini, bridge
	Gemini    GeminiConfig    `yaml:"gemini"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Video     VideoConfig     `yaml:"video"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GeminiConfig configures the native multimodal backend.
type GeminiConfig struct {
	APIKey     string `yaml:"api_key"`
	ProModel   string `yaml:"pro_model"`
	FlashModel string `yaml:"flash_model"`
	LiteModel  string `yaml:"lite_model"`
	ImageModel string `yaml:"image_model"`
	VideoModel string `yaml:"video_model"`
}

// BridgeConfig configures the OpenAI-compatible REST bridge backend.
type BridgeConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ChatModel  string `yaml:"chat_model"`
	ImageModel string `yaml:"image_model"`
	VideoModel string `yaml:"video_model"`
	Timeout    string `yaml:"timeout"`
}

// SchedulerConfig configures the request scheduler.
type SchedulerConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	Spacing       string `yaml:"spacing"` // minimum inter-start spacing
}

// RetryConfig configures the resilient call wrapper.
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	BaseDelay  string `yaml:"base_delay"`
}

// VideoConfig configures video job polling.
type VideoConfig struct {
	PollInterval string `yaml:"poll_interval"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the categorized logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Provider: "gemini",
		Gemini: GeminiConfig{
			ProModel:   DefaultProModel,
			FlashModel: DefaultFlashModel,
			LiteModel:  DefaultLiteModel,
			ImageModel: DefaultImageModel,
			VideoModel: DefaultVideoModel,
		},
		Bridge: BridgeConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o",
			ImageModel: "gpt-image-1",
			VideoModel: "sora-2",
			Timeout:    "10m",
		},
		Scheduler: SchedulerConfig{MaxConcurrent: 3, Spacing: "100ms"},
		Retry:     RetryConfig{MaxRetries: 3, BaseDelay: "1s"},
		Video:     VideoConfig{PollInterval: "5s"},
		Server:    ServerConfig{Addr: ":8432"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over file values. ATELIER_* wins
// over the file; the bare GEMINI_API_KEY is honored as a convenience
// because the SDK documents it.
func (c *Config) applyEnv() {
	if v := os.Getenv("ATELIER_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("ATELIER_GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Gemini.APIKey == "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("ATELIER_BRIDGE_API_KEY"); v != "" {
		c.Bridge.APIKey = v
	}
	if v := os.Getenv("ATELIER_BRIDGE_BASE_URL"); v != "" {
		c.Bridge.BaseURL = v
	}
	if v := os.Getenv("ATELIER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ATELIER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	switch c.Provider {
	case "gemini", "bridge":
	default:
		return fmt.Errorf("unknown provider %q (want gemini or bridge)", c.Provider)
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be >= 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SpacingDuration returns the scheduler pacing floor.
func (c *Config) SpacingDuration() time.Duration {
	return parseDuration(c.Scheduler.Spacing, 100*time.Millisecond)
}

// BaseDelayDuration returns the retry backoff base.
func (c *Config) BaseDelayDuration() time.Duration {
	return parseDuration(c.Retry.BaseDelay, time.Second)
}

// PollIntervalDuration returns the video poll interval.
func (c *Config) PollIntervalDuration() time.Duration {
	return parseDuration(c.Video.PollInterval, 5*time.Second)
}

// BridgeTimeoutDuration returns the bridge HTTP client timeout.
func (c *Config) BridgeTimeoutDuration() time.Duration {
	return parseDuration(c.Bridge.Timeout, 10*time.Minute)
}
