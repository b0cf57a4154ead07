package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/threadkeeper/pkg/storage"
)

// Config represents the threadkeeper configuration
type Config struct {
	// Telegram
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Gateway (websocket clients, stats, metrics)
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Webhook (HTTP chat channel)
	Webhook WebhookConfig `json:"webhook" mapstructure:"webhook"`

	// Session lifecycle
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Reply generation
	Responder ResponderConfig `json:"responder" mapstructure:"responder"`

	// Persona texts
	Persona PersonaConfig `json:"persona" mapstructure:"persona"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"` // empty allows everyone
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// WebhookConfig holds the HTTP webhook channel configuration
type WebhookConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Port        int    `json:"port" mapstructure:"port"`
	Host        string `json:"host" mapstructure:"host"`
	Path        string `json:"path" mapstructure:"path"`
	Secret      string `json:"secret" mapstructure:"secret"`             // HMAC-SHA256 key, empty disables signatures
	CallbackURL string `json:"callback_url" mapstructure:"callback_url"` // where inactivity notices are posted
	RateLimit   int    `json:"rate_limit" mapstructure:"rate_limit"`     // requests per minute per client
}

// SessionConfig holds conversation lifecycle settings
type SessionConfig struct {
	WarnAfterSeconds     int    `json:"warn_after_seconds" mapstructure:"warn_after_seconds"`
	CloseAfterSeconds    int    `json:"close_after_seconds" mapstructure:"close_after_seconds"`
	AutoCloseMinutes     int    `json:"auto_close_minutes" mapstructure:"auto_close_minutes"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds" mapstructure:"sweep_interval_seconds"`
	SnapshotSchedule     string `json:"snapshot_schedule" mapstructure:"snapshot_schedule"`
	MaxContextMessages   int    `json:"max_context_messages" mapstructure:"max_context_messages"`
	SummaryEvery         int    `json:"summary_every" mapstructure:"summary_every"` // 0 disables summaries

	Store        string `json:"store" mapstructure:"store"` // file, sqlite, redis, memory
	SnapshotPath string `json:"snapshot_path" mapstructure:"snapshot_path"`
	SQLitePath   string `json:"sqlite_path" mapstructure:"sqlite_path"`
	RedisURL     string `json:"redis_url" mapstructure:"redis_url"`
	RedisKey     string `json:"redis_key" mapstructure:"redis_key"`
}

// ResponderConfig selects the reply generator
type ResponderConfig struct {
	Provider       string `json:"provider" mapstructure:"provider"` // echo, openai, anthropic
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	Model          string `json:"model" mapstructure:"model"`
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	MaxTokens      int    `json:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// PersonaConfig points at an optional YAML persona file
type PersonaConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB, 0 disables rotation
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig toggles the OpenTelemetry tracer provider
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Enabled:   false,
			Allowlist: []int64{},
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Port:    8080,
			Host:    "127.0.0.1",
		},
		Webhook: WebhookConfig{
			Enabled:   false,
			Port:      8081,
			Host:      "127.0.0.1",
			Path:      "/webhook/messages",
			RateLimit: 60,
		},
		Session: SessionConfig{
			WarnAfterSeconds:     180,
			CloseAfterSeconds:    120,
			AutoCloseMinutes:     5,
			SweepIntervalSeconds: 60,
			SnapshotSchedule:     "@every 5m",
			MaxContextMessages:   10,
			SummaryEvery:         10,
			Store:                storage.KindFile,
		},
		Responder: ResponderConfig{
			Provider:       "echo",
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
		Persona: PersonaConfig{
			Watch: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "threadkeeper",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

func (s SessionConfig) WarnAfter() time.Duration {
	return time.Duration(s.WarnAfterSeconds) * time.Second
}

func (s SessionConfig) CloseAfter() time.Duration {
	return time.Duration(s.CloseAfterSeconds) * time.Second
}

func (s SessionConfig) AutoCloseAfter() time.Duration {
	return time.Duration(s.AutoCloseMinutes) * time.Minute
}

func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// StorageConfig maps the session store settings onto a blob config.
func (s SessionConfig) StorageConfig() storage.Config {
	return storage.Config{
		Kind:       s.Store,
		Path:       s.SnapshotPath,
		SQLitePath: s.SQLitePath,
		RedisURL:   s.RedisURL,
		RedisKey:   s.RedisKey,
	}
}

func (r ResponderConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Validate checks if the configuration is valid. Only these errors abort
// startup.
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}
