package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/harun/threadkeeper/pkg/storage"
	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	switch provider {
	case "echo", "":
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates the responder provider name
func (v *Validator) ValidateProvider(provider string) error {
	return oneOf("responder provider", provider, []string{"echo", "openai", "anthropic"}, true)
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"debug", "info", "warn", "error"}, false)
}

// ValidateStore validates the session store kind
func (v *Validator) ValidateStore(kind string) error {
	return oneOf("session store", kind, storage.Kinds, true)
}

// ValidateSchedule validates a snapshot schedule expression
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid snapshot schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateSession validates the lifecycle durations. The sweeper must not
// close a thread before the warning and close timers had their chance.
func (v *Validator) ValidateSession(s SessionConfig) []error {
	var errs []error
	if s.WarnAfterSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.warn_after_seconds must be > 0"))
	}
	if s.CloseAfterSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.close_after_seconds must be > 0"))
	}
	if s.AutoCloseMinutes <= 0 {
		errs = append(errs, fmt.Errorf("session.auto_close_minutes must be > 0"))
	}
	if s.SweepIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval_seconds must be > 0"))
	}
	if s.MaxContextMessages < 0 {
		errs = append(errs, fmt.Errorf("session.max_context_messages must be >= 0"))
	}
	if s.SummaryEvery < 0 {
		errs = append(errs, fmt.Errorf("session.summary_every must be >= 0"))
	}
	if len(errs) == 0 && s.WarnAfter()+s.CloseAfter() > s.AutoCloseAfter() {
		errs = append(errs, fmt.Errorf("session.auto_close_minutes (%s) must be at least warn_after + close_after (%s)",
			s.AutoCloseAfter(), s.WarnAfter()+s.CloseAfter()))
	}
	if err := v.ValidateStore(s.Store); err != nil {
		errs = append(errs, err)
	}
	if s.Store == storage.KindRedis && s.RedisURL == "" {
		errs = append(errs, fmt.Errorf("session.redis_url is required for the redis store"))
	}
	if err := v.ValidateSchedule(s.SnapshotSchedule); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// ValidateWebhook checks the webhook channel settings.
func (v *Validator) ValidateWebhook(w WebhookConfig) []error {
	var errs []error
	if w.Port <= 0 || w.Port > 65535 {
		errs = append(errs, fmt.Errorf("webhook.port must be between 1 and 65535"))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Errorf("webhook.path must start with /"))
	}
	if w.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("webhook.rate_limit must be >= 0"))
	}
	if w.CallbackURL != "" {
		u, err := url.Parse(w.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhook.callback_url must be an http(s) URL"))
		}
	}
	return errs
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateProvider(cfg.Responder.Provider); err != nil {
		errs = append(errs, err)
	} else if err := v.ValidateAPIKey(cfg.Responder.APIKey, cfg.Responder.Provider); err != nil {
		errs = append(errs, fmt.Errorf("responder: %w", err))
	}
	if cfg.Responder.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("responder.max_tokens must be >= 0"))
	}

	if cfg.Telegram.Enabled {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Gateway.Enabled && (cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535) {
		errs = append(errs, fmt.Errorf("gateway.port must be between 1 and 65535"))
	}

	if cfg.Webhook.Enabled {
		errs = append(errs, v.ValidateWebhook(cfg.Webhook)...)
	}

	if !cfg.Telegram.Enabled && !cfg.Gateway.Enabled && !cfg.Webhook.Enabled {
		errs = append(errs, fmt.Errorf("at least one channel (telegram, gateway or webhook) must be enabled"))
	}

	errs = append(errs, v.ValidateSession(cfg.Session)...)

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func oneOf(what, value string, valid []string, allowEmpty bool) error {
	if value == "" && allowEmpty {
		return nil
	}
	for _, candidate := range valid {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", what, value, strings.Join(valid, ", "))
}
