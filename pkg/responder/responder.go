// Package responder produces assistant replies from a conversation prompt.
package responder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/threadkeeper/internal/observability"
	"github.com/harun/threadkeeper/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderEcho      = "echo"

	DefaultMaxTokens = 1024
)

// Request is one generation call.
type Request struct {
	ThreadID  string
	System    string
	Prompt    string
	MaxTokens int
}

// Responder turns a prompt into a reply.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
	Provider() string
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// New builds the responder named by cfg.Provider, wrapped with metrics and
// tracing.
func New(cfg Config) (Responder, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	var r Responder
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai responder requires an API key")
		}
		r = NewOpenAIResponder(cfg)
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic responder requires an API key")
		}
		r = NewAnthropicResponder(cfg)
	case ProviderEcho, "":
		r = NewEchoResponder()
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	return Instrument(r, cfg.Timeout), nil
}

type instrumented struct {
	next    Responder
	timeout time.Duration
}

// Instrument records latency and outcome of every call and applies timeout
// when it is positive.
func Instrument(r Responder, timeout time.Duration) Responder {
	return &instrumented{next: r, timeout: timeout}
}

func (i *instrumented) Provider() string {
	return i.next.Provider()
}

func (i *instrumented) Respond(ctx context.Context, req Request) (string, error) {
	ctx, span := tracing.StartThreadSpan(ctx, tracing.TracerPipeline, "responder.respond", req.ThreadID,
		attribute.String("provider", i.next.Provider()),
		attribute.Int("prompt_length", len(req.Prompt)),
	)
	defer span.End()

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := i.next.Respond(ctx, req)
	if err == nil && strings.TrimSpace(out) == "" {
		err = fmt.Errorf("%s returned an empty reply", i.next.Provider())
	}
	observability.RecordResponder(i.next.Provider(), time.Since(start), err == nil)
	if err != nil {
		tracing.RecordError(span, err)
		return "", err
	}
	return out, nil
}
