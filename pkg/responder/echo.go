package responder

import (
	"context"
	"strings"
)

// EchoResponder replies with the last line of the prompt. It needs no
// credentials and is the default when no provider is configured.
type EchoResponder struct{}

func NewEchoResponder() *EchoResponder {
	return &EchoResponder{}
}

func (r *EchoResponder) Provider() string {
	return ProviderEcho
}

func (r *EchoResponder) Respond(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(req.Prompt), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if i := strings.Index(last, ": "); i >= 0 {
		last = last[i+2:]
	}
	return "You said: " + last, nil
}
