package daemon

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/threadkeeper/internal/config"
	"github.com/harun/threadkeeper/internal/logger"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/harun/threadkeeper/pkg/responder"
	"github.com/harun/threadkeeper/pkg/storage"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	daemon *Daemon
	direct *channels.DirectChannel
	clock  *clockwork.FakeClock
	blob   *storage.MemoryBlob
	cfg    *config.Config
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Enabled = false
	cfg.Telegram.Enabled = false
	cfg.Tracing.Enabled = false
	cfg.Persona.Watch = false
	cfg.Session.Store = storage.KindMemory
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Output: io.Discard})
	require.NoError(t, err)
	return log
}

// newTestEnv builds a daemon with a direct channel, an in-memory store and a
// fake clock. The daemon is not started.
func newTestEnv(t *testing.T, cfg *config.Config, blob *storage.MemoryBlob, opts ...Option) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	if blob == nil {
		blob = storage.NewMemoryBlob()
	}
	fc := clockwork.NewFakeClockAt(testEpoch)
	direct := channels.NewDirectChannel("direct")

	opts = append([]Option{
		WithClock(fc),
		WithBlob(blob),
		WithChannel(direct),
	}, opts...)

	d, err := New(cfg, testLogger(t), opts...)
	require.NoError(t, err)
	return &testEnv{daemon: d, direct: direct, clock: fc, blob: blob, cfg: cfg}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.daemon.Start())
	t.Cleanup(func() {
		if e.daemon.Status().Running {
			_ = e.daemon.Stop()
		}
	})
}

func (e *testEnv) outboxTexts() []string {
	var out []string
	for _, m := range e.direct.Outbox() {
		out = append(out, m.Text)
	}
	return out
}

// scriptedResponder answers summary prompts with a fixed summary and echoes
// everything else. It records every request.
type scriptedResponder struct {
	mu       sync.Mutex
	requests []responder.Request
	err      error
}

func (r *scriptedResponder) Provider() string { return "scripted" }

func (r *scriptedResponder) Respond(ctx context.Context, req responder.Request) (string, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(req.Prompt, "Summarize") {
		return "the user said hello several times", nil
	}
	return responder.NewEchoResponder().Respond(ctx, req)
}

func (r *scriptedResponder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *scriptedResponder) last() responder.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

var errResponderDown = errors.New("provider unavailable")
