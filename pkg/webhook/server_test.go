package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/threadkeeper/internal/tracing"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatch struct {
	mu       sync.Mutex
	msgs     []channels.InboundMessage
	requests []string
	reply    string
	err      error
}

func (d *recordingDispatch) handle(ctx context.Context, msg channels.InboundMessage) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	d.requests = append(d.requests, tracing.GetThreadID(ctx)+"|"+tracing.GetRequestID(ctx))
	return d.reply, d.err
}

func (d *recordingDispatch) received() []channels.InboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]channels.InboundMessage(nil), d.msgs...)
}

func startServer(t *testing.T, cfg Config, dispatch channels.DispatchFunc) *Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Logger = zerolog.Nop()
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClock()
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), dispatch))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func post(t *testing.T, s *Server, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://"+s.Addr()+s.path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNewServer(t *testing.T) {
	s, err := NewServer(Config{})
	require.NoError(t, err)
	assert.Equal(t, ChannelName, s.Name())
	assert.Equal(t, defaultPath, s.path)
	assert.Equal(t, defaultDispatchTimeout, s.dispatchTimeout)

	_, err = NewServer(Config{Port: 70000})
	assert.Error(t, err)

	_, err = NewServer(Config{Path: "hooks"})
	assert.Error(t, err)
}

func TestServer_StartRequiresDispatch(t *testing.T) {
	s, err := NewServer(Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background(), nil))
}

func TestServer_MessageRoundTrip(t *testing.T) {
	d := &recordingDispatch{reply: "hello back"}
	s := startServer(t, Config{}, d.handle)

	resp := post(t, s, []byte(`{"thread_id":"order-42","author_id":"alice","text":"hello","message_id":"m1"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out MessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "order-42", out.ThreadID)
	assert.Equal(t, "hello back", out.Reply)

	msgs := d.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, ChannelName, msgs[0].Channel)
	assert.Equal(t, "webhook:order-42", msgs[0].ThreadID)
	assert.Equal(t, "order-42", msgs[0].ChannelID)
	assert.Equal(t, "alice", msgs[0].AuthorID)
	assert.Equal(t, "m1", msgs[0].Metadata["message_id"])
	assert.Equal(t, "127.0.0.1", msgs[0].Metadata["remote_addr"])

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []string{"webhook:order-42|m1"}, d.requests)
}

func TestServer_AuthorDefaultsToThread(t *testing.T) {
	d := &recordingDispatch{}
	s := startServer(t, Config{}, d.handle)

	resp := post(t, s, []byte(`{"thread_id":"t1","text":"hi"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msgs := d.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, "t1", msgs[0].AuthorID)
	_, hasID := msgs[0].Metadata["message_id"]
	assert.False(t, hasID)
}

func TestServer_RejectsBadRequests(t *testing.T) {
	d := &recordingDispatch{}
	s := startServer(t, Config{}, d.handle)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"thread_id":`, http.StatusBadRequest},
		{"missing thread", `{"text":"hi"}`, http.StatusBadRequest},
		{"blank text", `{"thread_id":"a","text":"   "}`, http.StatusBadRequest},
		{"too large", `{"thread_id":"a","text":"` + strings.Repeat("x", maxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, s, []byte(tt.body), nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Empty(t, d.received())

	resp, err := http.Get("http://" + s.Addr() + s.path)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Signature(t *testing.T) {
	d := &recordingDispatch{reply: "ok"}
	s := startServer(t, Config{Secret: "s3cret"}, d.handle)
	body := []byte(`{"thread_id":"a","text":"hi"}`)

	resp := post(t, s, body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, s, body, map[string]string{SignatureHeader: Sign("wrong", body)})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, s, body, map[string]string{SignatureHeader: Sign("s3cret", body)})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, d.received(), 1)
}

func TestServer_RateLimit(t *testing.T) {
	d := &recordingDispatch{}
	s := startServer(t, Config{RateLimitPerMinute: 2}, d.handle)
	body := []byte(`{"thread_id":"a","text":"hi"}`)

	assert.Equal(t, http.StatusOK, post(t, s, body, nil).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, s, body, nil).StatusCode)

	resp := post(t, s, body, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))

	other := post(t, s, body, map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.1"})
	assert.Equal(t, http.StatusOK, other.StatusCode)
}

func TestServer_DispatchError(t *testing.T) {
	d := &recordingDispatch{err: errors.New("boom")}
	s := startServer(t, Config{}, d.handle)

	resp := post(t, s, []byte(`{"thread_id":"a","text":"hi"}`), nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_SendPostsSignedNotice(t *testing.T) {
	var (
		mu       sync.Mutex
		got      Notice
		gotSig   string
		gotBytes []byte
	)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		gotBytes = data
		gotSig = r.Header.Get(SignatureHeader)
		_ = json.Unmarshal(data, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer callback.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s, err := NewServer(Config{Secret: "s3cret", CallbackURL: callback.URL, Clock: clock, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), "webhook:order-42", "Are you still there?"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "order-42", got.ThreadID)
	assert.Equal(t, "Are you still there?", got.Text)
	assert.True(t, got.SentAt.Equal(clock.Now()))
	assert.Equal(t, Sign("s3cret", gotBytes), gotSig)
}

func TestServer_SendFailures(t *testing.T) {
	s, err := NewServer(Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Send(context.Background(), "webhook:a", "x"), ErrNoCallback)

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer callback.Close()

	s, err = NewServer(Config{CallbackURL: callback.URL, Logger: zerolog.Nop()})
	require.NoError(t, err)
	err = s.Send(context.Background(), "webhook:a", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestServer_StopIsIdempotent(t *testing.T) {
	d := &recordingDispatch{}
	s := startServer(t, Config{}, d.handle)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(r))
}
