package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/threadkeeper/internal/observability"
	"github.com/harun/threadkeeper/internal/tracing"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ChannelName prefixes every thread id produced by the webhook channel.
const ChannelName = "webhook"

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Threadkeeper-Signature"

const (
	defaultPath            = "/webhook/messages"
	defaultDispatchTimeout = 60 * time.Second
	maxBodyBytes           = 64 * 1024
	cleanupInterval        = 5 * time.Minute
)

// ErrNoCallback is returned by Send when no callback URL is configured.
var ErrNoCallback = errors.New("webhook callback URL is not configured")

// Server is an HTTP chat channel. Messages are POSTed as JSON and the reply
// comes back in the response body. Notices are POSTed to the callback URL.
type Server struct {
	addr            string
	path            string
	secret          string
	callbackURL     string
	dispatchTimeout time.Duration
	limiter         *RateLimiter
	client          *http.Client
	clock           clockwork.Clock
	logger          zerolog.Logger

	mu             sync.RWMutex
	dispatch       channels.DispatchFunc
	server         *http.Server
	listener       net.Listener
	isShuttingDown bool

	cleanupCancel context.CancelFunc
	cleanupWG     sync.WaitGroup
}

var _ channels.Channel = (*Server)(nil)

// NewServer creates the webhook channel. It does not listen until Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return nil, fmt.Errorf("path must start with /: %q", cfg.Path)
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Server{
		addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		path:            cfg.Path,
		secret:          cfg.Secret,
		callbackURL:     cfg.CallbackURL,
		dispatchTimeout: cfg.DispatchTimeout,
		limiter:         NewRateLimiter(cfg.RateLimitPerMinute, cfg.Clock),
		client:          cfg.Client,
		clock:           cfg.Clock,
		logger:          cfg.Logger.With().Str("component", "webhook").Logger(),
	}, nil
}

// Name returns the channel name.
func (s *Server) Name() string {
	return ChannelName
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleMessage)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("webhook server is already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.dispatch = dispatch
	s.listener = listener
	s.isShuttingDown = false
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("path", s.path).
		Bool("signed", s.secret != "").
		Msg("Starting webhook server")

	srv := s.server
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Webhook server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cleanupCancel = cancel
	s.cleanupWG.Add(1)
	go s.runCleanup(ctx)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	srv := s.server
	s.server = nil
	cancel := s.cleanupCancel
	s.cleanupCancel = nil
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down webhook server")
	cancel()
	s.cleanupWG.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown webhook server: %w", err)
	}

	s.logger.Info().Msg("Webhook server stopped")
	return nil
}

// Send posts a notice for threadID to the callback URL.
func (s *Server) Send(ctx context.Context, threadID, text string) error {
	if s.callbackURL == "" {
		return ErrNoCallback
	}
	_, local := channels.SplitThreadID(threadID)

	body, err := json.Marshal(Notice{
		ThreadID: local,
		Text:     text,
		SentAt:   s.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	dispatch := s.dispatch
	shuttingDown := s.isShuttingDown
	s.mu.RUnlock()
	if dispatch == nil || shuttingDown {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		retryAfter := s.limiter.RetryAfter(ip)
		s.logger.Warn().Str("ip", ip).Int("retry_after", retryAfter).Msg("Rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if s.secret != "" && !verifySignature(body, r.Header.Get(SignatureHeader), s.secret) {
		s.logger.Warn().Str("ip", ip).Msg("Invalid webhook signature")
		observability.RecordSecurityAudit(r.Context(), "webhook_signature", ip, "failure", nil)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req MessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	if req.ThreadID == "" || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "thread_id and text are required", http.StatusBadRequest)
		return
	}

	// A client that hangs up does not abort the turn.
	msg := toInbound(req, ip)
	ctx := tracing.NewRequestContext(tracing.Detach(r.Context()), ChannelName, msg.ThreadID)
	if req.MessageID != "" {
		ctx = tracing.WithRequestID(ctx, req.MessageID)
	}
	ctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	start := s.clock.Now()
	reply, err := dispatch(ctx, msg)
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", req.ThreadID).Msg("Dispatch failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug().
		Str("thread_id", req.ThreadID).
		Str("ip", ip).
		Dur("duration", s.clock.Since(start)).
		Msg("Webhook message handled")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(MessageResponse{ThreadID: req.ThreadID, Reply: reply}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) runCleanup(ctx context.Context) {
	defer s.cleanupWG.Done()

	ticker := s.clock.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			remaining := s.limiter.Cleanup()
			s.logger.Debug().Int("clients", remaining).Msg("Rate limiter pruned")
		}
	}
}

func toInbound(req MessageRequest, ip string) channels.InboundMessage {
	author := req.AuthorID
	if author == "" {
		author = req.ThreadID
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = req.ThreadID
	}

	metadata := map[string]interface{}{"remote_addr": ip}
	if req.MessageID != "" {
		metadata["message_id"] = req.MessageID
	}

	return channels.InboundMessage{
		Channel:   ChannelName,
		ThreadID:  channels.ThreadID(ChannelName, req.ThreadID),
		ChannelID: channelID,
		AuthorID:  author,
		Text:      req.Text,
		Metadata:  metadata,
	}
}

// clientIP prefers proxy headers and falls back to the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
