package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/threadkeeper/internal/observability"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/harun/threadkeeper/pkg/conversation"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ChannelName prefixes every thread id produced by the gateway.
const ChannelName = "gateway"

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 * 1024
	secretHeader   = "X-Threadkeeper-Secret"
	defaultTick    = 30 * time.Second
	noticeEvent    = "chat.notice"
	shutdownEvent  = "server.shutdown"
	tickEvent      = "tick"
	readyEvent     = "auth.ready"
	challengeEvent = "auth.challenge"
)

// StatsSource reports session counts for /stats and the status method.
type StatsSource interface {
	Stats() conversation.Stats
}

// Server is the websocket gateway. It is a chat channel for websocket
// clients and also serves /stats, /metrics and /healthz.
type Server struct {
	addr         string
	tickInterval time.Duration
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	router       *RPCRouter
	authHandler  *AuthHandler
	broadcaster  *EventBroadcaster
	stats        StatsSource
	rpm          int
	logger       zerolog.Logger

	mu             sync.RWMutex
	dispatch       channels.DispatchFunc
	server         *http.Server
	listener       net.Listener
	isShuttingDown bool
	startedAt      time.Time

	connWG     sync.WaitGroup
	tickCancel context.CancelFunc
	tickWG     sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int // 0 picks a free port
	SharedSecret string
	TickInterval time.Duration
	// RequestsPerMinute limits each client. Zero uses the default.
	RequestsPerMinute int
	Stats             StatsSource
	Logger            zerolog.Logger
}

var _ channels.Channel = (*Server)(nil)

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Stats == nil {
		return nil, fmt.Errorf("stats source is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaultTick
	}

	clients := NewClientRegistry()
	logger := cfg.Logger.With().Str("component", "gateway").Logger()

	s := &Server{
		addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tickInterval: cfg.TickInterval,
		clients:      clients,
		router:       NewRPCRouter(),
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, logger),
		stats:        cfg.Stats,
		rpm:          cfg.RequestsPerMinute,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if err := s.registerBuiltinMethods(); err != nil {
		return nil, err
	}

	return s, nil
}

// Name returns the channel name.
func (s *Server) Name() string {
	return ChannelName
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", observability.MetricsHandler())
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
		return fmt.Errorf("gateway is already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.dispatch = dispatch
	s.listener = listener
	s.isShuttingDown = false
	s.startedAt = time.Now()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	srv := s.server
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
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

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast(shutdownEvent, map[string]interface{}{
		"message": "Server is shutting down",
	})

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

// Send delivers a notice to the client that last wrote on threadID.
func (s *Server) Send(_ context.Context, threadID, text string) error {
	return s.broadcaster.SendToThread(threadID, noticeEvent, map[string]interface{}{
		"text": text,
	})
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(event string, data interface{}) int {
	return s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an additional RPC method.
func (s *Server) RegisterMethod(name, schema string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, schema, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast(tickEvent, map[string]interface{}{"status": "alive"})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) currentDispatch() channels.DispatchFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatch
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	shuttingDown := s.isShuttingDown
	s.mu.RUnlock()
	if shuttingDown {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		conn.Close()
		return
	}

	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.rpm, 0),
		lastActivity: now,
		state:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	s.connWG.Add(1)
	go s.handleClient(client)
}

// sendAuthChallenge greets the client with its id and, when a secret is
// configured, a challenge to sign.
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.Challenge(client)
	if err != nil {
		return err
	}

	msg := AuthChallenge{Event: readyEvent, ClientID: client.ID}
	if challenge != "" {
		msg.Event = challengeEvent
		msg.Challenge = challenge
	}
	return client.WriteJSON(msg)
}

// handleClient reads frames until the connection closes. Frames from one
// client are handled in order.
func (s *Server) handleClient(client *Client) {
	defer s.connWG.Done()
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		client.touch(time.Now())
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage handles a single frame. It returns false when the
// connection should be dropped.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	allowed, code, reason := client.RateLimiter.Acquire()
	if !allowed {
		s.sendError(client, req.ID, code, reason)
		return true
	}
	defer client.RateLimiter.Release()

	ctx := withClientID(context.Background(), client.ID)
	response := s.router.RouteRequest(ctx, req)
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Str("requestId", req.ID).
			Msg("Failed to send response")
	}
	return true
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Success {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return true
	}

	s.logger.Warn().
		Str("clientId", client.ID).
		Str("reason", result.Message).
		Msg("Authentication failed")
	observability.RecordSecurityAudit(context.Background(), "gateway_auth", client.IPAddress, "failure", map[string]interface{}{
		"client_id": client.ID,
		"reason":    result.Message,
	})

	client.mu.Lock()
	attempts := client.authAttempts
	client.mu.Unlock()
	return attempts < maxAuthAttempts
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, code, message, nil)); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// handleStats reports session counts. The shared secret, when configured,
// is expected in the X-Threadkeeper-Secret header.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(secretHeader)) {
		observability.RecordSecurityAudit(r.Context(), "stats_auth", r.RemoteAddr, "failure", nil)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.statusPayload()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode stats")
	}
}

// StatusPayload is the body of /stats and the status method.
type StatusPayload struct {
	conversation.Stats
	Clients       int   `json:"gateway_clients"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (s *Server) statusPayload() StatusPayload {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	payload := StatusPayload{
		Stats:   s.stats.Stats(),
		Clients: s.clients.Count(),
	}
	if !startedAt.IsZero() {
		payload.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return payload
}
