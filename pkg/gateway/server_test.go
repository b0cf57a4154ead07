package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/threadkeeper/internal/tracing"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/harun/threadkeeper/pkg/conversation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats struct{ stats conversation.Stats }

func (f fixedStats) Stats() conversation.Stats { return f.stats }

func startServer(t *testing.T, secret string, dispatch channels.DispatchFunc) *Server {
	t.Helper()

	srv, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         0,
		SharedSecret: secret,
		TickInterval: -1,
		Stats:        fixedStats{conversation.Stats{Active: 2, Total: 3, StorageTarget: "memory"}},
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background(), dispatch))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func echoDispatch(_ context.Context, msg channels.InboundMessage) (string, error) {
	return "echo: " + msg.Text, nil
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func authenticate(t *testing.T, conn *websocket.Conn, secret string) string {
	t.Helper()
	hello := readFrame(t, conn)
	require.Equal(t, challengeEvent, hello["event"])
	challenge := hello["challenge"].(string)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: Sign(secret, challenge)}))
	result := readFrame(t, conn)
	require.Equal(t, "auth.success", result["event"])
	return hello["client_id"].(string)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: -1, Stats: fixedStats{}})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 8080})
	assert.Error(t, err)

	srv, err := NewServer(Config{Port: 8080, Stats: fixedStats{}})
	require.NoError(t, err)
	assert.Equal(t, "gateway", srv.Name())
	assert.Error(t, srv.Start(context.Background(), nil))
}

func TestServer_ChatRoundTrip(t *testing.T) {
	var got, traced atomic.Value
	srv := startServer(t, "s3cret", func(ctx context.Context, msg channels.InboundMessage) (string, error) {
		got.Store(msg)
		traced.Store(tracing.GetChannel(ctx) + "|" + tracing.GetThreadID(ctx))
		return echoDispatch(ctx, msg)
	})
	conn := dial(t, srv)
	clientID := authenticate(t, conn, "s3cret")

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "1",
		Method: "chat.send",
		Params: map[string]interface{}{"thread": "support-7", "text": "hello", "author": "alice"},
	}))

	resp := readFrame(t, conn)
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "gateway:support-7", result["thread_id"])
	assert.Equal(t, "echo: hello", result["reply"])

	msg := got.Load().(channels.InboundMessage)
	assert.Equal(t, "gateway", msg.Channel)
	assert.Equal(t, "gateway:support-7", msg.ThreadID)
	assert.Equal(t, "support-7", msg.ChannelID)
	assert.Equal(t, "alice", msg.AuthorID)
	assert.Equal(t, clientID, msg.Metadata["client_id"])
	assert.Equal(t, "gateway|gateway:support-7", traced.Load())

	// Notices for the thread go to the client that wrote on it.
	require.NoError(t, srv.Send(context.Background(), "gateway:support-7", "are you still there?"))
	notice := readFrame(t, conn)
	assert.Equal(t, noticeEvent, notice["event"])
	assert.Equal(t, "gateway:support-7", notice["thread_id"])
	assert.Equal(t, "are you still there?", notice["data"].(map[string]interface{})["text"])

	assert.Error(t, srv.Send(context.Background(), "gateway:unknown", "hi"))

	clients := srv.GetConnectedClients()
	require.Len(t, clients, 1)
	assert.Equal(t, []string{"gateway:support-7"}, clients[0].Threads)
}

func TestServer_RequiresAuthentication(t *testing.T) {
	srv := startServer(t, "s3cret", echoDispatch)
	conn := dial(t, srv)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "status"}))
	resp := readFrame(t, conn)
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(AuthenticationRequired), errObj["code"])
}

func TestServer_ClosesAfterFailedAuth(t *testing.T) {
	srv := startServer(t, "s3cret", echoDispatch)
	conn := dial(t, srv)
	readFrame(t, conn)

	for i := 0; i < maxAuthAttempts; i++ {
		require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
		result := readFrame(t, conn)
		assert.Equal(t, "auth.failure", result["event"])
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_NoSecretSkipsHandshake(t *testing.T) {
	srv := startServer(t, "", echoDispatch)
	conn := dial(t, srv)

	hello := readFrame(t, conn)
	assert.Equal(t, readyEvent, hello["event"])
	assert.NotEmpty(t, hello["client_id"])

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "s", Method: "status"}))
	resp := readFrame(t, conn)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, float64(2), result["active_conversations"])
	assert.Equal(t, float64(1), result["gateway_clients"])
}

func TestServer_InvalidFrames(t *testing.T) {
	srv := startServer(t, "", echoDispatch)
	conn := dial(t, srv)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{oops`)))
	resp := readFrame(t, conn)
	assert.Equal(t, float64(ParseError), resp["error"].(map[string]interface{})["code"])

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "2", Method: "chat.send", Params: map[string]interface{}{"thread": "x"}}))
	resp = readFrame(t, conn)
	assert.Equal(t, float64(InvalidParams), resp["error"].(map[string]interface{})["code"])
}

func TestServer_HTTPEndpoints(t *testing.T) {
	srv := startServer(t, "s3cret", echoDispatch)
	base := "http://" + srv.Addr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, base+"/stats", nil)
	require.NoError(t, err)
	req.Header.Set(secretHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, float64(2), payload["active_conversations"])
	assert.Equal(t, float64(3), payload["total_conversations"])
	assert.Equal(t, "memory", payload["storage_target"])

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "# HELP"))
}

func TestServer_StopNotifiesClients(t *testing.T) {
	srv, err := NewServer(Config{Host: "127.0.0.1", TickInterval: -1, Stats: fixedStats{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background(), echoDispatch))
	conn := dial(t, srv)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.NoError(t, srv.Stop(ctx))

	frame := readFrame(t, conn)
	assert.Equal(t, shutdownEvent, frame["event"])
}
