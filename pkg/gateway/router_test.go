package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	req, err := router.ParseRequest([]byte(`{"id":"1","method":"status"}`))
	require.NoError(t, err)
	assert.Equal(t, "2.0", req.JSONRPC)

	_, err = router.ParseRequest([]byte(`{not json`))
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ParseError, rpcErr.Code)

	_, err = router.ParseRequest([]byte(`{"method":"status"}`))
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, InvalidRequest, rpcErr.Code)

	_, err = router.ParseRequest([]byte(`{"id":"1"}`))
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, InvalidRequest, rpcErr.Code)
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	assert.Error(t, router.RegisterMethod("x", "", nil))
	assert.Error(t, router.RegisterMethod("x", `{"type": 12}`, func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, nil
	}))

	require.NoError(t, router.RegisterMethod("b", "", func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }))
	require.NoError(t, router.RegisterMethod("a", "", func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }))
	assert.True(t, router.HasMethod("a"))
	assert.Equal(t, []string{"a", "b"}, router.GetMethods())
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("chat.send", chatSendSchema, func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		return params["text"], nil
	}))
	require.NoError(t, router.RegisterMethod("fail", "", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, &RPCError{Code: InvalidParams, Message: "nope"}
	}))
	require.NoError(t, router.RegisterMethod("boom", "", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("kaboom")
	}))
	ctx := context.Background()

	t.Run("valid params", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "chat.send", Params: map[string]interface{}{
			"thread": "support-1", "text": "hello",
		}})
		assert.Nil(t, resp.Error)
		assert.Equal(t, "hello", resp.Result)
		assert.Equal(t, "1", resp.ID)
	})

	t.Run("schema violation", func(t *testing.T) {
		for _, params := range []map[string]interface{}{
			nil,
			{"thread": "support-1"},
			{"thread": "has space", "text": "x"},
			{"thread": "t", "text": ""},
			{"thread": "t", "text": "x", "extra": true},
			{"thread": "t", "text": 5},
		} {
			resp := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "chat.send", Params: params})
			require.NotNil(t, resp.Error, "%v", params)
			assert.Equal(t, InvalidParams, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Data)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "3", Method: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("handler errors", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "4", Method: "fail"})
		assert.Equal(t, InvalidParams, resp.Error.Code)
		assert.Equal(t, "nope", resp.Error.Message)

		resp = router.RouteRequest(ctx, &RPCRequest{ID: "5", Method: "boom"})
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "kaboom", resp.Error.Message)
	})

	t.Run("nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	require.NoError(t, router.RegisterMethod("count", "", func(context.Context, map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}))

	ctxA := withClientID(context.Background(), "client-a")
	ctxB := withClientID(context.Background(), "client-b")

	first := router.RouteRequest(ctxA, &RPCRequest{ID: "1", Method: "count", IdempotencyKey: "k"})
	replay := router.RouteRequest(ctxA, &RPCRequest{ID: "2", Method: "count", IdempotencyKey: "k"})
	other := router.RouteRequest(ctxB, &RPCRequest{ID: "3", Method: "count", IdempotencyKey: "k"})

	assert.Equal(t, 1, first.Result)
	assert.Equal(t, 1, replay.Result)
	assert.Equal(t, "2", replay.ID)
	assert.Equal(t, 2, other.Result)
	assert.Equal(t, 2, calls)
}
