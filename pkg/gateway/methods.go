package gateway

import (
	"context"
	"fmt"

	"github.com/harun/threadkeeper/internal/tracing"
	"github.com/harun/threadkeeper/pkg/channels"
)

// ChatSendResult is returned by chat.send.
type ChatSendResult struct {
	ThreadID string `json:"thread_id"`
	Reply    string `json:"reply,omitempty"`
}

func (s *Server) registerBuiltinMethods() error {
	if err := s.router.RegisterMethod("chat.send", chatSendSchema, s.handleChatSend); err != nil {
		return err
	}
	return s.router.RegisterMethod("status", emptySchema, s.handleStatus)
}

// handleChatSend hands a message to the pipeline and returns the reply.
// The calling client becomes the owner of the thread, so later notices
// for it are pushed to this connection.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	dispatch := s.currentDispatch()
	if dispatch == nil {
		return nil, fmt.Errorf("gateway is not started")
	}

	clientID := clientIDFromContext(ctx)
	thread, _ := params["thread"].(string)
	text, _ := params["text"].(string)
	author, _ := params["author"].(string)
	if author == "" {
		author = clientID
	}

	threadID := channels.ThreadID(ChannelName, thread)
	s.clients.Bind(threadID, clientID)

	ctx = tracing.NewRequestContext(ctx, ChannelName, threadID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("clientId", clientID).
		Msg("Gateway message received")

	reply, err := dispatch(ctx, channels.InboundMessage{
		Channel:   ChannelName,
		ThreadID:  threadID,
		ChannelID: thread,
		AuthorID:  author,
		Text:      text,
		Metadata: map[string]interface{}{
			"client_id": clientID,
		},
	})
	if err != nil {
		return nil, err
	}

	return ChatSendResult{ThreadID: threadID, Reply: reply}, nil
}

func (s *Server) handleStatus(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.statusPayload(), nil
}
