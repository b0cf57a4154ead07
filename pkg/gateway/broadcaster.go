package gateway

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster writes server events to clients.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// SendToThread delivers an event to the client that owns threadID.
func (b *EventBroadcaster) SendToThread(threadID, event string, data interface{}) error {
	client, ok := b.clients.Owner(threadID)
	if !ok {
		return fmt.Errorf("no gateway client is connected for thread %q", threadID)
	}

	msg := b.event(event, data)
	msg.ThreadID = threadID
	if err := client.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to client %s: %w", client.ID, err)
	}
	return nil
}

// Broadcast sends an event to all authenticated clients and returns how
// many received it.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) int {
	msg := b.event(event, data)

	delivered := 0
	for _, client := range b.clients.GetAuthenticatedClients() {
		if err := client.WriteJSON(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Msg("Failed to broadcast to client")
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Msg("Event broadcast complete")

	return delivered
}

func (b *EventBroadcaster) event(event string, data interface{}) EventMessage {
	return EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
		Timestamp: time.Now().UnixMilli(),
	}
}
