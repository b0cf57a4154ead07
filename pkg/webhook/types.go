package webhook

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// MessageRequest is the body of an inbound message. ThreadID is local to
// the caller; the channel prefixes it.
type MessageRequest struct {
	ThreadID  string `json:"thread_id"`
	AuthorID  string `json:"author_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

// MessageResponse carries the reply generated for a MessageRequest.
type MessageResponse struct {
	ThreadID string `json:"thread_id"`
	Reply    string `json:"reply,omitempty"`
}

// Notice is posted to the callback URL when the daemon speaks first, such
// as an inactivity warning.
type Notice struct {
	ThreadID string    `json:"thread_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

// Config configures the webhook channel.
type Config struct {
	Host string
	Port int // 0 picks a free port
	Path string

	// Secret signs requests in both directions with HMAC-SHA256. Empty
	// disables signature checks.
	Secret string

	// CallbackURL receives notices. Without it notices are undeliverable.
	CallbackURL string

	RateLimitPerMinute int
	DispatchTimeout    time.Duration
	Client             *http.Client
	Clock              clockwork.Clock
	Logger             zerolog.Logger
}
