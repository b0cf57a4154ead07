package conversation

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned by Manager.Require for unknown threads.
var ErrSessionNotFound = errors.New("session not found")

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single turn in a thread. It is never modified after creation.
type Message struct {
	ID        string
	Timestamp time.Time
	AuthorID  string
	Content   string
	Role      Role
	ThreadID  string
}

// Session is the server-side record of a thread.
type Session struct {
	ThreadID       string
	ChannelID      string
	OwnerID        string
	CreatedAt      time.Time
	LastActivity   time.Time
	Messages       []Message
	ContextSummary string
	IsActive       bool
	SessionID      string
}

// clone returns a copy that shares no mutable state with s.
func (s *Session) clone() Session {
	out := *s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	return out
}

// IdleFor returns how long the session has been without activity at now.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// Stats is a point-in-time count of sessions.
type Stats struct {
	Active        int    `json:"active_conversations"`
	Total         int    `json:"total_conversations"`
	StorageTarget string `json:"storage_target,omitempty"`
}
