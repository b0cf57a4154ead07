package channels

import (
	"context"
	"strings"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Channel   string
	ThreadID  string
	ChannelID string
	AuthorID  string
	Text      string
	Metadata  map[string]interface{}
}

// DispatchFunc hands an inbound message to the conversation pipeline and
// returns the reply to send back on the same thread. An empty reply means
// nothing should be sent.
type DispatchFunc func(ctx context.Context, msg InboundMessage) (string, error)

// Channel is a chat transport (telegram, gateway, ...). Thread ids produced
// by a channel are prefixed with its name so replies and notices can be
// routed back.
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, threadID, text string) error
}

// ThreadID joins a channel name and channel-local parts into a thread id.
func ThreadID(channel string, parts ...string) string {
	return strings.Join(append([]string{channel}, parts...), ":")
}

// SplitThreadID returns the channel prefix and the channel-local remainder.
func SplitThreadID(threadID string) (channel, local string) {
	channel, local, _ = strings.Cut(threadID, ":")
	return channel, local
}
