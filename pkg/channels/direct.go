package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Outbound is a message sent through a DirectChannel.
type Outbound struct {
	ThreadID string
	Text     string
}

// DirectChannel delivers messages handed to it in-process and keeps what it
// sends in memory. It backs local tooling and tests.
type DirectChannel struct {
	name string

	mu       sync.Mutex
	dispatch DispatchFunc
	outbox   []Outbound
}

// NewDirectChannel creates a direct channel by name.
func NewDirectChannel(name string) *DirectChannel {
	return &DirectChannel{name: strings.TrimSpace(name)}
}

// Name returns channel name.
func (c *DirectChannel) Name() string {
	return c.name
}

// Start validates dispatcher availability.
func (c *DirectChannel) Start(_ context.Context, dispatch DispatchFunc) error {
	if strings.TrimSpace(c.name) == "" {
		return fmt.Errorf("channel name is required")
	}
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	c.mu.Lock()
	c.dispatch = dispatch
	c.mu.Unlock()
	return nil
}

// Stop drops the dispatcher.
func (c *DirectChannel) Stop(_ context.Context) error {
	c.mu.Lock()
	c.dispatch = nil
	c.mu.Unlock()
	return nil
}

// Send records text in the outbox.
func (c *DirectChannel) Send(_ context.Context, threadID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox = append(c.outbox, Outbound{ThreadID: threadID, Text: text})
	return nil
}

// Deliver dispatches a message as if it had arrived on this channel and
// sends the reply.
func (c *DirectChannel) Deliver(ctx context.Context, threadID, authorID, text string) (string, error) {
	c.mu.Lock()
	dispatch := c.dispatch
	c.mu.Unlock()
	if dispatch == nil {
		return "", fmt.Errorf("channel %q is not started", c.name)
	}

	_, local := SplitThreadID(threadID)
	reply, err := dispatch(ctx, InboundMessage{
		Channel:   c.name,
		ThreadID:  threadID,
		ChannelID: local,
		AuthorID:  authorID,
		Text:      text,
	})
	if err != nil {
		return "", err
	}
	if reply != "" {
		if err := c.Send(ctx, threadID, reply); err != nil {
			return "", err
		}
	}
	return reply, nil
}

// Outbox returns a copy of everything sent so far.
func (c *DirectChannel) Outbox() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Outbound, len(c.outbox))
	copy(out, c.outbox)
	return out
}
