package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry owns the chat channels. Inbound messages reach the pipeline
// through it and notices are routed back by thread id prefix, so a channel
// may only deliver messages for threads carrying its own name.
type Registry struct {
	dispatch DispatchFunc

	mu       sync.RWMutex
	channels map[string]Channel
	started  map[string]bool
}

func NewRegistry(dispatch DispatchFunc) *Registry {
	return &Registry{
		dispatch: dispatch,
		channels: make(map[string]Channel),
		started:  make(map[string]bool),
	}
}

// Register adds a channel. Names must be unique and must not contain the
// thread id separator.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}

	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("channel name %q must not contain ':'", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	r.channels[name] = ch
	return nil
}

// Names returns sorted registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running reports whether the named channel has been started.
func (r *Registry) Running(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started[name]
}

// Notify sends text to the channel named by the thread id prefix. It
// satisfies conversation.Notifier.
func (r *Registry) Notify(ctx context.Context, threadID, text string) error {
	name, _ := SplitThreadID(threadID)

	r.mu.RLock()
	ch, ok := r.channels[name]
	started := r.started[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no channel for thread %q", threadID)
	}
	if !started {
		return fmt.Errorf("channel %q is not started", name)
	}
	return ch.Send(ctx, threadID, text)
}

// dispatchFor is the DispatchFunc handed to the named channel.
func (r *Registry) dispatchFor(name string) DispatchFunc {
	return func(ctx context.Context, msg InboundMessage) (string, error) {
		if msg.Channel == "" {
			msg.Channel = name
		}
		if msg.Channel != name {
			return "", fmt.Errorf("channel %q delivered a message labelled %q", name, msg.Channel)
		}
		if prefix, local := SplitThreadID(msg.ThreadID); prefix != name || local == "" {
			return "", fmt.Errorf("thread %q does not belong to channel %q", msg.ThreadID, name)
		}
		return r.dispatch(ctx, msg)
	}
}

// StartAll starts every channel in name order. When one fails the channels
// started before it are stopped again.
func (r *Registry) StartAll(ctx context.Context) error {
	if r.dispatch == nil {
		return fmt.Errorf("dispatch function is not configured")
	}

	var started []string
	for _, name := range r.Names() {
		if err := r.start(ctx, name); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = r.stop(ctx, started[i])
			}
			return err
		}
		started = append(started, name)
	}
	return nil
}

// StopAll stops every started channel in reverse name order and returns the
// first error.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) start(ctx context.Context, name string) error {
	r.mu.RLock()
	ch := r.channels[name]
	running := r.started[name]
	r.mu.RUnlock()
	if running {
		return nil
	}

	if err := ch.Start(ctx, r.dispatchFor(name)); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", name, err)
	}

	r.mu.Lock()
	r.started[name] = true
	r.mu.Unlock()
	return nil
}

func (r *Registry) stop(ctx context.Context, name string) error {
	r.mu.Lock()
	ch := r.channels[name]
	if !r.started[name] {
		r.mu.Unlock()
		return nil
	}
	delete(r.started, name)
	r.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}
	return nil
}
