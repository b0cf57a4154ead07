package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/threadkeeper/pkg/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, blob storage.Blob) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(epoch)
	cfg := Config{Clock: fc, Logger: zerolog.Nop()}
	if blob != nil {
		cfg.Persister = NewPersister(blob, zerolog.Nop())
	}
	return NewManager(cfg), fc
}

type notice struct {
	threadID string
	text     string
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, threadID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{threadID: threadID, text: text})
	return n.err
}

func (n *recordingNotifier) all() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notice, len(n.notices))
	copy(out, n.notices)
	return out
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

type faultyBlob struct {
	readErr  error
	writeErr error
	panics   bool
}

func (b *faultyBlob) Read(context.Context) ([]byte, error) {
	if b.readErr != nil {
		return nil, b.readErr
	}
	return nil, storage.ErrNotFound
}

func (b *faultyBlob) Write(context.Context, []byte) error {
	if b.panics {
		panic("disk on fire")
	}
	return b.writeErr
}

func (b *faultyBlob) Name() string { return "faulty" }
func (b *faultyBlob) Close() error { return nil }

var errDisk = errors.New("disk unavailable")

// blockingNotifier holds every Notify call until release is closed.
type blockingNotifier struct {
	entered chan string
	release chan struct{}
}

func newBlockingNotifier() *blockingNotifier {
	return &blockingNotifier{entered: make(chan string, 4), release: make(chan struct{})}
}

func (n *blockingNotifier) Notify(_ context.Context, threadID, _ string) error {
	n.entered <- threadID
	<-n.release
	return nil
}

// holdTurn runs WithIdleSession on threadID in the background with a
// callback that blocks until the returned release func is called.
func holdTurn(t *testing.T, mgr *Manager, threadID string) (release func()) {
	t.Helper()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.WithIdleSession(threadID, 0, func(Session) {
			close(entered)
			<-unblock
		})
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("callback did not start")
	}
	return func() {
		close(unblock)
		<-done
	}
}

// within fails the test when fn does not return in time.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("call did not return within %s", d)
	}
}
