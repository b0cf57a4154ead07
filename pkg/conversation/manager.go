package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/threadkeeper/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultSweepInterval    = 60 * time.Second
	DefaultAutoCloseAfter   = 5 * time.Minute
	DefaultSnapshotSchedule = "@every 5m"
)

// ActivityListener is called after a user message has been recorded. It runs
// outside every session lock.
type ActivityListener func(threadID string)

// Config configures a Manager. Zero values fall back to defaults.
type Config struct {
	Clock            clockwork.Clock
	Persister        *Persister
	Logger           zerolog.Logger
	SweepInterval    time.Duration
	AutoCloseAfter   time.Duration
	SnapshotSchedule string
	Labels           Labels
}

// IdleCheck is the outcome of an idle test taken under a session lock.
type IdleCheck int

const (
	IdleMissing IdleCheck = iota
	IdleNotYet
	IdleReached
)

func (c IdleCheck) String() string {
	switch c {
	case IdleNotYet:
		return "not_yet"
	case IdleReached:
		return "reached"
	default:
		return "missing"
	}
}

// entry holds one session. mu guards the fields and is never held across a
// callback. turn orders the writers of a thread: message appends and the
// idle decide-then-notify paths, which keep turn while their callback runs.
// Lock order is turn, then mu.
type entry struct {
	turn sync.Mutex
	mu   sync.Mutex
	s    Session
}

// Manager owns the session store. Every read or write of a session goes
// through its entry lock; the store lock only guards the key set.
type Manager struct {
	cfg       Config
	clock     clockwork.Clock
	persister *Persister
	logger    zerolog.Logger

	mu    sync.RWMutex
	store map[string]*entry

	listenersMu sync.RWMutex
	listeners   []ActivityListener

	labelsMu sync.RWMutex
	labels   Labels

	runMu   sync.Mutex
	sweeper *Sweeper
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.AutoCloseAfter <= 0 {
		cfg.AutoCloseAfter = DefaultAutoCloseAfter
	}
	if cfg.SnapshotSchedule == "" {
		cfg.SnapshotSchedule = DefaultSnapshotSchedule
	}

	return &Manager{
		cfg:       cfg,
		clock:     cfg.Clock,
		persister: cfg.Persister,
		logger:    cfg.Logger.With().Str("component", "conversation").Logger(),
		store:     make(map[string]*entry),
		labels:    cfg.Labels.withDefaults(),
	}
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

// Clock returns the time source shared with the sweeper and scheduler.
func (m *Manager) Clock() clockwork.Clock {
	return m.clock
}

// OnActivity registers a listener for recorded user messages.
func (m *Manager) OnActivity(l ActivityListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetLabels replaces the labels used by GetConversationContext.
func (m *Manager) SetLabels(l Labels) {
	m.labelsMu.Lock()
	defer m.labelsMu.Unlock()
	m.labels = l.withDefaults()
}

func (m *Manager) currentLabels() Labels {
	m.labelsMu.RLock()
	defer m.labelsMu.RUnlock()
	return m.labels
}

func (m *Manager) lookup(threadID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store[threadID]
}

func (m *Manager) entries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.store))
	for _, e := range m.store {
		out = append(out, e)
	}
	return out
}

// GetOrCreate returns the session for threadID, creating it when absent. An
// existing session is marked active and its activity time is bumped.
func (m *Manager) GetOrCreate(ctx context.Context, threadID, channelID, ownerID string) Session {
	if e := m.lookup(threadID); e != nil {
		return m.touchEntry(e)
	}

	now := m.now()
	m.mu.Lock()
	if e, ok := m.store[threadID]; ok {
		m.mu.Unlock()
		return m.touchEntry(e)
	}
	e := &entry{s: Session{
		ThreadID:     threadID,
		ChannelID:    channelID,
		OwnerID:      ownerID,
		CreatedAt:    now,
		LastActivity: now,
		IsActive:     true,
		SessionID:    uuid.New().String(),
	}}
	m.store[threadID] = e
	m.mu.Unlock()

	observability.RecordSessionCreated()
	m.logger.Info().
		Str("thread_id", threadID).
		Str("channel_id", channelID).
		Str("session_id", e.s.SessionID).
		Msg("Session created")

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone()
}

func (m *Manager) touchEntry(e *entry) Session {
	e.turn.Lock()
	defer e.turn.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.LastActivity = m.clampedNow(e.s.LastActivity)
	if !e.s.IsActive {
		e.s.IsActive = true
		m.logger.Info().Str("thread_id", e.s.ThreadID).Msg("Session reactivated")
	}
	return e.s.clone()
}

// clampedNow never returns a time before last.
func (m *Manager) clampedNow(last time.Time) time.Time {
	now := m.now()
	if now.Before(last) {
		return last
	}
	return now
}

// AddMessage appends a message to an existing session. It reports false and
// does nothing when the thread is unknown or the role is invalid.
func (m *Manager) AddMessage(ctx context.Context, threadID, authorID, content string, role Role) bool {
	if !role.Valid() {
		m.logger.Warn().Str("thread_id", threadID).Str("role", string(role)).Msg("Ignoring message with unknown role")
		return false
	}
	e := m.lookup(threadID)
	if e == nil {
		m.logger.Warn().Str("thread_id", threadID).Msg("Message for unknown session ignored")
		return false
	}

	e.turn.Lock()
	e.mu.Lock()
	now := m.clampedNow(e.s.LastActivity)
	e.s.Messages = append(e.s.Messages, Message{
		ID:        uuid.New().String(),
		Timestamp: now,
		AuthorID:  authorID,
		Content:   content,
		Role:      role,
		ThreadID:  threadID,
	})
	e.s.LastActivity = now
	e.s.IsActive = true
	e.mu.Unlock()
	e.turn.Unlock()

	observability.RecordMessage(string(role))

	if role == RoleUser {
		m.listenersMu.RLock()
		listeners := m.listeners
		m.listenersMu.RUnlock()
		for _, l := range listeners {
			l(threadID)
		}
	}
	return true
}

// Get returns a copy of the session for threadID.
func (m *Manager) Get(threadID string) (Session, bool) {
	e := m.lookup(threadID)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), true
}

// Require is Get for callers that want an error.
func (m *Manager) Require(threadID string) (Session, error) {
	s, ok := m.Get(threadID)
	if !ok {
		return Session{}, fmt.Errorf("thread %q: %w", threadID, ErrSessionNotFound)
	}
	return s, nil
}

// GetConversationContext renders the summary and the last maxMessages
// messages of a thread. Unknown threads render as "".
func (m *Manager) GetConversationContext(threadID string, maxMessages int) string {
	s, ok := m.Get(threadID)
	if !ok {
		return ""
	}
	return BuildContext(s, maxMessages, m.currentLabels())
}

// UpdateContextSummary replaces the summary of a thread.
func (m *Manager) UpdateContextSummary(threadID, summary string) bool {
	e := m.lookup(threadID)
	if e == nil {
		m.logger.Warn().Str("thread_id", threadID).Msg("Summary for unknown session ignored")
		return false
	}
	e.mu.Lock()
	e.s.ContextSummary = summary
	e.mu.Unlock()
	return true
}

// Close marks a thread inactive. It reports whether this call performed the
// transition.
func (m *Manager) Close(ctx context.Context, threadID string) bool {
	return m.closeWith(threadID, "manual", nil)
}

// closeWith closes the thread and, when it did, runs after in the same turn
// so no message for the thread is recorded in between.
func (m *Manager) closeWith(threadID, reason string, after func()) bool {
	e := m.lookup(threadID)
	if e == nil {
		return false
	}
	e.turn.Lock()
	defer e.turn.Unlock()

	e.mu.Lock()
	if !e.s.IsActive {
		e.mu.Unlock()
		return false
	}
	e.s.IsActive = false
	e.mu.Unlock()

	observability.RecordSessionClosed(reason)
	m.logger.Info().Str("thread_id", threadID).Str("reason", reason).Msg("Session closed")
	if after != nil {
		after()
	}
	return true
}

// WithIdleSession runs fn when the session is active and has been idle for
// at least threshold. Messages for the thread wait until fn returns; readers
// of other threads do not. When it is not idle yet the remaining time is
// returned and fn is not called.
func (m *Manager) WithIdleSession(threadID string, threshold time.Duration, fn func(Session)) (IdleCheck, time.Duration) {
	e := m.lookup(threadID)
	if e == nil {
		return IdleMissing, 0
	}
	e.turn.Lock()
	defer e.turn.Unlock()

	e.mu.Lock()
	if !e.s.IsActive {
		e.mu.Unlock()
		return IdleMissing, 0
	}
	idle := e.s.IdleFor(m.now())
	if idle < threshold {
		e.mu.Unlock()
		return IdleNotYet, threshold - idle
	}
	s := e.s.clone()
	e.mu.Unlock()

	if fn != nil {
		fn(s)
	}
	return IdleReached, 0
}

// CloseIfIdle closes the session when it has been idle for at least
// threshold. onClose runs in the same turn, so a message recorded
// concurrently either lands before the decision or reopens the session after
// onClose has returned. onClose also runs when the session was already closed
// but is still idle. closed reports whether this call flipped IsActive.
func (m *Manager) CloseIfIdle(ctx context.Context, threadID string, threshold time.Duration, reason string, onClose func(Session)) (check IdleCheck, closed bool) {
	e := m.lookup(threadID)
	if e == nil {
		return IdleMissing, false
	}
	e.turn.Lock()
	defer e.turn.Unlock()

	e.mu.Lock()
	if e.s.IdleFor(m.now()) < threshold {
		e.mu.Unlock()
		return IdleNotYet, false
	}
	if e.s.IsActive {
		e.s.IsActive = false
		closed = true
		observability.RecordSessionClosed(reason)
		m.logger.Info().
			Str("thread_id", threadID).
			Str("reason", reason).
			Time("last_activity", e.s.LastActivity).
			Msg("Session closed for inactivity")
	}
	s := e.s.clone()
	e.mu.Unlock()

	if onClose != nil {
		onClose(s)
	}
	return IdleReached, closed
}

// sweepClose is CloseIfIdle without a callback for the sweeper. A thread
// whose turn is taken, typically by a notice in flight, is skipped and
// reported busy so one slow delivery cannot stall a cycle.
func (m *Manager) sweepClose(threadID string, threshold time.Duration) (closed, busy bool) {
	e := m.lookup(threadID)
	if e == nil {
		return false, false
	}
	if !e.turn.TryLock() {
		return false, true
	}
	defer e.turn.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.s.IsActive || e.s.IdleFor(m.now()) < threshold {
		return false, false
	}
	e.s.IsActive = false
	observability.RecordSessionClosed("sweep")
	m.logger.Info().
		Str("thread_id", threadID).
		Str("reason", "sweep").
		Time("last_activity", e.s.LastActivity).
		Msg("Session closed for inactivity")
	return true, false
}

// ActiveSessions returns copies of the active sessions ordered by thread id.
func (m *Manager) ActiveSessions() []Session {
	var out []Session
	for _, e := range m.entries() {
		e.mu.Lock()
		if e.s.IsActive {
			out = append(out, e.s.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

func (m *Manager) snapshot() []Session {
	entries := m.entries()
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.clone())
		e.mu.Unlock()
	}
	return out
}

// Stats counts sessions at the time of the call.
func (m *Manager) Stats() Stats {
	var st Stats
	for _, e := range m.entries() {
		e.mu.Lock()
		if e.s.IsActive {
			st.Active++
		}
		e.mu.Unlock()
		st.Total++
	}
	if m.persister != nil {
		st.StorageTarget = m.persister.Target()
	}
	observability.SetSessionCounts(st.Active, st.Total)
	return st
}

// Save writes every session through the persister. Sessions are copied under
// their locks and encoded afterwards.
func (m *Manager) Save(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	return m.persister.Save(ctx, m.snapshot(), m.now())
}

// Load replaces the store with the persisted snapshot. It is meant to run
// once before Start.
func (m *Manager) Load(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	sessions, err := m.persister.Load(ctx)
	if err != nil {
		return err
	}

	store := make(map[string]*entry, len(sessions))
	for id, s := range sessions {
		store[id] = &entry{s: s}
	}
	m.mu.Lock()
	m.store = store
	m.mu.Unlock()

	m.Stats()
	return nil
}

// Start launches the background sweeper. It is a no-op when already running.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sweeper != nil {
		return nil
	}
	sw, err := NewSweeper(m, SweeperConfig{
		Interval:         m.cfg.SweepInterval,
		AutoCloseAfter:   m.cfg.AutoCloseAfter,
		SnapshotSchedule: m.cfg.SnapshotSchedule,
		Logger:           m.cfg.Logger,
	})
	if err != nil {
		return err
	}
	sw.Start(ctx)
	m.sweeper = sw
	return nil
}

// Stop halts the sweeper and writes a final snapshot.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	sw := m.sweeper
	m.sweeper = nil
	m.runMu.Unlock()

	if sw != nil {
		sw.Stop()
	}
	if err := m.Save(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Final snapshot failed")
		return err
	}
	return nil
}

// staleThreads lists active threads whose last activity is before cutoff.
func (m *Manager) staleThreads(cutoff time.Time) []string {
	var out []string
	for _, e := range m.entries() {
		e.mu.Lock()
		if e.s.IsActive && e.s.LastActivity.Before(cutoff) {
			out = append(out, e.s.ThreadID)
		}
		e.mu.Unlock()
	}
	sort.Strings(out)
	return out
}
