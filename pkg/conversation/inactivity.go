package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/harun/threadkeeper/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultWarnAfter     = 180 * time.Second
	DefaultCloseAfter    = 120 * time.Second
	DefaultNotifyTimeout = 10 * time.Second
)

// Notifier delivers a text to the thread. Implementations must not call back
// into the Manager: Notify runs while the session lock is held.
type Notifier interface {
	Notify(ctx context.Context, threadID, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, threadID, text string) error

func (f NotifierFunc) Notify(ctx context.Context, threadID, text string) error {
	return f(ctx, threadID, text)
}

// Notices supplies the texts sent by the scheduler. They are read at fire
// time so a reloaded persona takes effect on the next notice.
type Notices interface {
	WarningText() string
	ClosingText() string
}

type staticNotices struct {
	warning string
	closing string
}

func (n staticNotices) WarningText() string { return n.warning }
func (n staticNotices) ClosingText() string { return n.closing }

// DefaultNotices returns the built-in English notices.
func DefaultNotices() Notices {
	return staticNotices{
		warning: "Are you still there? This thread will close in a couple of minutes if there is no new message.",
		closing: "Thread closed due to inactivity. If you need to continue, just send a new message here and I will reopen it.",
	}
}

// Stage is where a thread is in the warn-then-close cycle.
type Stage int

const (
	StageIdle Stage = iota
	StageWarningScheduled
	StageWarningFired
)

func (s Stage) String() string {
	switch s {
	case StageWarningScheduled:
		return "warning_scheduled"
	case StageWarningFired:
		return "warning_fired"
	default:
		return "idle"
	}
}

// SchedulerConfig configures an InactivityScheduler.
type SchedulerConfig struct {
	WarnAfter     time.Duration
	CloseAfter    time.Duration
	NotifyTimeout time.Duration
	Notices       Notices
	Logger        zerolog.Logger
}

type slot struct {
	gen   uint64
	timer clockwork.Timer
	stage Stage
}

// InactivityScheduler warns a thread after WarnAfter without user messages and
// closes it CloseAfter later. Each arm gets a new generation; a callback whose
// generation is no longer current does nothing, and a current callback still
// re-checks the session's idle time before acting.
type InactivityScheduler struct {
	mgr           *Manager
	notifier      Notifier
	clock         clockwork.Clock
	warnAfter     time.Duration
	closeAfter    time.Duration
	notifyTimeout time.Duration
	notices       Notices
	logger        zerolog.Logger

	mu      sync.Mutex
	slots   map[string]*slot
	gen     uint64
	stopped bool
}

// NewInactivityScheduler creates a scheduler and registers it for activity
// on mgr.
func NewInactivityScheduler(mgr *Manager, notifier Notifier, cfg SchedulerConfig) *InactivityScheduler {
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = DefaultWarnAfter
	}
	if cfg.CloseAfter <= 0 {
		cfg.CloseAfter = DefaultCloseAfter
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.Notices == nil {
		cfg.Notices = DefaultNotices()
	}

	s := &InactivityScheduler{
		mgr:           mgr,
		notifier:      notifier,
		clock:         mgr.Clock(),
		warnAfter:     cfg.WarnAfter,
		closeAfter:    cfg.CloseAfter,
		notifyTimeout: cfg.NotifyTimeout,
		notices:       cfg.Notices,
		logger:        cfg.Logger.With().Str("component", "inactivity").Logger(),
		slots:         make(map[string]*slot),
	}
	mgr.OnActivity(s.Touch)
	return s
}

// Touch restarts the cycle for threadID: any armed timer is stopped and the
// warning timer is armed for the full WarnAfter.
func (s *InactivityScheduler) Touch(threadID string) {
	s.arm(threadID, s.warnAfter)
}

func (s *InactivityScheduler) arm(threadID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	sl, ok := s.slots[threadID]
	if !ok {
		sl = &slot{}
		s.slots[threadID] = sl
	}
	if sl.timer != nil {
		sl.timer.Stop()
	}
	s.gen++
	gen := s.gen
	sl.gen = gen
	sl.stage = StageWarningScheduled
	sl.timer = s.clock.AfterFunc(d, func() { s.fireWarning(threadID, gen) })

	observability.SetPendingTimers(len(s.slots))
}

// Cancel stops the timers of threadID, for example after a manual close.
func (s *InactivityScheduler) Cancel(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[threadID]; ok {
		if sl.timer != nil {
			sl.timer.Stop()
		}
		delete(s.slots, threadID)
	}
	observability.SetPendingTimers(len(s.slots))
}

// End closes the thread and drops its timers without a closing notice. A
// user message racing the call either lands first and is closed with the
// thread, or reopens it afterwards with a fresh warning timer.
func (s *InactivityScheduler) End(ctx context.Context, threadID string) bool {
	return s.mgr.closeWith(threadID, "manual", func() { s.Cancel(threadID) })
}

// Resume arms timers for every active session, typically after a snapshot
// load. Sessions already past WarnAfter are warned on the next tick.
func (s *InactivityScheduler) Resume() int {
	now := s.clock.Now()
	sessions := s.mgr.ActiveSessions()
	for _, sess := range sessions {
		d := s.warnAfter - sess.IdleFor(now)
		if d < time.Second {
			d = time.Second
		}
		s.arm(sess.ThreadID, d)
	}
	if len(sessions) > 0 {
		s.logger.Info().Int("sessions", len(sessions)).Msg("Inactivity timers resumed")
	}
	return len(sessions)
}

func (s *InactivityScheduler) current(threadID string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[threadID]
	return ok && sl.gen == gen
}

// rearm replaces the timer of the current generation. It reports false when
// a newer arm owns the thread.
func (s *InactivityScheduler) rearm(threadID string, gen uint64, d time.Duration, stage Stage, fire func(string, uint64)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[threadID]
	if !ok || sl.gen != gen || s.stopped {
		return false
	}
	if sl.timer != nil {
		sl.timer.Stop()
	}
	sl.stage = stage
	sl.timer = s.clock.AfterFunc(d, func() { fire(threadID, gen) })
	return true
}

func (s *InactivityScheduler) drop(threadID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[threadID]; ok && sl.gen == gen {
		delete(s.slots, threadID)
	}
	observability.SetPendingTimers(len(s.slots))
}

func (s *InactivityScheduler) fireWarning(threadID string, gen uint64) {
	if !s.current(threadID, gen) {
		return
	}
	logger := s.logger.With().Str("thread_id", threadID).Logger()

	check, remaining := s.mgr.WithIdleSession(threadID, s.warnAfter, func(Session) {
		s.deliver(threadID, "inactivity_warning", s.notices.WarningText())
	})

	switch check {
	case IdleMissing:
		logger.Debug().Msg("Warning timer fired for missing or closed session")
		s.drop(threadID, gen)
	case IdleNotYet:
		if s.rearm(threadID, gen, remaining, StageWarningScheduled, s.fireWarning) {
			observability.RecordTimerRearm()
			logger.Debug().Dur("remaining", remaining).Msg("Activity since arm, warning re-armed")
		}
	case IdleReached:
		if s.rearm(threadID, gen, s.closeAfter, StageWarningFired, s.fireClose) {
			logger.Info().Dur("close_after", s.closeAfter).Msg("Inactivity warning sent")
		}
	}
}

func (s *InactivityScheduler) fireClose(threadID string, gen uint64) {
	if !s.current(threadID, gen) {
		return
	}
	logger := s.logger.With().Str("thread_id", threadID).Logger()

	ctx := context.Background()
	check, closed := s.mgr.CloseIfIdle(ctx, threadID, s.warnAfter+s.closeAfter, "inactivity", func(Session) {
		s.deliver(threadID, "session_closed", s.notices.ClosingText())
	})
	s.drop(threadID, gen)

	switch check {
	case IdleMissing:
		logger.Warn().Msg("Close timer fired for missing session")
	case IdleNotYet:
		logger.Debug().Msg("Activity after warning, close skipped")
	case IdleReached:
		logger.Info().Bool("transitioned", closed).Msg("Session closed by inactivity timer")
	}
}

// deliver sends text through the notifier. Failures are logged and never
// change session state.
func (s *InactivityScheduler) deliver(threadID, action, text string) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
	defer cancel()

	kind := "warning"
	if action == "session_closed" {
		kind = "closing"
	}

	err := s.notifier.Notify(ctx, threadID, text)
	observability.RecordInactivityNotice(kind, err == nil)
	status := "success"
	if err != nil {
		status = "failure"
		s.logger.Error().Err(err).Str("thread_id", threadID).Str("kind", kind).Msg("Failed to deliver inactivity notice")
	}
	observability.RecordSessionAudit(ctx, action, threadID, status, nil)
}

// State returns the stage of threadID.
func (s *InactivityScheduler) State(threadID string) Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[threadID]; ok {
		return sl.stage
	}
	return StageIdle
}

// Pending returns how many threads have an armed timer.
func (s *InactivityScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Stop cancels every timer. Callbacks already running find no slot and
// return.
func (s *InactivityScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, sl := range s.slots {
		if sl.timer != nil {
			sl.timer.Stop()
		}
		delete(s.slots, id)
	}
	observability.SetPendingTimers(0)
}
