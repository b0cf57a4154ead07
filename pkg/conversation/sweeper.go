package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/threadkeeper/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval         time.Duration
	AutoCloseAfter   time.Duration
	SnapshotSchedule string
	Logger           zerolog.Logger
}

// Sweeper periodically closes sessions idle past AutoCloseAfter and saves
// snapshots on the configured schedule. It backs up the per-thread timers,
// which do not survive a restart.
type Sweeper struct {
	mgr       *Manager
	clock     clockwork.Clock
	interval  time.Duration
	autoClose time.Duration
	schedule  cron.Schedule
	logger    zerolog.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	nextSave time.Time
}

func NewSweeper(mgr *Manager, cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.AutoCloseAfter <= 0 {
		cfg.AutoCloseAfter = DefaultAutoCloseAfter
	}
	if cfg.SnapshotSchedule == "" {
		cfg.SnapshotSchedule = DefaultSnapshotSchedule
	}
	sched, err := cron.ParseStandard(cfg.SnapshotSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule %q: %w", cfg.SnapshotSchedule, err)
	}

	return &Sweeper{
		mgr:       mgr,
		clock:     mgr.Clock(),
		interval:  cfg.Interval,
		autoClose: cfg.AutoCloseAfter,
		schedule:  sched,
		logger:    cfg.Logger.With().Str("component", "sweeper").Logger(),
	}, nil
}

// Start runs the sweep loop in a goroutine until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.nextSave = s.schedule.Next(s.clock.Now())

	ticker := s.clock.NewTicker(s.interval)
	go s.run(loopCtx, ticker, s.done)

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("auto_close_after", s.autoClose).
		Msg("Sweeper started")
}

// Stop cancels the loop and waits for the current cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info().Msg("Sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.cycle(ctx)
		}
	}
}

func (s *Sweeper) cycle(ctx context.Context) {
	start := time.Now()
	ok := false
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Sweep cycle panicked")
		}
		observability.RecordSweep(time.Since(start), ok)
	}()

	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Sweep cycle failed")
		return
	}
	ok = true
}

// SweepOnce runs a single cycle: close stale sessions, then save a snapshot
// if one is due. It returns the threads this cycle closed.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.autoClose)

	var closed, busy []string
	for _, threadID := range s.mgr.staleThreads(cutoff) {
		did, inUse := s.mgr.sweepClose(threadID, s.autoClose)
		switch {
		case did:
			closed = append(closed, threadID)
		case inUse:
			busy = append(busy, threadID)
		}
	}
	if len(closed) > 0 {
		s.logger.Info().Strs("thread_ids", closed).Msg("Closed stale sessions")
	}
	if len(busy) > 0 {
		s.logger.Debug().Strs("thread_ids", busy).Msg("Stale sessions busy, retried next cycle")
	}
	s.mgr.Stats()

	return closed, s.maybeSave(ctx, now)
}

func (s *Sweeper) maybeSave(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	if s.nextSave.IsZero() {
		s.nextSave = s.schedule.Next(now)
	}
	due := !now.Before(s.nextSave)
	if due {
		s.nextSave = s.schedule.Next(now)
	}
	s.mu.Unlock()

	if !due {
		return nil
	}
	if err := s.mgr.Save(ctx); err != nil {
		return fmt.Errorf("periodic snapshot: %w", err)
	}
	return nil
}
