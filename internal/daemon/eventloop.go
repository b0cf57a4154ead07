package daemon

import (
	"context"
	"time"

	"github.com/harun/threadkeeper/internal/observability"
)

const defaultMaintenanceInterval = 30 * time.Second

// EventLoop runs periodic housekeeping that does not belong to the sweeper:
// gauge refresh and expiry of delivery keys.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

func NewEventLoop(d *Daemon, interval time.Duration) *EventLoop {
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	return &EventLoop{
		daemon:   d,
		interval: interval,
	}
}

// Run blocks until ctx is done.
func (e *EventLoop) Run(ctx context.Context) {
	logger := e.daemon.logger.Component("eventloop")
	logger.Debug().Dur("interval", e.interval).Msg("Event loop started")

	ticker := e.daemon.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Event loop stopping")
			return
		case <-ticker.Chan():
			e.processTasks()
		}
	}
}

func (e *EventLoop) processTasks() {
	stats := e.daemon.manager.Stats()
	pending := e.daemon.scheduler.Pending()
	observability.SetPendingTimers(pending)
	keys := e.daemon.pipeline.Maintain()

	logger := e.daemon.logger.Component("eventloop")
	logger.Debug().
		Int("active", stats.Active).
		Int("total", stats.Total).
		Int("pending_timers", pending).
		Int("delivery_keys", keys).
		Msg("Maintenance tick")
}
