package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/threadkeeper/internal/config"
	"github.com/harun/threadkeeper/internal/logger"
	"github.com/harun/threadkeeper/internal/observability"
	"github.com/harun/threadkeeper/internal/telegram"
	"github.com/harun/threadkeeper/internal/tracing"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/harun/threadkeeper/pkg/conversation"
	"github.com/harun/threadkeeper/pkg/gateway"
	"github.com/harun/threadkeeper/pkg/persona"
	"github.com/harun/threadkeeper/pkg/responder"
	"github.com/harun/threadkeeper/pkg/storage"
	"github.com/harun/threadkeeper/pkg/webhook"
	"github.com/jonboulle/clockwork"
)

const shutdownTimeout = 10 * time.Second

// Daemon represents the threadkeeper service
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	clock  clockwork.Clock

	persona   *persona.Store
	watcher   *persona.Watcher
	responder responder.Responder
	persister *conversation.Persister
	manager   *conversation.Manager
	scheduler *conversation.InactivityScheduler
	pipeline  *Pipeline
	registry  *channels.Registry

	telegramBot   *telegram.Bot
	gatewayServer *gateway.Server
	webhookServer *webhook.Server

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option overrides a dependency the daemon would otherwise build from config.
type Option func(*options)

type options struct {
	clock               clockwork.Clock
	blob                storage.Blob
	responder           responder.Responder
	channels            []channels.Channel
	maintenanceInterval time.Duration
}

// WithClock sets the time source for sessions, timers and the sweeper.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBlob replaces the configured snapshot store.
func WithBlob(b storage.Blob) Option {
	return func(o *options) { o.blob = b }
}

// WithResponder replaces the configured responder.
func WithResponder(r responder.Responder) Option {
	return func(o *options) { o.responder = r }
}

// WithChannel registers an extra channel.
func WithChannel(ch channels.Channel) Option {
	return func(o *options) { o.channels = append(o.channels, ch) }
}

// WithMaintenanceInterval sets the event loop period.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(o *options) { o.maintenanceInterval = d }
}

// New creates a daemon. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		clock:  o.clock,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(o); err != nil {
		cancel()
		if d.persister != nil {
			_ = d.persister.Close()
		}
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}

	d.eventLoop = NewEventLoop(d, o.maintenanceInterval)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initialize builds the components in dependency order.
func (d *Daemon) initialize(o options) error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	p := persona.Default()
	if cfg.Persona.Path != "" {
		loaded, err := persona.LoadFile(cfg.Persona.Path)
		if err != nil {
			return fmt.Errorf("failed to load persona: %w", err)
		}
		p = loaded
	}
	d.persona = persona.NewStore(p)

	d.responder = o.responder
	if d.responder == nil {
		r, err := responder.New(responder.Config{
			Provider:  cfg.Responder.Provider,
			APIKey:    cfg.Responder.APIKey,
			Model:     cfg.Responder.Model,
			BaseURL:   cfg.Responder.BaseURL,
			MaxTokens: cfg.Responder.MaxTokens,
			Timeout:   cfg.Responder.Timeout(),
		})
		if err != nil {
			return fmt.Errorf("failed to create responder: %w", err)
		}
		d.responder = r
	}

	blob := o.blob
	if blob == nil {
		b, err := storage.Open(d.ctx, cfg.Session.StorageConfig())
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		blob = b
	}
	d.persister = conversation.NewPersister(blob, zl)

	d.manager = conversation.NewManager(conversation.Config{
		Clock:            d.clock,
		Persister:        d.persister,
		Logger:           zl,
		SweepInterval:    cfg.Session.SweepInterval(),
		AutoCloseAfter:   cfg.Session.AutoCloseAfter(),
		SnapshotSchedule: cfg.Session.SnapshotSchedule,
		Labels:           d.persona.Labels(),
	})

	d.pipeline = NewPipeline(PipelineConfig{
		Manager:            d.manager,
		Responder:          d.responder,
		Persona:            d.persona,
		MaxContextMessages: cfg.Session.MaxContextMessages,
		SummaryEvery:       cfg.Session.SummaryEvery,
		Clock:              d.clock,
		Logger:             zl,
	})
	d.registry = channels.NewRegistry(d.pipeline.Handle)

	d.scheduler = conversation.NewInactivityScheduler(d.manager, d.registry, conversation.SchedulerConfig{
		WarnAfter:  cfg.Session.WarnAfter(),
		CloseAfter: cfg.Session.CloseAfter(),
		Notices:    d.persona,
		Logger:     zl,
	})

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(telegram.Config{
			BotToken:  cfg.Telegram.BotToken,
			Allowlist: cfg.Telegram.Allowlist,
		}, zl)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.registerTelegramCommands(bot.Commands())
		if err := d.registry.Register(bot); err != nil {
			return err
		}
		d.telegramBot = bot
	}

	if cfg.Gateway.Enabled {
		srv, err := gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Stats:        d.manager,
			Logger:       zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		if err := d.registry.Register(srv); err != nil {
			return err
		}
		d.gatewayServer = srv
	}

	if cfg.Webhook.Enabled {
		wh, err := webhook.NewServer(webhook.Config{
			Host:               cfg.Webhook.Host,
			Port:               cfg.Webhook.Port,
			Path:               cfg.Webhook.Path,
			Secret:             cfg.Webhook.Secret,
			CallbackURL:        cfg.Webhook.CallbackURL,
			RateLimitPerMinute: cfg.Webhook.RateLimit,
			Clock:              d.clock,
			Logger:             zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create webhook server: %w", err)
		}
		if err := d.registry.Register(wh); err != nil {
			return err
		}
		d.webhookServer = wh
	}

	for _, ch := range o.channels {
		if err := d.registry.Register(ch); err != nil {
			return err
		}
	}

	if cfg.Persona.Path != "" && cfg.Persona.Watch {
		w, err := persona.NewWatcher(persona.WatcherConfig{
			Path:  cfg.Persona.Path,
			Store: d.persona,
			OnReload: func(persona.Persona) {
				d.manager.SetLabels(d.persona.Labels())
			},
			Logger: zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create persona watcher: %w", err)
		}
		d.watcher = w
	}

	return nil
}

// Start loads the snapshot, starts the sweeper, re-arms inactivity timers
// for restored sessions and starts every channel.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = d.clock.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(d.ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Starting threadkeeper daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if path := d.config.Logging.AuditFile; path != "" {
		if err := observability.InitAuditLogger(path); err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
		} else {
			logger.Info().Str("path", path).Msg("Audit logger initialized")
		}
	}

	if err := d.manager.Load(ctx); err != nil {
		logger.Error().Err(err).Str("store", d.persister.Target()).Msg("Failed to load snapshot, starting empty")
	}

	if err := d.manager.Start(d.ctx); err != nil {
		_ = d.lifecycle.Stop()
		d.markStopped()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	resumed := d.scheduler.Resume()

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch persona file")
		}
	}

	if err := d.registry.StartAll(d.ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = d.registry.StopAll(stopCtx)
		if d.watcher != nil {
			_ = d.watcher.Stop()
		}
		d.scheduler.Stop()
		_ = d.manager.Stop(stopCtx)
		_ = d.lifecycle.Stop()
		d.markStopped()
		return fmt.Errorf("failed to start channels: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	observability.RecordConfigAudit(ctx, "daemon_start", "system", map[string]interface{}{
		"channels": d.registry.Names(),
		"store":    d.persister.Target(),
	})
	logger.Info().
		Strs("channels", d.registry.Names()).
		Int("resumed_timers", resumed).
		Str("store", d.persister.Target()).
		Msg("Daemon started")
	return nil
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts components down in reverse order and writes a final snapshot.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Stopping threadkeeper daemon")

	if err := d.registry.StopAll(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop persona watcher")
		}
	}

	d.scheduler.Stop()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	var stopErr error
	if err := d.manager.Stop(ctx); err != nil {
		stopErr = fmt.Errorf("final snapshot failed: %w", err)
	}
	if err := d.persister.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close session store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped")
	return stopErr
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running       bool
	StartTime     time.Time
	Uptime        time.Duration
	Channels      []string
	Sessions      conversation.Stats
	PendingTimers int
}

func (d *Daemon) Status() Status {
	d.mu.RLock()
	running := d.running
	start := d.startTime
	d.mu.RUnlock()

	st := Status{
		Running:       running,
		StartTime:     start,
		Channels:      d.registry.Names(),
		Sessions:      d.manager.Stats(),
		PendingTimers: d.scheduler.Pending(),
	}
	if running {
		st.Uptime = d.clock.Since(start)
	}
	return st
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	return d.Stop()
}

func (d *Daemon) Config() *config.Config                       { return d.config }
func (d *Daemon) Manager() *conversation.Manager               { return d.manager }
func (d *Daemon) Scheduler() *conversation.InactivityScheduler { return d.scheduler }
func (d *Daemon) Registry() *channels.Registry                 { return d.registry }
func (d *Daemon) Pipeline() *Pipeline                          { return d.pipeline }
func (d *Daemon) Persona() *persona.Store                      { return d.persona }
func (d *Daemon) GatewayServer() *gateway.Server               { return d.gatewayServer }
func (d *Daemon) TelegramBot() *telegram.Bot                   { return d.telegramBot }
func (d *Daemon) WebhookServer() *webhook.Server               { return d.webhookServer }
