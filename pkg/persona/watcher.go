package persona

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a persona file into a Store when it changes on disk. The
// parent directory is watched so editors that replace the file by rename are
// picked up too.
type Watcher struct {
	path     string
	store    *Store
	onReload func(Persona)
	debounce time.Duration
	logger   zerolog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

type WatcherConfig struct {
	Path     string
	Store    *Store
	OnReload func(Persona)
	Debounce time.Duration
	Logger   zerolog.Logger
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("persona path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve persona path: %w", err)
	}

	return &Watcher{
		path:     abs,
		store:    cfg.Store,
		onReload: cfg.OnReload,
		debounce: cfg.Debounce,
		logger:   cfg.Logger.With().Str("component", "persona").Str("path", abs).Logger(),
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the persona directory until Stop.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch persona directory: %w", err)
	}
	go w.eventLoop()
	w.logger.Info().Msg("Persona watcher started")
	return nil
}

func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.Reload()
		}
	})
}

// Reload reads the file now. A file that fails to parse leaves the current
// persona in place.
func (w *Watcher) Reload() {
	p, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Persona reload failed, keeping previous persona")
		return
	}
	w.store.Set(p)
	if w.onReload != nil {
		w.onReload(w.store.Get())
	}
	w.logger.Info().Str("name", p.Name).Msg("Persona reloaded")
}
