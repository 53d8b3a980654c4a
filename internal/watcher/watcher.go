// Package watcher hot-reloads the channels file. Edits are debounced,
// re-parsed and validated as a whole, then diffed into the registry and
// the scheduler; a broken file logs an error and leaves the running
// configuration untouched.
package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/observability"
)

// Applier receives each successfully parsed channels document.
type Applier interface {
	ApplyChannels(file *config.ChannelsFile)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(file *config.ChannelsFile)

func (f ApplierFunc) ApplyChannels(file *config.ChannelsFile) { f(file) }

// Watcher tails one channels file for changes.
type Watcher struct {
	path     string
	debounce time.Duration
	applier  Applier
	logger   *slog.Logger

	fs *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer
	closed  bool
	done    chan struct{}
}

// New builds a watcher for the channels file at path. Start must be
// called before any reloads happen.
func New(cfg config.WatchConfig, path string, applier Applier, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		debounce: cfg.Debounce,
		applier:  applier,
		logger:   observability.WithComponent(logger, "watcher"),
		done:     make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched rather than
// the file itself so editors that replace the file with a rename
// (vim, atomic writers) keep triggering reloads.
func (w *Watcher) Start() error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(w.path)); err != nil {
		_ = fs.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.fs = fs

	go w.loop()
	w.logger.Info("watching channels file",
		slog.String("path", w.path),
		slog.Duration("debounce", w.debounce))
	return nil
}

// Stop ends the watch. Pending debounced reloads are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()

	if w.fs != nil {
		_ = w.fs.Close()
		<-w.done
	}
	w.logger.Info("channels watcher stopped")
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("channels file changed", slog.String("op", event.Op.String()))
			w.schedule()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", slog.Any("error", err))
		}
	}
}

// relevant filters directory noise down to mutations of the watched
// file. Rename covers atomic save-via-tempfile editors.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// schedule arms the debounce timer, restarting it on each new event so
// a burst of writes produces a single reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

// reload parses the file and hands it to the applier. Parse and
// validation failures keep the running configuration.
func (w *Watcher) reload() {
	file, err := config.LoadChannels(w.path)
	if err != nil {
		w.logger.Error("channels reload failed, keeping running config",
			slog.String("path", w.path),
			slog.Any("error", err))
		return
	}
	for _, warning := range file.Warnings {
		w.logger.Warn("channels file warning", slog.String("warning", warning))
	}
	w.applier.ApplyChannels(file)
	w.logger.Info("channels file reloaded",
		slog.Int("streams", len(file.Channels)),
		slog.Int("scheduled", len(file.Scheduled)))
}
