package loader

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent is emitted whenever the watched module directory changes in a
// way that warrants a reload.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches a module directory for artifact additions, removals, and
// rewrites, and emits a ReloadEvent for each. It never reloads on its own —
// Loader.Reload is the caller's responsibility, invoked from the event loop
// that owns the Registry.
type Watcher struct {
	dir    string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher constructs a Watcher over dir. A nil logger falls back to
// slog.Default().
func NewWatcher(dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

// Events returns the channel ReloadEvents are delivered on. It is closed
// when the watcher's context is cancelled.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching in a background goroutine and returns once the
// underlying fsnotify watcher is armed. It stops when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
					w.logger.Warn("reload event dropped, channel full", "path", ev.Name)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("module watcher error", "error", err)
			}
		}
	}()
	return nil
}
