package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"impactlab/rulecore/pkg/rules/engine"
)

// watcher turns fsnotify events under a rule path into debounced engine
// events.
type watcher struct {
	fs       *fsnotify.Watcher
	config   *FileConfig
	logger   *slog.Logger
	debounce *Debouncer
}

func newWatcher(config *FileConfig, logger *slog.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &watcher{
		fs:       fsw,
		config:   config,
		logger:   logger,
		debounce: NewDebouncer(config.Debounce),
	}
	if err := w.addPath(config.Path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch path: %w", err)
	}
	return w, nil
}

func (w *watcher) run(ctx context.Context) <-chan engine.RuleEvent {
	events := make(chan engine.RuleEvent, 16)

	// send never blocks the fsnotify loop; a full channel already holds a
	// pending reload.
	var mu sync.Mutex
	closed := false
	send := func(ev engine.RuleEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case events <- ev:
		default:
			w.logger.Debug("rule event dropped, reload already pending", "path", ev.Path)
		}
	}

	w.logger.Info("rule watcher started", "debounce_ms", w.config.Debounce.Milliseconds())

	go func() {
		defer func() {
			mu.Lock()
			closed = true
			close(events)
			mu.Unlock()
		}()
		defer func() {
			w.debounce.Stop()
			if err := w.fs.Close(); err != nil {
				w.logger.Error("failed to close watcher", "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("rule watcher stopped")
				return

			case event, ok := <-w.fs.Events:
				if !ok {
					return
				}
				if !w.shouldProcessEvent(event) {
					continue
				}

				// New directories are watched as they appear
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := w.addDirectory(event.Name); err != nil {
							w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
						}
					}
				}

				ev := engine.RuleEvent{Type: eventType(event.Op), Path: event.Name}
				w.logger.Debug("rule file event", "path", event.Name, "op", event.Op.String())
				w.debounce.Trigger(func() { send(ev) })

			case err, ok := <-w.fs.Errors:
				if !ok {
					return
				}
				w.logger.Error("rule watcher error", "error", err)
				send(engine.RuleEvent{Error: err})
			}
		}
	}()

	return events
}

func eventType(op fsnotify.Op) engine.RuleEventType {
	switch {
	case op&fsnotify.Create != 0:
		return engine.RuleEventCreated
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return engine.RuleEventDeleted
	default:
		return engine.RuleEventModified
	}
}

// addPath watches a file, or a directory and all subdirectories. A single
// file is watched through its parent so editors that replace the file on
// save keep being observed.
func (w *watcher) addPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return w.addDirectory(path)
	}
	return w.fs.Add(filepath.Dir(path))
}

func (w *watcher) addDirectory(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if w.config.SkipHidden && strings.HasPrefix(filepath.Base(path), ".") && path != dir {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if err := w.fs.Add(path); err != nil {
				return fmt.Errorf("failed to watch directory %q: %w", path, err)
			}
		}
		return nil
	})
}

// shouldProcessEvent determines if an event should trigger a reload.
func (w *watcher) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(event.Name)
	if w.config.SkipHidden && strings.HasPrefix(base, ".") {
		return false
	}

	// A watched single file ignores its siblings
	if info, err := os.Stat(w.config.Path); err == nil && !info.IsDir() {
		return filepath.Clean(event.Name) == filepath.Clean(w.config.Path)
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return true
		}
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	for _, valid := range w.config.Extensions {
		if ext == strings.ToLower(valid) {
			return true
		}
	}
	return false
}

// Debouncer collects rapid events and runs the latest callback only after a
// quiet period.
type Debouncer struct {
	interval time.Duration
	timer    *time.Timer
	mu       sync.Mutex
	callback func()
	stopped  bool
}

// NewDebouncer creates a new debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback to run after the interval, replacing any
// callback still waiting.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		cb := d.callback
		d.callback = nil
		stopped := d.stopped
		d.mu.Unlock()

		if cb != nil && !stopped {
			cb()
		}
	})
}

// Stop cancels any pending callback. Triggers after Stop are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
