package overuse

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ApplyFunc receives the configs of a changed drop-in directory.
type ApplyFunc func(ctx context.Context, configs []ResourceOveruseConfiguration) error

// DirWatcher applies a drop-in config directory whenever one of its
// component files changes. Bursts of events within the debounce window
// produce one apply.
type DirWatcher struct {
	dir      string
	apply    ApplyFunc
	watcher  *fsnotify.Watcher
	clock    clock.Clock
	logger   *slog.Logger
	debounce time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a DirWatcher.
type WatcherOption func(*DirWatcher)

// WithDebounce sets how long the directory must stay quiet after a change
// before it is applied. A burst of writes to several files is applied once.
//
// Parameters:
//   - d: quiet period, 200ms in the daemon
//
// Example:
//
//	w, err := overuse.NewDirWatcher(dir, apply, overuse.WithDebounce(500*time.Millisecond))
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *DirWatcher) { w.debounce = d }
}

// WithWatcherClock sets the clock of the debounce timer. Tests pass a
// clock.NewMock and advance it past the debounce window.
//
// Parameters:
//   - c: clock driving the debounce timer
//
// Example:
//
//	mock := clock.NewMock()
//	w, err := overuse.NewDirWatcher(dir, apply, overuse.WithWatcherClock(mock))
func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(w *DirWatcher) { w.clock = c }
}

// WithWatcherLogger sets the logger for reloads and rejected files.
// Defaults to slog.Default.
//
// Parameters:
//   - l: structured logger
//
// Example:
//
//	overuse.WithWatcherLogger(logger.With("component", "overuse-watcher"))
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *DirWatcher) { w.logger = l }
}

// NewDirWatcher watches dir. Nothing is applied until Start.
func NewDirWatcher(dir string, apply ApplyFunc, opts ...WatcherOption) (*DirWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &DirWatcher{
		dir:      dir,
		apply:    apply,
		watcher:  fw,
		clock:    clock.New(),
		logger:   slog.Default(),
		debounce: 200 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start applies the directory once and then on every change until ctx ends
// or Stop is called.
func (w *DirWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.reload(ctx)

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop ends the watch and waits for a running apply to return.
func (w *DirWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *DirWatcher) relevant(name string) bool {
	return slices.Contains(maps.Values(ConfigFiles), filepath.Base(name))
}

func (w *DirWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *clock.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) || event.Has(fsnotify.Chmod) {
				continue
			}
			w.logger.Debug("overuse config changed", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = w.clock.Timer(w.debounce)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("overuse config watcher error", "error", err)
		}
	}
}

func (w *DirWatcher) reload(ctx context.Context) {
	configs, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("failed to load overuse configs", "dir", w.dir, "error", err)
		return
	}
	if len(configs) == 0 {
		return
	}
	if err := w.apply(ctx, configs); err != nil {
		w.logger.Error("failed to apply overuse configs", "dir", w.dir, "error", err)
		return
	}
	w.logger.Info("applied overuse configs", "dir", w.dir, "components", len(configs))
}
