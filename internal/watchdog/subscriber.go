package watchdog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ProcessWatcher is a Subscriber that polls the process table and reports a
// process as dead once its pid no longer exists.
type ProcessWatcher struct {
	clock    clock.Clock
	logger   *slog.Logger
	exists   func(pid int32) bool
	watches  map[uint64]*watch
	stop     chan struct{}
	interval time.Duration
	nextID   uint64
	mu       sync.Mutex
	wg       sync.WaitGroup
	once     sync.Once
}

type watch struct {
	onDeath func()
	id      string
	pid     int32
}

// WatcherOption configures a ProcessWatcher.
type WatcherOption func(*ProcessWatcher)

// WithWatcherClock sets the clock driving the poll ticker.
func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(w *ProcessWatcher) { w.clock = c }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *ProcessWatcher) { w.logger = l }
}

// WithExistsFunc overrides how process existence is checked.
func WithExistsFunc(fn func(pid int32) bool) WatcherOption {
	return func(w *ProcessWatcher) { w.exists = fn }
}

// NewProcessWatcher starts a watcher polling every interval.
func NewProcessWatcher(interval time.Duration, opts ...WatcherOption) *ProcessWatcher {
	w := &ProcessWatcher{
		clock:    clock.New(),
		logger:   slog.Default(),
		exists:   processExists,
		watches:  make(map[uint64]*watch),
		stop:     make(chan struct{}),
		interval: interval,
	}
	for _, opt := range opts {
		opt(w)
	}

	ticker := w.clock.Ticker(interval)
	w.wg.Add(1)
	go w.run(ticker)
	return w
}

// Subscribe implements Subscriber. It fails if the process is not running.
func (w *ProcessWatcher) Subscribe(id string, caller Caller, onDeath func()) (func(), error) {
	if caller.PID <= 0 {
		return nil, fmt.Errorf("watch %s: pid %d: %w", id, caller.PID, ErrInvalidArgument)
	}
	if !w.exists(caller.PID) {
		return nil, fmt.Errorf("watch %s: process %d is not running: %w", id, caller.PID, ErrInvalidArgument)
	}

	w.mu.Lock()
	w.nextID++
	key := w.nextID
	w.watches[key] = &watch{id: id, pid: caller.PID, onDeath: onDeath}
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.watches, key)
		w.mu.Unlock()
	}, nil
}

// Len returns the number of active watches.
func (w *ProcessWatcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watches)
}

// Close stops polling. Pending watches never fire.
func (w *ProcessWatcher) Close() {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
	})
}

func (w *ProcessWatcher) run(ticker *clock.Ticker) {
	defer w.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.stop:
			return
		}
	}
}

// poll removes the watches of dead processes and notifies them outside the
// lock, so each onDeath fires at most once.
func (w *ProcessWatcher) poll() {
	w.mu.Lock()
	snapshot := make(map[uint64]*watch, len(w.watches))
	for key, wt := range w.watches {
		snapshot[key] = wt
	}
	w.mu.Unlock()

	var dead []uint64
	for key, wt := range snapshot {
		if !w.exists(wt.pid) {
			dead = append(dead, key)
		}
	}
	if len(dead) == 0 {
		return
	}

	var fire []*watch
	w.mu.Lock()
	for _, key := range dead {
		if wt, ok := w.watches[key]; ok {
			delete(w.watches, key)
			fire = append(fire, wt)
		}
	}
	w.mu.Unlock()

	for _, wt := range fire {
		w.logger.Info("watched process exited", "id", wt.id, "pid", wt.pid)
		wt.onDeath()
	}
}
