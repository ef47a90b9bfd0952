package pending

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	// ErrAlreadyExists is returned when a request id is added while still pending.
	ErrAlreadyExists = errors.New("request already pending")

	// ErrClosed is returned when adding to a pool after Close.
	ErrClosed = errors.New("pending request pool closed")
)

// TimeoutFunc receives the ids of one group that expired together.
type TimeoutFunc func(ids []int64)

// DefaultSweepInterval bounds how late a timeout callback may fire.
const DefaultSweepInterval = 100 * time.Millisecond

// batch is one AddRequests call. Its ids expire into its own callback.
type batch struct {
	onTimeout TimeoutFunc
}

type request struct {
	deadline time.Time
	batch    *batch
}

type groupState struct {
	requests map[int64]request
}

// Pool tracks pending requests keyed by group and request id.
// Thread-safe: all methods may be called concurrently.
type Pool[G comparable] struct {
	clock         clock.Clock
	logger        *slog.Logger
	groups        map[G]*groupState
	stop          chan struct{}
	timeout       time.Duration
	sweepInterval time.Duration
	mu            sync.Mutex
	wg            sync.WaitGroup
	closed        bool
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	clock         clock.Clock
	logger        *slog.Logger
	sweepInterval time.Duration
}

// WithClock sets the clock used for deadlines and the sweep ticker.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSweepInterval sets how often expired requests are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewPool creates a pool whose requests expire timeout after being added and
// starts the background sweep.
//
// Example:
//
//	pool := pending.NewPool[string](5 * time.Second)
//	defer pool.Close()
//	_ = pool.AddRequests("get", []int64{1}, func(ids []int64) {
//	    log.Printf("timed out: %v", ids)
//	})
//	finished := pool.TryFinishRequests("get", []int64{1})
func NewPool[G comparable](timeout time.Duration, opts ...Option) *Pool[G] {
	o := options{
		clock:         clock.New(),
		logger:        slog.Default(),
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sweepInterval <= 0 || o.sweepInterval > timeout {
		o.sweepInterval = timeout
	}

	p := &Pool[G]{
		clock:         o.clock,
		logger:        o.logger,
		groups:        make(map[G]*groupState),
		stop:          make(chan struct{}),
		timeout:       timeout,
		sweepInterval: o.sweepInterval,
	}

	// The ticker is created before the goroutine starts so that a mock clock
	// advanced right after NewPool still fires it.
	ticker := p.clock.Ticker(p.sweepInterval)
	p.wg.Add(1)
	go p.run(ticker)
	return p
}

// Timeout returns the fixed per-request timeout of the pool.
func (p *Pool[G]) Timeout() time.Duration {
	return p.timeout
}

// AddRequests registers ids under group with deadline now+timeout. Expired
// ids are reported to onTimeout, the callback of this call, regardless of
// later additions to the group. Either all ids are added or none: a single
// id that is already pending fails the whole call.
func (p *Pool[G]) AddRequests(group G, ids []int64, onTimeout TimeoutFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	state, ok := p.groups[group]
	if ok {
		for _, id := range ids {
			if _, dup := state.requests[id]; dup {
				return fmt.Errorf("request %d: %w", id, ErrAlreadyExists)
			}
		}
	} else {
		state = &groupState{requests: make(map[int64]request, len(ids))}
		p.groups[group] = state
	}

	req := request{deadline: p.clock.Now().Add(p.timeout), batch: &batch{onTimeout: onTimeout}}
	for _, id := range ids {
		state.requests[id] = req
	}
	return nil
}

// TryFinishRequests removes and returns the subset of ids still pending in
// group. Ids already finished or expired are excluded.
func (p *Pool[G]) TryFinishRequests(group G, ids []int64) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.groups[group]
	if !ok {
		return nil
	}

	var finished []int64
	for _, id := range ids {
		if _, pending := state.requests[id]; !pending {
			continue
		}
		delete(state.requests, id)
		finished = append(finished, id)
	}
	if len(state.requests) == 0 {
		delete(p.groups, group)
	}
	return finished
}

// IsPending reports whether id is still pending in group.
func (p *Pool[G]) IsPending(group G, id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.groups[group]
	if !ok {
		return false
	}
	_, pending := state.requests[id]
	return pending
}

// Pending returns the number of pending requests in group.
func (p *Pool[G]) Pending(group G) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state, ok := p.groups[group]; ok {
		return len(state.requests)
	}
	return 0
}

// Close stops the sweep and synchronously expires every pending request.
// Safe to call more than once.
func (p *Pool[G]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()

	// The sweep is stopped; expire everything regardless of deadline.
	p.expire(func(time.Time) bool { return true })
}

func (p *Pool[G]) run(ticker *clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := p.clock.Now()
			p.expire(func(deadline time.Time) bool { return !deadline.After(now) })
		case <-p.stop:
			return
		}
	}
}

type expiredBatch struct {
	onTimeout TimeoutFunc
	ids       []int64
}

// expire removes the requests selected by isExpired and invokes their
// callbacks after releasing the lock. Expired ids of one AddRequests call
// are reported together.
func (p *Pool[G]) expire(isExpired func(deadline time.Time) bool) {
	var batches []expiredBatch

	p.mu.Lock()
	for _, group := range maps.Keys(p.groups) {
		state := p.groups[group]
		byBatch := make(map[*batch][]int64)
		var order []*batch
		for id, req := range state.requests {
			if !isExpired(req.deadline) {
				continue
			}
			if _, seen := byBatch[req.batch]; !seen {
				order = append(order, req.batch)
			}
			byBatch[req.batch] = append(byBatch[req.batch], id)
			delete(state.requests, id)
		}
		if len(state.requests) == 0 {
			delete(p.groups, group)
		}
		for _, b := range order {
			ids := byBatch[b]
			slices.Sort(ids)
			batches = append(batches, expiredBatch{onTimeout: b.onTimeout, ids: ids})
		}
	}
	p.mu.Unlock()

	// Deterministic callback order, by lowest id.
	slices.SortFunc(batches, func(a, b expiredBatch) int { return cmp.Compare(a.ids[0], b.ids[0]) })

	for _, batch := range batches {
		if batch.onTimeout == nil {
			p.logger.Warn("pending requests expired without a timeout callback", "ids", batch.ids)
			continue
		}
		batch.onTimeout(batch.ids)
	}
}
