package vhal

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dreamware/warden/internal/metrics"
	"github.com/dreamware/warden/internal/pending"
)

// GetCallback receives the value of a get request or its error.
type GetCallback func(value *PropValue, err error)

// SetCallback receives the error of a set request, nil on success.
type SetCallback func(err error)

type requestKind string

const (
	getGroup requestKind = "get"
	setGroup requestKind = "set"
)

type pendingGet struct {
	cb   GetCallback
	prop int32
	area int32
}

type pendingSet struct {
	cb   SetCallback
	prop int32
	area int32
}

// Client issues asynchronous property requests. Every callback is invoked
// exactly once: with the result, with the transport error or with a timeout.
type Client struct {
	hal     Hal
	pool    *pending.Pool[requestKind]
	gets    *pending.Table[requestKind, pendingGet]
	sets    *pending.Table[requestKind, pendingSet]
	logger  *slog.Logger
	metrics *metrics.Collectors
	nextID  atomic.Int64
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collectors
}

// WithClock sets the clock of the request timeout pool. Tests pass a
// clock.NewMock to time requests out without waiting.
//
// Parameters:
//   - c: clock driving request deadlines
//
// Example:
//
//	mock := clock.NewMock()
//	client := vhal.NewClient(hal, time.Second, vhal.WithClock(mock))
//	mock.Add(2 * time.Second) // pending callbacks get StatusTryAgain
func WithClock(c clock.Clock) ClientOption {
	return func(o *clientOptions) { o.clock = c }
}

// WithLogger sets the logger for transport errors and late results.
// Defaults to slog.Default.
//
// Parameters:
//   - l: structured logger
//
// Example:
//
//	vhal.WithLogger(logger.With("component", "vhal"))
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithMetrics counts every completed request in
// warden_vhal_requests_total. A nil m records nothing.
//
// Parameters:
//   - m: collectors registered by metrics.New
//
// Example:
//
//	vhal.WithMetrics(metrics.New(reg))
func WithMetrics(m *metrics.Collectors) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// NewClient creates a client over hal. Requests without a result after
// timeout fail with StatusTryAgain.
func NewClient(hal Hal, timeout time.Duration, opts ...ClientOption) *Client {
	o := clientOptions{clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	pool := pending.NewPool[requestKind](timeout, pending.WithClock(o.clock), pending.WithLogger(o.logger))
	return &Client{
		hal:     hal,
		pool:    pool,
		gets:    pending.NewTable[requestKind, pendingGet](pool, getGroup),
		sets:    pending.NewTable[requestKind, pendingSet](pool, setGroup),
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Close stops the client. Outstanding requests complete with StatusTryAgain.
func (c *Client) Close() {
	c.pool.Close()
}

// GetValue requests the current value of the property and area of req.
func (c *Client) GetValue(ctx context.Context, req PropValue, cb GetCallback) {
	id := c.nextID.Add(1)
	p := pendingGet{cb: cb, prop: req.Prop, area: req.AreaID}
	if err := c.gets.Add(id, p, c.onGetTimeout); err != nil {
		c.metrics.PropertyRequest(string(getGroup), "rejected")
		cb(nil, fmt.Errorf("get prop %d: %w", req.Prop, err))
		return
	}
	err := c.hal.GetValues(ctx, c, []GetRequest{{RequestID: id, Prop: req}})
	if err == nil {
		return
	}
	if _, ok := c.gets.Finish(id); ok {
		c.metrics.PropertyRequest(string(getGroup), "transport_error")
		cb(nil, fmt.Errorf("failed to get value for prop %d area %d: %w", req.Prop, req.AreaID, err))
	}
}

// SetValue writes value.
func (c *Client) SetValue(ctx context.Context, value PropValue, cb SetCallback) {
	id := c.nextID.Add(1)
	p := pendingSet{cb: cb, prop: value.Prop, area: value.AreaID}
	if err := c.sets.Add(id, p, c.onSetTimeout); err != nil {
		c.metrics.PropertyRequest(string(setGroup), "rejected")
		cb(fmt.Errorf("set prop %d: %w", value.Prop, err))
		return
	}
	err := c.hal.SetValues(ctx, c, []SetRequest{{RequestID: id, Value: value}})
	if err == nil {
		return
	}
	if _, ok := c.sets.Finish(id); ok {
		c.metrics.PropertyRequest(string(setGroup), "transport_error")
		cb(fmt.Errorf("failed to set value for prop %d area %d: %w", value.Prop, value.AreaID, err))
	}
}

// Get is the blocking form of GetValue.
func (c *Client) Get(ctx context.Context, req PropValue) (*PropValue, error) {
	type result struct {
		value *PropValue
		err   error
	}
	done := make(chan result, 1)
	c.GetValue(ctx, req, func(v *PropValue, err error) { done <- result{v, err} })
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Set is the blocking form of SetValue.
func (c *Client) Set(ctx context.Context, value PropValue) error {
	done := make(chan error, 1)
	c.SetValue(ctx, value, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnGetValues implements Callbacks.
func (c *Client) OnGetValues(results []GetResult) {
	for _, r := range results {
		p, ok := c.gets.Finish(r.RequestID)
		if !ok {
			c.logger.Debug("no pending get request, maybe already timed out", "request_id", r.RequestID)
			continue
		}
		switch {
		case r.Status != StatusOK:
			c.metrics.PropertyRequest(string(getGroup), r.Status.String())
			p.cb(nil, &StatusError{Prop: p.prop, Area: p.area, Status: r.Status, Msg: "failed to get value"})
		case r.Prop == nil:
			c.metrics.PropertyRequest(string(getGroup), StatusInternalError.String())
			p.cb(nil, &StatusError{Prop: p.prop, Area: p.area, Status: StatusInternalError, Msg: "returned no value"})
		default:
			c.metrics.PropertyRequest(string(getGroup), StatusOK.String())
			v := *r.Prop
			p.cb(&v, nil)
		}
	}
}

// OnSetValues implements Callbacks.
func (c *Client) OnSetValues(results []SetResult) {
	for _, r := range results {
		p, ok := c.sets.Finish(r.RequestID)
		if !ok {
			c.logger.Debug("no pending set request, maybe already timed out", "request_id", r.RequestID)
			continue
		}
		c.metrics.PropertyRequest(string(setGroup), r.Status.String())
		if r.Status != StatusOK {
			p.cb(&StatusError{Prop: p.prop, Area: p.area, Status: r.Status, Msg: "failed to set value"})
			continue
		}
		p.cb(nil)
	}
}

func (c *Client) onGetTimeout(ids []int64) {
	for _, p := range c.gets.Expired(ids) {
		c.metrics.PropertyRequest(string(getGroup), "timeout")
		p.cb(nil, &StatusError{Prop: p.prop, Area: p.area, Status: StatusTryAgain, Msg: "request timed out"})
	}
}

func (c *Client) onSetTimeout(ids []int64) {
	for _, p := range c.sets.Expired(ids) {
		c.metrics.PropertyRequest(string(setGroup), "timeout")
		p.cb(&StatusError{Prop: p.prop, Area: p.area, Status: StatusTryAgain, Msg: "request timed out"})
	}
}
