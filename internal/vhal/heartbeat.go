package vhal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// HeartbeatStatus is the last observed state of the vehicle HAL heartbeat.
type HeartbeatStatus struct {
	LastCheck        time.Time `json:"last_check"`
	LastAdvance      time.Time `json:"last_advance"`
	Value            int64     `json:"value"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	Healthy          bool      `json:"healthy"`
}

// HeartbeatMonitor polls PropVhalHeartbeat and declares the vehicle HAL
// unhealthy once the value stops advancing for maxFailures checks in a row.
// A read error counts as a failed check.
type HeartbeatMonitor struct {
	client      *Client
	clock       clock.Clock
	logger      *slog.Logger
	interval    time.Duration
	maxFailures int
	onUnhealthy func()

	mu     sync.RWMutex
	status HeartbeatStatus
	seen   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHeartbeatMonitor creates a monitor checking every interval.
// onUnhealthy runs in its own goroutine each time the HAL turns unhealthy.
func NewHeartbeatMonitor(client *Client, interval time.Duration, maxFailures int, onUnhealthy func(), cl clock.Clock, logger *slog.Logger) *HeartbeatMonitor {
	if cl == nil {
		cl = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &HeartbeatMonitor{
		client:      client,
		clock:       cl,
		logger:      logger,
		interval:    interval,
		maxFailures: maxFailures,
		onUnhealthy: onUnhealthy,
		status:      HeartbeatStatus{Healthy: true},
		stop:        make(chan struct{}),
	}
}

// Start runs the check loop until Stop.
func (h *HeartbeatMonitor) Start() {
	ticker := h.clock.Ticker(h.interval)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Check(context.Background())
			case <-h.stop:
				return
			}
		}
	}()
	h.logger.Info("vehicle HAL heartbeat monitor started", "interval", h.interval)
}

// Stop ends the loop and waits for it.
func (h *HeartbeatMonitor) Stop() {
	select {
	case <-h.stop:
		return
	default:
		close(h.stop)
	}
	h.wg.Wait()
}

// Check reads the heartbeat once and updates the status.
func (h *HeartbeatMonitor) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	value, err := h.client.Get(ctx, PropValue{Prop: PropVhalHeartbeat})

	h.mu.Lock()
	now := h.clock.Now()
	h.status.LastCheck = now

	switch {
	case err == nil && (!h.seen || heartbeatOf(value) != h.status.Value):
		if !h.status.Healthy {
			h.logger.Info("vehicle HAL heartbeat recovered")
		}
		h.seen = true
		h.status.Value = heartbeatOf(value)
		h.status.LastAdvance = now
		h.status.ConsecutiveFails = 0
		h.status.Healthy = true
		h.mu.Unlock()
		return
	case err == nil:
		err = errors.New("heartbeat did not advance")
	}

	h.status.ConsecutiveFails++
	h.logger.Warn("vehicle HAL heartbeat check failed",
		"attempt", h.status.ConsecutiveFails, "max", h.maxFailures, "error", err)
	fire := h.status.Healthy && h.status.ConsecutiveFails >= h.maxFailures
	if fire {
		h.status.Healthy = false
		h.logger.Error("vehicle HAL is unhealthy", "last_advance", h.status.LastAdvance)
	}
	h.mu.Unlock()

	if fire && h.onUnhealthy != nil {
		go h.onUnhealthy()
	}
}

// Status returns a copy of the current status.
func (h *HeartbeatMonitor) Status() HeartbeatStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func heartbeatOf(v *PropValue) int64 {
	if v == nil || len(v.Int64Values) == 0 {
		return 0
	}
	return v.Int64Values[0]
}
