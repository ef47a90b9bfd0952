package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient records probes and optionally answers them.
type fakeClient struct {
	id       string
	mu       sync.Mutex
	sessions []int64
	tiers    []Tier
	reply    func(session int64)
	err      error
	prepared int
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) CheckIfAlive(_ context.Context, session int64, tier Tier) error {
	c.mu.Lock()
	c.sessions = append(c.sessions, session)
	c.tiers = append(c.tiers, tier)
	reply := c.reply
	c.mu.Unlock()
	if reply != nil {
		reply(session)
	}
	return c.err
}

func (c *fakeClient) PrepareProcessTermination(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared++
	return nil
}

func (c *fakeClient) lastSession() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return 0
	}
	return c.sessions[len(c.sessions)-1]
}

func (c *fakeClient) probeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// fakeMonitor is a Monitor that records dump requests.
type fakeMonitor struct {
	id string
}

func (m *fakeMonitor) ID() string { return m.id }

func (m *fakeMonitor) OnClientsNotResponding(context.Context, []int32) error { return nil }

// fakeEnforcer records enforcement requests.
type fakeEnforcer struct {
	mu       sync.Mutex
	handled  []NotResponding
	dumps    map[int32]bool
	finished []int32
}

func (e *fakeEnforcer) HandleNotResponding(_ context.Context, procs []NotResponding) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handled = append(e.handled, procs...)
}

func (e *fakeEnforcer) DumpFinished(pid int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, pid)
	return e.dumps[pid]
}

func (e *fakeEnforcer) ids() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.handled))
	for _, p := range e.handled {
		out = append(out, p.ID)
	}
	return out
}

func (e *fakeEnforcer) pids() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int32, 0, len(e.handled))
	for _, p := range e.handled {
		out = append(out, p.Caller.PID)
	}
	return out
}

// fakeSubscriber captures death callbacks so tests can trigger them.
type fakeSubscriber struct {
	mu        sync.Mutex
	callbacks map[string]func()
	cancelled map[string]int
	err       error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{callbacks: make(map[string]func()), cancelled: make(map[string]int)}
}

func (f *fakeSubscriber) Subscribe(id string, _ Caller, onDeath func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.callbacks[id] = onDeath
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled[id]++
	}, nil
}

func (f *fakeSubscriber) kill(id string) {
	f.mu.Lock()
	cb := f.callbacks[id]
	f.mu.Unlock()
	cb()
}

// fakeStatsRemover records removed users.
type fakeStatsRemover struct {
	mu      sync.Mutex
	removed []int32
}

func (f *fakeStatsRemover) RemoveStatsForUser(userID int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, userID)
}

// fakeAliveReporter counts alive reports.
type fakeAliveReporter struct {
	mu    sync.Mutex
	count int
}

func (f *fakeAliveReporter) ReportAlive(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func (f *fakeAliveReporter) reports() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestService starts a service on a mock clock. Rounds only run when the
// test calls doHealthCheck or advances the clock.
func newTestService(t *testing.T, opts ...Option) (*Service, *clock.Mock, *fakeEnforcer) {
	t.Helper()
	mock := clock.NewMock()
	opts = append([]Option{WithClock(mock), WithLogger(testLogger)}, opts...)
	svc := NewService(opts...)
	enforcer := &fakeEnforcer{dumps: make(map[int32]bool)}
	svc.SetEnforcer(enforcer)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Terminate)
	return svc, mock, enforcer
}

// TestRegisterClientValidation verifies that malformed registrations are
// rejected.
func TestRegisterClientValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name    string
		client  Client
		tier    Tier
		wantErr error
	}{
		{name: "nil client", client: nil, tier: TierCritical, wantErr: ErrInvalidArgument},
		{name: "empty id", client: newFakeClient(""), tier: TierCritical, wantErr: ErrInvalidArgument},
		{name: "unknown tier", client: newFakeClient("a"), tier: Tier(7), wantErr: ErrInvalidArgument},
		{name: "valid", client: newFakeClient("b"), tier: TierNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := svc.RegisterClient(tt.client, Caller{PID: 100, UID: 1000}, tt.tier)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Positive(t, session)
		})
	}
}

// TestRegisterClientDuplicate verifies that a second registration of an
// identity fails with ErrAlreadyExists.
func TestRegisterClientDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := newFakeClient("client-1")

	first, err := svc.RegisterClient(c, Caller{PID: 1}, TierCritical)
	require.NoError(t, err)

	_, err = svc.RegisterClient(c, Caller{PID: 1}, TierCritical)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// The identity is unique across tiers and roles.
	_, err = svc.RegisterClient(c, Caller{PID: 1}, TierNormal)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = svc.RegisterMediator(c, Caller{PID: 1})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, svc.UnregisterClient("client-1"))
	second, err := svc.RegisterClient(c, Caller{PID: 1}, TierCritical)
	require.NoError(t, err)
	assert.Greater(t, second, first, "session ids are never reused")
}

// TestRegisterLifecycle verifies that registration fails before Start and
// after Terminate.
func TestRegisterLifecycle(t *testing.T) {
	svc := NewService(WithClock(clock.NewMock()), WithLogger(testLogger))

	_, err := svc.RegisterClient(newFakeClient("early"), Caller{}, TierCritical)
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.ErrorIs(t, svc.RegisterMonitor(&fakeMonitor{id: "m"}, Caller{}), ErrIllegalState)

	require.NoError(t, svc.Start())
	assert.ErrorIs(t, svc.Start(), ErrIllegalState)

	svc.Terminate()
	svc.Terminate()
	_, err = svc.RegisterClient(newFakeClient("late"), Caller{}, TierCritical)
	assert.ErrorIs(t, err, ErrIllegalState)
}

// TestUnregisterUnknownIsNoop verifies that unregistering an unknown identity
// is not an error.
func TestUnregisterUnknownIsNoop(t *testing.T) {
	svc, _, _ := newTestService(t)

	assert.NoError(t, svc.UnregisterClient("ghost"))
	assert.NoError(t, svc.UnregisterMediator("ghost"))
	assert.NoError(t, svc.UnregisterMonitor("ghost"))
}

// TestUnregisterCancelsOutstandingProbe verifies that unregistering finishes
// the outstanding probe without a miss.
func TestUnregisterCancelsOutstandingProbe(t *testing.T) {
	svc, _, enforcer := newTestService(t)
	c := newFakeClient("client-1")
	_, err := svc.RegisterClient(c, Caller{PID: 10}, TierModerate)
	require.NoError(t, err)

	svc.doHealthCheck(TierModerate)
	require.Equal(t, 1, svc.pools[TierModerate].Pending(TierModerate))

	require.NoError(t, svc.UnregisterClient("client-1"))
	assert.Equal(t, 0, svc.pools[TierModerate].Pending(TierModerate))

	// A reply after unregistering is ignored.
	assert.NoError(t, svc.TellClientAlive("client-1", c.lastSession()))

	svc.doHealthCheck(TierModerate)
	svc.doHealthCheck(TierModerate)
	assert.Empty(t, enforcer.ids())
}

// TestMonitorRegistration verifies monitor replacement and that only the
// registered monitor may report dumps.
func TestMonitorRegistration(t *testing.T) {
	svc, _, enforcer := newTestService(t)
	enforcer.dumps[42] = true

	first := &fakeMonitor{id: "monitor-1"}
	require.NoError(t, svc.RegisterMonitor(first, Caller{PID: 5}))
	require.NoError(t, svc.RegisterMonitor(first, Caller{PID: 5}))
	assert.Equal(t, first, svc.CurrentMonitor())

	second := &fakeMonitor{id: "monitor-2"}
	require.NoError(t, svc.RegisterMonitor(second, Caller{PID: 6}))
	assert.Equal(t, second, svc.CurrentMonitor(), "registration replaces the previous monitor")

	// Only the registered monitor may report dumps.
	assert.ErrorIs(t, svc.TellDumpFinished("monitor-1", 42), ErrInvalidArgument)
	require.NoError(t, svc.TellDumpFinished("monitor-2", 42))
	assert.Equal(t, []int32{42}, enforcer.finished)

	// Unregistering a stale identity leaves the current monitor.
	require.NoError(t, svc.UnregisterMonitor("monitor-1"))
	assert.Equal(t, second, svc.CurrentMonitor())

	require.NoError(t, svc.UnregisterMonitor("monitor-2"))
	assert.Nil(t, svc.CurrentMonitor())
	assert.ErrorIs(t, svc.TellDumpFinished("monitor-2", 42), ErrInvalidArgument)
}

// TestLivenessSubscription verifies that a process death unregisters its
// client once.
func TestLivenessSubscription(t *testing.T) {
	sub := newFakeSubscriber()
	svc, _, _ := newTestService(t, WithSubscriber(sub))

	_, err := svc.RegisterClient(newFakeClient("client-1"), Caller{PID: 10}, TierNormal)
	require.NoError(t, err)
	_, err = svc.RegisterMediator(newFakeClient("mediator-1"), Caller{PID: 11})
	require.NoError(t, err)
	require.NoError(t, svc.RegisterMonitor(&fakeMonitor{id: "monitor-1"}, Caller{PID: 12}))

	sub.kill("client-1")
	_, err = svc.Client("client-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// A racing explicit unregister and a repeated death are both no-ops.
	assert.NoError(t, svc.UnregisterClient("client-1"))
	sub.kill("client-1")

	require.NoError(t, svc.UnregisterMediator("mediator-1"))
	sub.kill("mediator-1")
	assert.Len(t, svc.Clients(), 0)

	sub.mu.Lock()
	assert.Equal(t, 1, sub.cancelled["mediator-1"])
	sub.mu.Unlock()

	sub.kill("monitor-1")
	assert.Nil(t, svc.CurrentMonitor())
}

// TestLivenessSubscriptionFailure verifies that a failed subscription rejects
// the registration.
func TestLivenessSubscriptionFailure(t *testing.T) {
	sub := newFakeSubscriber()
	sub.err = errors.New("process gone")
	svc, _, _ := newTestService(t, WithSubscriber(sub))

	_, err := svc.RegisterClient(newFakeClient("client-1"), Caller{PID: 10}, TierNormal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process gone")
	assert.Empty(t, svc.Clients(), "a failed subscription must not leave the client registered")
}

// TestClientsSnapshot verifies the client status listing.
func TestClientsSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.RegisterClient(newFakeClient("b"), Caller{PID: 2, UID: 100010}, TierNormal)
	require.NoError(t, err)
	_, err = svc.RegisterClient(newFakeClient("a"), Caller{PID: 1, UID: 10}, TierCritical)
	require.NoError(t, err)
	_, err = svc.RegisterMediator(newFakeClient("m"), Caller{PID: 3})
	require.NoError(t, err)

	clients := svc.Clients()
	require.Len(t, clients, 3)
	assert.Equal(t, "a", clients[0].ID)
	assert.Equal(t, "critical", clients[0].Tier)
	assert.Equal(t, "b", clients[1].ID)
	assert.Equal(t, "mediator", clients[2].Role)
	assert.Empty(t, clients[2].Tier)

	var sb strings.Builder
	require.NoError(t, svc.Dump(&sb))
	assert.Contains(t, sb.String(), "client a pid=1")
	assert.Contains(t, sb.String(), "mediator m pid=3")
}

// TestParseNames verifies parsing of tier, power cycle and user state names.
func TestParseNames(t *testing.T) {
	tier, err := ParseTier("Critical")
	require.NoError(t, err)
	assert.Equal(t, TierCritical, tier)
	_, err = ParseTier("urgent")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	cycle, err := ParsePowerCycle("shutdown_enter")
	require.NoError(t, err)
	assert.Equal(t, PowerCycleShutdownEnter, cycle)
	_, err = ParsePowerCycle("sleep")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	state, err := ParseUserState("REMOVED")
	require.NoError(t, err)
	assert.Equal(t, UserStateRemoved, state)
	_, err = ParseUserState("paused")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Equal(t, int32(10), Caller{UID: 1010123}.UserID())
}
