package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCriticalClientDeclaredOnSecondMissedRound registers a silent client in
// the critical tier (miss limit 2) and checks it is declared not responding
// when the second round closes, not the first.
func TestCriticalClientDeclaredOnSecondMissedRound(t *testing.T) {
	svc, _, enforcer := newTestService(t)
	c := newFakeClient("silent")
	_, err := svc.RegisterClient(c, Caller{PID: 321, UID: 10010}, TierCritical)
	require.NoError(t, err)

	// Round 1 starts.
	svc.doHealthCheck(TierCritical)
	assert.Equal(t, 1, c.probeCount())

	// Round 1 closes with a miss; round 2 starts.
	svc.doHealthCheck(TierCritical)
	assert.Empty(t, enforcer.ids(), "one miss is below the limit")
	status, err := svc.Client("silent")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Misses)
	assert.Equal(t, 2, c.probeCount())

	// Round 2 closes with the second miss.
	svc.doHealthCheck(TierCritical)
	assert.Equal(t, []string{"silent"}, enforcer.ids())
	assert.Equal(t, []int32{321}, enforcer.pids())

	_, err = svc.Client("silent")
	assert.ErrorIs(t, err, ErrNotFound, "a declared client is removed")
	assert.Equal(t, 2, c.probeCount())
}

// TestReplyResetsMissCounter verifies that a reply resets the consecutive
// miss counter.
func TestReplyResetsMissCounter(t *testing.T) {
	svc, _, enforcer := newTestService(t)
	c := newFakeClient("flaky")
	_, err := svc.RegisterClient(c, Caller{PID: 1}, TierCritical)
	require.NoError(t, err)

	svc.doHealthCheck(TierCritical)
	svc.doHealthCheck(TierCritical) // miss 1

	require.NoError(t, svc.TellClientAlive("flaky", c.lastSession()))
	status, err := svc.Client("flaky")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Misses)
	assert.False(t, status.Awaiting)

	svc.doHealthCheck(TierCritical) // no miss, replied
	svc.doHealthCheck(TierCritical) // miss 1
	assert.Empty(t, enforcer.ids())
}

// TestRespondingClientNeverEnforced verifies that a client answering every
// round is never enforced.
func TestRespondingClientNeverEnforced(t *testing.T) {
	svc, _, enforcer := newTestService(t)
	c := newFakeClient("good")
	c.reply = func(session int64) {
		assert.NoError(t, svc.TellClientAlive("good", session))
	}
	_, err := svc.RegisterClient(c, Caller{PID: 1}, TierNormal)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		svc.doHealthCheck(TierNormal)
	}
	assert.Equal(t, 5, c.probeCount())
	assert.Empty(t, enforcer.ids())
	assert.Equal(t, 0, svc.pools[TierNormal].Pending(TierNormal))
}

// TestStaleSessionIgnored verifies that a reply with an old session id is
// ignored.
func TestStaleSessionIgnored(t *testing.T) {
	svc, _, _ := newTestService(t)
	a := newFakeClient("a")
	b := newFakeClient("b")
	_, err := svc.RegisterClient(a, Caller{PID: 1}, TierCritical)
	require.NoError(t, err)
	_, err = svc.RegisterClient(b, Caller{PID: 2}, TierCritical)
	require.NoError(t, err)

	svc.doHealthCheck(TierCritical)

	// Unknown session, another client's session, and a mediator reply for a
	// regular client are all ignored.
	assert.NoError(t, svc.TellClientAlive("a", 999999))
	assert.NoError(t, svc.TellClientAlive("a", b.lastSession()))
	assert.NoError(t, svc.TellMediatorAlive("a", nil, a.lastSession()))
	assert.Equal(t, 2, svc.pools[TierCritical].Pending(TierCritical))

	require.NoError(t, svc.TellClientAlive("a", a.lastSession()))
	assert.Equal(t, 1, svc.pools[TierCritical].Pending(TierCritical))

	// Replying twice is a no-op.
	require.NoError(t, svc.TellClientAlive("a", a.lastSession()))
	assert.Equal(t, 1, svc.pools[TierCritical].Pending(TierCritical))
}

// TestTierIsolation verifies that each tier probes only its own clients on
// its own period.
func TestTierIsolation(t *testing.T) {
	svc, _, _ := newTestService(t)
	critical := newFakeClient("critical")
	normal := newFakeClient("normal")
	_, err := svc.RegisterClient(critical, Caller{PID: 1}, TierCritical)
	require.NoError(t, err)
	_, err = svc.RegisterClient(normal, Caller{PID: 2}, TierNormal)
	require.NoError(t, err)

	svc.doHealthCheck(TierCritical)
	assert.Equal(t, 1, critical.probeCount())
	assert.Equal(t, 0, normal.probeCount())
}

// TestMediatorProbedOnEveryTier verifies that mediators are probed on the
// rounds of every tier.
func TestMediatorProbedOnEveryTier(t *testing.T) {
	svc, _, enforcer := newTestService(t)
	m := newFakeClient("mediator")
	_, err := svc.RegisterMediator(m, Caller{PID: 50})
	require.NoError(t, err)

	for _, tier := range Tiers {
		svc.doHealthCheck(tier)
	}
	m.mu.Lock()
	assert.Equal(t, []Tier{TierCritical, TierModerate, TierNormal}, m.tiers)
	m.mu.Unlock()

	// A current session forwards the reported pids to enforcement.
	require.NoError(t, svc.TellMediatorAlive("mediator", []int32{700, 701}, m.lastSession()))
	assert.Equal(t, []int32{700, 701}, enforcer.pids())

	// A stale session does not.
	require.NoError(t, svc.TellMediatorAlive("mediator", []int32{702}, m.lastSession()))
	assert.Equal(t, []int32{700, 701}, enforcer.pids())
}

// TestPowerCycleGatesRounds verifies that no rounds run while the device
// shuts down.
func TestPowerCycleGatesRounds(t *testing.T) {
	svc, _, enforcer := newTestService(t)
	c := newFakeClient("client")
	_, err := svc.RegisterClient(c, Caller{PID: 1}, TierCritical)
	require.NoError(t, err)

	svc.doHealthCheck(TierCritical)
	svc.doHealthCheck(TierCritical) // miss 1
	require.Equal(t, 2, c.probeCount())

	require.NoError(t, svc.NotifyPowerCycleChange(PowerCycleShutdownPrepare))
	assert.False(t, svc.Enabled())
	assert.Equal(t, 0, svc.pools[TierCritical].Pending(TierCritical), "outstanding probes are released")

	svc.doHealthCheck(TierCritical)
	svc.doHealthCheck(TierCritical)
	assert.Equal(t, 2, c.probeCount(), "no probes while shutting down")
	assert.Empty(t, enforcer.ids())

	require.NoError(t, svc.NotifyPowerCycleChange(PowerCycleResume))
	assert.True(t, svc.Enabled())

	// Miss counters restart from zero after the pause.
	svc.doHealthCheck(TierCritical)
	svc.doHealthCheck(TierCritical)
	assert.Empty(t, enforcer.ids())
	svc.doHealthCheck(TierCritical)
	assert.Equal(t, []string{"client"}, enforcer.ids())

	assert.ErrorIs(t, svc.NotifyPowerCycleChange(PowerCycle(9)), ErrInvalidArgument)
}

// TestControlProcessHealthCheck verifies that turning health checking off
// stops rounds.
func TestControlProcessHealthCheck(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := newFakeClient("client")
	_, err := svc.RegisterClient(c, Caller{PID: 1}, TierModerate)
	require.NoError(t, err)

	require.NoError(t, svc.ControlProcessHealthCheck(false))
	svc.doHealthCheck(TierModerate)
	assert.Equal(t, 0, c.probeCount())

	// Power and health-check gates are independent.
	require.NoError(t, svc.NotifyPowerCycleChange(PowerCycleResume))
	svc.doHealthCheck(TierModerate)
	assert.Equal(t, 0, c.probeCount())

	require.NoError(t, svc.ControlProcessHealthCheck(true))
	svc.doHealthCheck(TierModerate)
	assert.Equal(t, 1, c.probeCount())
}

// TestUserStateGatesClients verifies that clients of a stopped user are
// skipped.
func TestUserStateGatesClients(t *testing.T) {
	remover := &fakeStatsRemover{}
	svc, _, enforcer := newTestService(t)
	svc.SetUserStatsRemover(remover)

	user10 := newFakeClient("user10")
	user0 := newFakeClient("user0")
	_, err := svc.RegisterClient(user10, Caller{PID: 1, UID: 1010057}, TierCritical)
	require.NoError(t, err)
	_, err = svc.RegisterClient(user0, Caller{PID: 2, UID: 1000}, TierCritical)
	require.NoError(t, err)

	svc.doHealthCheck(TierCritical)
	require.NoError(t, svc.NotifyUserStateChange(10, UserStateStopped))

	svc.doHealthCheck(TierCritical)
	svc.doHealthCheck(TierCritical)
	assert.Equal(t, 1, user10.probeCount(), "clients of a stopped user are not probed")
	assert.Equal(t, 2, user0.probeCount(), "removed before the third probe")
	assert.Equal(t, []string{"user0"}, enforcer.ids())

	require.NoError(t, svc.NotifyUserStateChange(10, UserStateStarted))
	svc.doHealthCheck(TierCritical)
	assert.Equal(t, 2, user10.probeCount())

	require.NoError(t, svc.NotifyUserStateChange(10, UserStateRemoved))
	assert.Equal(t, []int32{10}, remover.removed)

	assert.ErrorIs(t, svc.NotifyUserStateChange(10, UserState(5)), ErrInvalidArgument)
}

// TestAliveReportedOnCriticalRounds verifies that the watchdog reports its
// own liveness on critical rounds.
func TestAliveReportedOnCriticalRounds(t *testing.T) {
	reporter := &fakeAliveReporter{}
	svc, _, _ := newTestService(t, WithAliveReporter(reporter))

	svc.doHealthCheck(TierCritical)
	svc.doHealthCheck(TierNormal)
	svc.doHealthCheck(TierCritical)
	assert.Equal(t, 2, reporter.reports())

	require.NoError(t, svc.NotifyPowerCycleChange(PowerCycleShutdownEnter))
	svc.doHealthCheck(TierCritical)
	assert.Equal(t, 2, reporter.reports())
}

// TestRoundDeadlineExpiresThroughPool advances the mock clock past the tier
// period so the pool sweep, rather than the next round, records the miss.
func TestRoundDeadlineExpiresThroughPool(t *testing.T) {
	svc, mock, enforcer := newTestService(t)
	c := newFakeClient("slow")
	_, err := svc.RegisterClient(c, Caller{PID: 1}, TierCritical)
	require.NoError(t, err)

	svc.doHealthCheck(TierCritical)
	mock.Add(svc.TierConfig(TierCritical).Period)

	assert.Eventually(t, func() bool {
		status, err := svc.Client("slow")
		return err == nil && status.Misses == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, enforcer.ids())
}

// TestProbesRunConcurrently verifies that a slow client does not delay the
// probes of others.
func TestProbesRunConcurrently(t *testing.T) {
	svc, _, _ := newTestService(t, WithProbeConcurrency(4))

	var wg sync.WaitGroup
	wg.Add(4)
	clients := make([]*fakeClient, 4)
	for i := range clients {
		c := newFakeClient(string(rune('a' + i)))
		// Each probe blocks until all four are in flight.
		c.reply = func(int64) {
			wg.Done()
			wg.Wait()
		}
		clients[i] = c
		_, err := svc.RegisterClient(c, Caller{PID: int32(i + 1)}, TierNormal)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		svc.doHealthCheck(TierNormal)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("probes did not run concurrently")
	}
}

// TestTerminateReleasesProbesWithoutEnforcement verifies that Terminate drops
// outstanding probes without enforcing anyone.
func TestTerminateReleasesProbesWithoutEnforcement(t *testing.T) {
	svc, _, enforcer := newTestService(t)
	c := newFakeClient("client")
	_, err := svc.RegisterClient(c, Caller{PID: 1}, TierCritical)
	require.NoError(t, err)

	svc.doHealthCheck(TierCritical)
	svc.Terminate()

	assert.Empty(t, enforcer.ids())
	assert.Empty(t, svc.Clients())
	assert.NoError(t, svc.TellClientAlive("client", c.lastSession()))
}
