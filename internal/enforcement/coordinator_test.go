package enforcement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/warden/internal/metrics"
	"github.com/dreamware/warden/internal/overuse"
	"github.com/dreamware/warden/internal/watchdog"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type safeSet map[string]bool

func (s safeSet) IsSafeToKill(pkg overuse.PackageInfo) bool { return s[pkg.Name] }

type mapResolver map[int32]string

func (r mapResolver) Resolve(_ context.Context, pid, uid int32) (overuse.PackageInfo, error) {
	name, ok := r[pid]
	if !ok {
		return overuse.PackageInfo{}, errors.New("no such process")
	}
	return overuse.PackageInfo{Name: name, UID: uid}, nil
}

type fakeMonitor struct {
	mu    sync.Mutex
	dumps [][]int32
	err   error
}

func (m *fakeMonitor) ID() string { return "monitor" }

func (m *fakeMonitor) OnClientsNotResponding(_ context.Context, pids []int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dumps = append(m.dumps, pids)
	return m.err
}

type monitorSource struct{ m watchdog.Monitor }

func (s monitorSource) CurrentMonitor() watchdog.Monitor { return s.m }

type recordingTerminator struct {
	mu      sync.Mutex
	targets []Target
	err     error
}

func (r *recordingTerminator) Terminate(_ context.Context, t Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, t)
	return r.err
}

func (r *recordingTerminator) pids() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pids []int32
	for _, t := range r.targets {
		pids = append(pids, t.PID)
	}
	return pids
}

type recordingReporter struct {
	reported map[int32]string
}

func (r *recordingReporter) ReportTerminated(_ context.Context, pid int32, name string, _ Reason) error {
	r.reported[pid] = name
	return nil
}

type preparingClient struct {
	prepared bool
}

func (c *preparingClient) ID() string { return "client" }

func (c *preparingClient) CheckIfAlive(context.Context, int64, watchdog.Tier) error { return nil }

func (c *preparingClient) PrepareProcessTermination(context.Context) error {
	c.prepared = true
	return nil
}

type fixture struct {
	coord    *Coordinator
	monitor  *fakeMonitor
	term     *recordingTerminator
	reporter *recordingReporter
	clock    *clock.Mock
}

func newFixture(t *testing.T, monitor watchdog.Monitor, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		term:     &recordingTerminator{},
		reporter: &recordingReporter{reported: map[int32]string{}},
		clock:    clock.NewMock(),
	}
	if m, ok := monitor.(*fakeMonitor); ok {
		f.monitor = m
	}
	base := []Option{
		WithMonitorSource(monitorSource{m: monitor}),
		WithResolver(mapResolver{100: "killable", 200: "precious"}),
		WithTerminator(f.term),
		WithReporter(f.reporter),
		WithClock(f.clock),
		WithLogger(testLogger),
		WithDumpTimeout(2 * time.Second),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	}
	f.coord = NewCoordinator(safeSet{"killable": true}, append(base, opts...)...)
	t.Cleanup(f.coord.Close)
	return f
}

func notResponding(pid int32, client watchdog.Client) watchdog.NotResponding {
	return watchdog.NotResponding{Client: client, Caller: watchdog.Caller{PID: pid, UID: 10001}}
}

// TestEnforceSafeAndUnsafe verifies that killable targets are dumped,
// prepared, terminated and reported while the rest are only dumped.
func TestEnforceSafeAndUnsafe(t *testing.T) {
	f := newFixture(t, &fakeMonitor{})
	client := &preparingClient{}

	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{
		notResponding(100, client),
		notResponding(200, nil),
	})

	require.Len(t, f.monitor.dumps, 1)
	assert.ElementsMatch(t, []int32{100, 200}, f.monitor.dumps[0], "both targets are dumped")
	assert.Equal(t, []int32{100}, f.term.pids(), "only the safe package is terminated")
	assert.True(t, client.prepared)
	assert.Equal(t, map[int32]string{100: "killable"}, f.reporter.reported)
	assert.Equal(t, 2, f.coord.PendingDumps())
}

// TestEnforceUnresolvedProcessSurvives verifies that a target whose package
// cannot be resolved is dumped but never killed.
func TestEnforceUnresolvedProcessSurvives(t *testing.T) {
	f := newFixture(t, &fakeMonitor{})

	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{notResponding(999, nil)})

	assert.Empty(t, f.term.pids())
	require.Len(t, f.monitor.dumps, 1)
	assert.Equal(t, []int32{999}, f.monitor.dumps[0])
}

// TestEnforceWithoutMonitor verifies that killable targets are terminated
// directly when no monitor is registered.
func TestEnforceWithoutMonitor(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{
		notResponding(100, nil),
		notResponding(200, nil),
	})

	assert.Equal(t, []int32{100}, f.term.pids(), "safe packages are terminated without a dump")
	assert.Zero(t, f.coord.PendingDumps())
}

// TestEnforceMonitorErrorStillTerminates verifies that a failing dump request
// does not stop the termination.
func TestEnforceMonitorErrorStillTerminates(t *testing.T) {
	f := newFixture(t, &fakeMonitor{err: errors.New("dump failed")})

	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{notResponding(100, nil)})

	assert.Equal(t, []int32{100}, f.term.pids())
	assert.Zero(t, f.coord.PendingDumps(), "a failed dump request is not tracked")
}

// TestEnforceTerminationFailureIsNotReported verifies that only successful
// terminations are reported.
func TestEnforceTerminationFailureIsNotReported(t *testing.T) {
	f := newFixture(t, &fakeMonitor{})
	f.term.err = errors.New("permission denied")

	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{notResponding(100, nil)})

	assert.Equal(t, []int32{100}, f.term.pids())
	assert.Empty(t, f.reporter.reported)
}

// TestDumpFinished verifies that DumpFinished resolves an outstanding dump
// exactly once.
func TestDumpFinished(t *testing.T) {
	f := newFixture(t, &fakeMonitor{})

	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{notResponding(200, nil)})
	require.Equal(t, 1, f.coord.PendingDumps())

	// A repeated report of the same pid does not request a second dump.
	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{notResponding(200, nil)})
	assert.Len(t, f.monitor.dumps, 1)

	assert.True(t, f.coord.DumpFinished(200))
	assert.False(t, f.coord.DumpFinished(200))
	assert.False(t, f.coord.DumpFinished(12345))
	assert.Zero(t, f.coord.PendingDumps())
}

// TestDumpTimeout verifies that dumps the monitor never finishes expire after
// the dump timeout.
func TestDumpTimeout(t *testing.T) {
	f := newFixture(t, &fakeMonitor{})

	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{notResponding(200, nil)})
	require.Equal(t, 1, f.coord.PendingDumps())

	f.clock.Add(5 * time.Second)
	assert.Eventually(t, func() bool { return f.coord.PendingDumps() == 0 }, time.Second, 10*time.Millisecond)
	assert.False(t, f.coord.DumpFinished(200))
}

// TestDumpRateLimit verifies that the rate limiter skips dumps but never
// terminations.
func TestDumpRateLimit(t *testing.T) {
	f := newFixture(t, &fakeMonitor{}, WithDumpRate(time.Hour, 1))

	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{notResponding(200, nil)})
	f.coord.HandleNotResponding(context.Background(), []watchdog.NotResponding{notResponding(100, nil)})

	assert.Len(t, f.monitor.dumps, 1)
	assert.Equal(t, []int32{100}, f.term.pids(), "termination does not wait for the dump budget")
}

// TestHandleIoOveruse verifies that overusing packages are enforced by
// package with the I/O overuse reason.
func TestHandleIoOveruse(t *testing.T) {
	f := newFixture(t, &fakeMonitor{})

	f.coord.HandleIoOveruse(context.Background(), []overuse.PackageIoOveruseStats{
		{Package: overuse.PackageInfo{Name: "killable", UID: 1010001}, Overused: true},
		{Package: overuse.PackageInfo{Name: "precious", UID: 1010002}, Overused: true},
	})

	assert.Empty(t, f.monitor.dumps, "package-level targets have no pid to dump")
	require.Len(t, f.term.targets, 1)
	assert.Equal(t, "killable", f.term.targets[0].Package.Name)
	assert.Equal(t, int32(1010001), f.term.targets[0].Package.UID)
	assert.Equal(t, ReasonIoOveruse, f.term.targets[0].Reason)
}

// TestEnforceEmpty verifies that an empty target list does nothing.
func TestEnforceEmpty(t *testing.T) {
	f := newFixture(t, &fakeMonitor{})
	f.coord.Enforce(context.Background(), nil)
	assert.Empty(t, f.monitor.dumps)
	assert.Empty(t, f.term.pids())
}

// TestReasonString verifies the names of the enforcement reasons.
func TestReasonString(t *testing.T) {
	assert.Equal(t, "not_responding", ReasonNotResponding.String())
	assert.Equal(t, "io_overuse", ReasonIoOveruse.String())
}
