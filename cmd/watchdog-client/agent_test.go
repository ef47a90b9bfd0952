package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/warden/internal/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeDaemon records every call an agent makes.
type fakeDaemon struct {
	mu           sync.Mutex
	registerErrs []error
	calls
}

type calls struct {
	registered   []string
	unregistered []string
	alive        []int64
	mediator     [][]int32
	dumps        []int32
}

func (f *fakeDaemon) nextRegisterErr() error {
	if len(f.registerErrs) == 0 {
		return nil
	}
	err := f.registerErrs[0]
	f.registerErrs = f.registerErrs[1:]
	return err
}

func (f *fakeDaemon) record(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextRegisterErr(); err != nil {
		return err
	}
	f.registered = append(f.registered, kind)
	return nil
}

func (f *fakeDaemon) RegisterClient(_ context.Context, _ wire.RegisterRequest) (wire.RegisterResponse, error) {
	return wire.RegisterResponse{SessionID: 1}, f.record("client")
}

func (f *fakeDaemon) RegisterMediator(_ context.Context, _ wire.RegisterRequest) (wire.RegisterResponse, error) {
	return wire.RegisterResponse{SessionID: 1}, f.record("mediator")
}

func (f *fakeDaemon) RegisterMonitor(_ context.Context, _ wire.RegisterRequest) error {
	return f.record("monitor")
}

func (f *fakeDaemon) unregister(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, kind)
	return nil
}

func (f *fakeDaemon) UnregisterClient(context.Context, string) error {
	return f.unregister("client")
}

func (f *fakeDaemon) UnregisterMediator(context.Context, string) error {
	return f.unregister("mediator")
}

func (f *fakeDaemon) UnregisterMonitor(context.Context, string) error {
	return f.unregister("monitor")
}

func (f *fakeDaemon) TellClientAlive(_ context.Context, _ string, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = append(f.alive, sessionID)
	return nil
}

func (f *fakeDaemon) TellMediatorAlive(_ context.Context, _ string, sessionID int64, notResponding []int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = append(f.alive, sessionID)
	f.mediator = append(f.mediator, notResponding)
	return nil
}

func (f *fakeDaemon) TellDumpFinished(_ context.Context, _ string, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dumps = append(f.dumps, pid)
	return nil
}

func (f *fakeDaemon) snapshot() calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return calls{
		registered:   append([]string(nil), f.registered...),
		unregistered: append([]string(nil), f.unregistered...),
		alive:        append([]int64(nil), f.alive...),
		mediator:     append([][]int32(nil), f.mediator...),
		dumps:        append([]int32(nil), f.dumps...),
	}
}

var errGone = errors.New("process exited")

// fakeInspector serves process snapshots keyed by pid.
func fakeInspector(states map[int32]string) func(context.Context, int32) (processSnapshot, error) {
	return func(_ context.Context, pid int32) (processSnapshot, error) {
		state, ok := states[pid]
		if !ok {
			return processSnapshot{}, errGone
		}
		return processSnapshot{PID: pid, Name: "sample", Status: []string{state}}, nil
	}
}

func post(t *testing.T, h http.Handler, method, path string, body any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

// TestParseRole verifies the accepted agent roles.
func TestParseRole(t *testing.T) {
	for _, s := range []string{"client", "mediator", "monitor"} {
		r, err := parseRole(s)
		require.NoError(t, err)
		assert.Equal(t, Role(s), r)
	}
	_, err := parseRole("observer")
	assert.Error(t, err)
}

// TestAgentConfig verifies agent configuration from flags.
func TestAgentConfig(t *testing.T) {
	cfg, err := options{role: "client", tier: "critical", addr: "http://127.0.0.1:9"}.agentConfig()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ID, "a random id is generated")
	assert.Equal(t, int32(os.Getpid()), cfg.PID)

	_, err = options{role: "client", tier: "urgent"}.agentConfig()
	assert.Error(t, err)

	// Mediators have no tier.
	_, err = options{role: "mediator", tier: "urgent", id: "m"}.agentConfig()
	assert.NoError(t, err)
}

// TestRegisterRetries verifies that registration retries while the daemon is
// not ready.
func TestRegisterRetries(t *testing.T) {
	daemon := &fakeDaemon{registerErrs: []error{
		&wire.HTTPError{Status: http.StatusPreconditionFailed, Message: "not started"},
		&wire.HTTPError{Status: http.StatusServiceUnavailable},
	}}
	a := newAgent(agentConfig{ID: "c", Role: RoleClient}, daemon, testLogger)

	require.NoError(t, a.register(context.Background(), 5, time.Millisecond))
	assert.Equal(t, []string{"client"}, daemon.snapshot().registered)
}

// TestRegisterStopsOnRejection verifies that a conflict stops the
// registration retries.
func TestRegisterStopsOnRejection(t *testing.T) {
	daemon := &fakeDaemon{registerErrs: []error{
		&wire.HTTPError{Status: http.StatusConflict, Message: "already registered"},
	}}
	a := newAgent(agentConfig{ID: "c", Role: RoleClient}, daemon, testLogger)

	err := a.register(context.Background(), 5, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, wire.StatusCode(err))
	assert.Empty(t, daemon.snapshot().registered)
}

// TestUnregisterByRole verifies that each role unregisters through its own
// endpoint.
func TestUnregisterByRole(t *testing.T) {
	daemon := &fakeDaemon{}
	for _, role := range []Role{RoleClient, RoleMediator, RoleMonitor} {
		a := newAgent(agentConfig{ID: "x", Role: role}, daemon, testLogger)
		require.NoError(t, a.unregister(context.Background()))
	}
	assert.Equal(t, []string{"client", "mediator", "monitor"}, daemon.snapshot().unregistered)
}

// TestProbeAnswersAsynchronously verifies that probes are acknowledged at
// once and answered later, unless the agent hangs.
func TestProbeAnswersAsynchronously(t *testing.T) {
	daemon := &fakeDaemon{}
	a := newAgent(agentConfig{ID: "c", Role: RoleClient}, daemon, testLogger)
	h := a.routes()

	assert.Equal(t, http.StatusAccepted, post(t, h, http.MethodPost, "/v1/probe", wire.ProbeRequest{SessionID: 7, Tier: "normal"}))
	a.wait()
	assert.Equal(t, []int64{7}, daemon.snapshot().alive)

	// A hung agent swallows probes.
	assert.Equal(t, http.StatusOK, post(t, h, http.MethodPut, "/v1/hang", map[string]bool{"hung": true}))
	assert.Equal(t, http.StatusAccepted, post(t, h, http.MethodPost, "/v1/probe", wire.ProbeRequest{SessionID: 8}))
	a.wait()
	assert.Equal(t, []int64{7}, daemon.snapshot().alive)
}

// TestMediatorReportsStalledProcesses verifies that a mediator reports its
// stopped watched pids and skips running or exited ones.
func TestMediatorReportsStalledProcesses(t *testing.T) {
	daemon := &fakeDaemon{}
	a := newAgent(agentConfig{ID: "m", Role: RoleMediator, Watch: []int32{100, 200, 300, 400}}, daemon, testLogger)
	a.inspect = fakeInspector(map[int32]string{
		100: process.Sleep,
		200: process.Stop,
		300: process.Stop,
	})

	assert.Equal(t, http.StatusAccepted, post(t, a.routes(), http.MethodPost, "/v1/probe", wire.ProbeRequest{SessionID: 3}))
	a.wait()

	snap := daemon.snapshot()
	assert.Equal(t, []int64{3}, snap.alive)
	require.Len(t, snap.mediator, 1)
	assert.Equal(t, []int32{200, 300}, snap.mediator[0])
}

// TestMonitorDumps verifies that the monitor writes a dump per live pid and
// reports completion for every requested pid.
func TestMonitorDumps(t *testing.T) {
	dumpDir := filepath.Join(t.TempDir(), "dumps")

	daemon := &fakeDaemon{}
	a := newAgent(agentConfig{ID: "mon", Role: RoleMonitor, DumpDir: dumpDir}, daemon, testLogger)
	a.inspect = fakeInspector(map[int32]string{42: process.Sleep})

	// 43 is gone; its dump fails but completion is still reported.
	assert.Equal(t, http.StatusAccepted, post(t, a.routes(), http.MethodPost, "/v1/dump", wire.DumpRequest{PIDs: []int32{42, 43}}))
	a.wait()

	assert.Equal(t, []int32{42, 43}, daemon.snapshot().dumps)
	entries, err := os.ReadDir(dumpDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "42-")

	raw, err := os.ReadFile(filepath.Join(dumpDir, entries[0].Name()))
	require.NoError(t, err)
	var got processSnapshot
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, int32(42), got.PID)
	assert.Equal(t, []string{process.Sleep}, got.Status)
}

// TestInspectProcessSelf verifies the gopsutil-backed inspector against the
// test process, which is running and so never stalled.
func TestInspectProcessSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process status is read from procfs")
	}
	snap, err := inspectProcess(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Name)
	assert.False(t, snap.stalled())
}

// TestDumpRejectedForNonMonitor verifies that only a monitor accepts dump
// requests.
func TestDumpRejectedForNonMonitor(t *testing.T) {
	a := newAgent(agentConfig{ID: "c", Role: RoleClient}, &fakeDaemon{}, testLogger)
	assert.Equal(t, http.StatusPreconditionFailed, post(t, a.routes(), http.MethodPost, "/v1/dump", wire.DumpRequest{PIDs: []int32{1}}))
}

// TestPrepareTermination verifies the prepare-termination endpoint.
func TestPrepareTermination(t *testing.T) {
	a := newAgent(agentConfig{ID: "c", Role: RoleClient}, &fakeDaemon{}, testLogger)
	assert.Equal(t, http.StatusOK, post(t, a.routes(), http.MethodPost, "/v1/prepare-termination", struct{}{}))
}

// TestGetenv verifies environment lookups with defaults.
func TestGetenv(t *testing.T) {
	t.Setenv("CLIENT_TEST_VAR", "set")
	assert.Equal(t, "set", getenv("CLIENT_TEST_VAR", "default"))
	assert.Equal(t, "default", getenv("CLIENT_TEST_UNSET", "default"))
}
