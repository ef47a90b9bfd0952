package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/dreamware/warden/internal/wire"
)

// Role is what an agent registers as.
type Role string

const (
	RoleClient   Role = "client"
	RoleMediator Role = "mediator"
	RoleMonitor  Role = "monitor"
)

func parseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleClient, RoleMediator, RoleMonitor:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// daemonAPI is the subset of wire.DaemonClient an agent talks to.
type daemonAPI interface {
	RegisterClient(ctx context.Context, req wire.RegisterRequest) (wire.RegisterResponse, error)
	UnregisterClient(ctx context.Context, id string) error
	RegisterMediator(ctx context.Context, req wire.RegisterRequest) (wire.RegisterResponse, error)
	UnregisterMediator(ctx context.Context, id string) error
	RegisterMonitor(ctx context.Context, req wire.RegisterRequest) error
	UnregisterMonitor(ctx context.Context, id string) error
	TellClientAlive(ctx context.Context, id string, sessionID int64) error
	TellMediatorAlive(ctx context.Context, id string, sessionID int64, notResponding []int32) error
	TellDumpFinished(ctx context.Context, monitorID string, pid int32) error
}

// agentConfig is the static configuration of an agent.
type agentConfig struct {
	ID      string
	Addr    string
	Tier    string
	Role    Role
	PID     int32
	UID     int32
	Watch   []int32
	DumpDir string
}

// processSnapshot is what a dump records about one process.
type processSnapshot struct {
	PID     int32    `json:"pid"`
	Name    string   `json:"name"`
	Cmdline []string `json:"cmdline"`
	UIDs    []uint32 `json:"uids"`
	Status  []string `json:"status"`
}

// stalled reports a process stopped by a signal or a tracer.
func (s processSnapshot) stalled() bool {
	return slices.Contains(s.Status, process.Stop)
}

// inspectProcess reads a snapshot of pid from the host process table.
func inspectProcess(ctx context.Context, pid int32) (processSnapshot, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return processSnapshot{}, err
	}
	snap := processSnapshot{PID: pid}
	if snap.Status, err = p.StatusWithContext(ctx); err != nil {
		return processSnapshot{}, fmt.Errorf("status of %d: %w", pid, err)
	}
	// Name, cmdline and uids are best effort; the status decides liveness.
	snap.Name, _ = p.NameWithContext(ctx)
	snap.Cmdline, _ = p.CmdlineSliceWithContext(ctx)
	snap.UIDs, _ = p.UidsWithContext(ctx)
	return snap, nil
}

// agent answers the daemon's probes and dump requests.
type agent struct {
	cfg    agentConfig
	daemon daemonAPI
	logger *slog.Logger

	inspect func(ctx context.Context, pid int32) (processSnapshot, error)

	// hung makes the agent swallow probes, for exercising enforcement.
	hung atomic.Bool

	// wg tracks asynchronous replies so shutdown can wait for them.
	wg sync.WaitGroup
}

func newAgent(cfg agentConfig, daemon daemonAPI, logger *slog.Logger) *agent {
	return &agent{
		cfg:     cfg,
		daemon:  daemon,
		logger:  logger.With("agent", cfg.ID, "role", string(cfg.Role)),
		inspect: inspectProcess,
	}
}

func (a *agent) registration() wire.RegisterRequest {
	return wire.RegisterRequest{
		ID:   a.cfg.ID,
		Addr: a.cfg.Addr,
		Tier: a.cfg.Tier,
		PID:  a.cfg.PID,
		UID:  a.cfg.UID,
	}
}

// register registers with the daemon, retrying while it is unreachable or
// not yet started.
func (a *agent) register(ctx context.Context, attempts int, backoff time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		switch a.cfg.Role {
		case RoleMonitor:
			lastErr = a.daemon.RegisterMonitor(ctx, a.registration())
		case RoleMediator:
			_, lastErr = a.daemon.RegisterMediator(ctx, a.registration())
		default:
			_, lastErr = a.daemon.RegisterClient(ctx, a.registration())
		}
		if lastErr == nil {
			a.logger.Info("registered with daemon")
			return nil
		}
		if code := wire.StatusCode(lastErr); code == http.StatusBadRequest || code == http.StatusConflict {
			return fmt.Errorf("register: %w", lastErr)
		}
		a.logger.Warn("register retry", "attempt", i+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("register after %d attempts: %w", attempts, lastErr)
}

func (a *agent) unregister(ctx context.Context) error {
	switch a.cfg.Role {
	case RoleMonitor:
		return a.daemon.UnregisterMonitor(ctx, a.cfg.ID)
	case RoleMediator:
		return a.daemon.UnregisterMediator(ctx, a.cfg.ID)
	default:
		return a.daemon.UnregisterClient(ctx, a.cfg.ID)
	}
}

// wait blocks until every asynchronous reply was sent.
func (a *agent) wait() {
	a.wg.Wait()
}

func (a *agent) routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/v1/probe", a.handleProbe)
	r.POST("/v1/prepare-termination", a.handlePrepare)
	r.POST("/v1/dump", a.handleDump)
	r.PUT("/v1/hang", a.handleHang)
	return r
}

// handleProbe acknowledges the probe at once and answers the daemon in the
// background, like a real client would from its own thread.
func (a *agent) handleProbe(c *gin.Context) {
	var req wire.ProbeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
	if a.hung.Load() {
		a.logger.Debug("swallowing probe", "session", req.SessionID)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		if a.cfg.Role == RoleMediator {
			err = a.daemon.TellMediatorAlive(ctx, a.cfg.ID, req.SessionID, a.stalledWatched(ctx))
		} else {
			err = a.daemon.TellClientAlive(ctx, a.cfg.ID, req.SessionID)
		}
		if err != nil {
			a.logger.Warn("failed to answer probe", "session", req.SessionID, "error", err)
		}
	}()
}

func (a *agent) handlePrepare(c *gin.Context) {
	a.logger.Warn("daemon is about to terminate this process")
	c.Status(http.StatusOK)
}

func (a *agent) handleHang(c *gin.Context) {
	var body struct {
		Hung bool `json:"hung"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	a.hung.Store(body.Hung)
	a.logger.Info("hang mode changed", "hung", body.Hung)
	c.Status(http.StatusOK)
}

// handleDump writes one dump per pid and reports each completion.
func (a *agent) handleDump(c *gin.Context) {
	if a.cfg.Role != RoleMonitor {
		c.JSON(http.StatusPreconditionFailed, wire.ErrorResponse{Error: "not a monitor"})
		return
	}
	var req wire.DumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusAccepted)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, pid := range req.PIDs {
			if err := a.dump(ctx, pid); err != nil {
				a.logger.Warn("dump failed", "pid", pid, "error", err)
			}
			if err := a.daemon.TellDumpFinished(ctx, a.cfg.ID, pid); err != nil {
				a.logger.Warn("failed to report dump", "pid", pid, "error", err)
			}
		}
	}()
}

// dump writes a JSON snapshot of the process into the dump directory.
// Without a directory the dump is only logged.
func (a *agent) dump(ctx context.Context, pid int32) error {
	snap, err := a.inspect(ctx, pid)
	if err != nil {
		return err
	}
	if a.cfg.DumpDir == "" {
		a.logger.Info("process dump", "pid", pid, "name", snap.Name, "status", snap.Status)
		return nil
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.cfg.DumpDir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(a.cfg.DumpDir, fmt.Sprintf("%d-%d.json", pid, time.Now().UnixNano()))
	return os.WriteFile(name, raw, 0o644)
}

// stalledWatched returns the watched pids that are stopped or traced and so
// cannot respond. Exited pids are dropped silently.
func (a *agent) stalledWatched(ctx context.Context) []int32 {
	var stalled []int32
	for _, pid := range a.cfg.Watch {
		snap, err := a.inspect(ctx, pid)
		if err != nil {
			continue
		}
		if snap.stalled() {
			stalled = append(stalled, pid)
		}
	}
	return stalled
}
