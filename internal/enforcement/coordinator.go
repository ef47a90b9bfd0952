package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/dreamware/warden/internal/metrics"
	"github.com/dreamware/warden/internal/overuse"
	"github.com/dreamware/warden/internal/pending"
	"github.com/dreamware/warden/internal/watchdog"
)

var tracer = otel.Tracer("warden/enforcement")

// Reason is why a target is enforced.
type Reason int

const (
	ReasonNotResponding Reason = iota
	ReasonIoOveruse
)

// String returns "not_responding" or "io_overuse".
func (r Reason) String() string {
	if r == ReasonIoOveruse {
		return "io_overuse"
	}
	return "not_responding"
}

// Target is one process or package to enforce. PID is zero when only the
// package is known.
type Target struct {
	Package *overuse.PackageInfo
	Client  watchdog.Client
	PID     int32
	UID     int32
	Reason  Reason
}

// Policy answers the safe-to-kill question. *overuse.Configs implements it.
type Policy interface {
	IsSafeToKill(pkg overuse.PackageInfo) bool
}

// MonitorSource returns the registered monitor, or nil. *watchdog.Service
// implements it.
type MonitorSource interface {
	CurrentMonitor() watchdog.Monitor
}

// Resolver finds the package of a running process. uid is negative when
// unknown.
type Resolver interface {
	Resolve(ctx context.Context, pid, uid int32) (overuse.PackageInfo, error)
}

// Terminator kills the processes of a target.
type Terminator interface {
	Terminate(ctx context.Context, t Target) error
}

// TerminationReporter publishes terminated processes.
type TerminationReporter interface {
	ReportTerminated(ctx context.Context, pid int32, name string, reason Reason) error
}

const dumpGroup = "dump"

// Coordinator implements watchdog.Enforcer and overuse.OveruseHandler.
type Coordinator struct {
	policy     Policy
	monitors   MonitorSource
	resolver   Resolver
	terminator Terminator
	reporter   TerminationReporter
	limiter    *rate.Limiter
	dumps      *pending.Pool[string]
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Collectors

	dumpTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMonitorSource sets where the coordinator finds the registered monitor
// that writes dumps. Without it no dumps are requested.
//
// Parameters:
//   - m: usually the watchdog.Service, consulted on every Enforce call
//
// Example:
//
//	coord := enforcement.NewCoordinator(configs, enforcement.WithMonitorSource(svc))
func WithMonitorSource(m MonitorSource) Option {
	return func(c *Coordinator) { c.monitors = m }
}

// WithResolver sets how a pid is mapped to its package. Without a resolver,
// targets carrying no package are dumped but never killed.
//
// Parameters:
//   - r: resolver consulted for targets without a package
//
// Example:
//
//	enforcement.WithResolver(enforcement.NewProcResolver(configs))
func WithResolver(r Resolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithTerminator replaces the default SIGKILL terminator.
//
// Parameters:
//   - t: called once per killable target, after its dump was requested
//
// Example:
//
//	enforcement.WithTerminator(dryRunTerminator{logger: logger})
func WithTerminator(t Terminator) Option {
	return func(c *Coordinator) { c.terminator = t }
}

// WithReporter publishes every successful termination, for example as a
// vehicle property. Reporting failures are logged and never undo the kill.
//
// Parameters:
//   - r: receives the pid, package name and Reason of each terminated target
//
// Example:
//
//	enforcement.WithReporter(vhal.NewReporter(client, nil))
func WithReporter(r TerminationReporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// WithDumpRate limits how often the monitor is asked for dumps.
func WithDumpRate(every time.Duration, burst int) Option {
	return func(c *Coordinator) { c.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// WithDumpTimeout sets how long a dump may take before it is logged as lost.
func WithDumpTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.dumpTimeout = d }
}

// WithClock sets the clock of the dump timeout pool. Tests pass a
// clock.NewMock to expire dumps on demand.
//
// Parameters:
//   - cl: clock driving dump deadlines
//
// Example:
//
//	mock := clock.NewMock()
//	coord := enforcement.NewCoordinator(policy, enforcement.WithClock(mock))
//	mock.Add(time.Minute) // expires outstanding dumps
func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) { c.clock = cl }
}

// WithLogger sets the logger of the coordinator and its dump pool.
// Defaults to slog.Default.
//
// Parameters:
//   - l: structured logger for decisions, dumps and kill failures
//
// Example:
//
//	enforcement.WithLogger(logger.With("component", "enforcement"))
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records decisions and dump timeouts in m. A nil m records
// nothing.
//
// Parameters:
//   - m: collectors registered by metrics.New
//
// Example:
//
//	enforcement.WithMetrics(metrics.New(prometheus.DefaultRegisterer))
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a coordinator deciding with policy. Without a
// terminator option, processes are killed with SIGKILL.
func NewCoordinator(policy Policy, opts ...Option) *Coordinator {
	c := &Coordinator{
		policy:      policy,
		clock:       clock.New(),
		logger:      slog.Default(),
		limiter:     rate.NewLimiter(rate.Every(time.Second), 5),
		dumpTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.terminator == nil {
		c.terminator = NewProcessTerminator()
	}
	c.dumps = pending.NewPool[string](c.dumpTimeout,
		pending.WithClock(c.clock), pending.WithLogger(c.logger))
	return c
}

// Close expires outstanding dump requests.
func (c *Coordinator) Close() {
	c.dumps.Close()
}

// HandleNotResponding enforces processes declared unresponsive.
func (c *Coordinator) HandleNotResponding(ctx context.Context, procs []watchdog.NotResponding) {
	targets := make([]Target, 0, len(procs))
	for _, p := range procs {
		targets = append(targets, Target{
			PID:    p.Caller.PID,
			UID:    p.Caller.UID,
			Client: p.Client,
			Reason: ReasonNotResponding,
		})
	}
	c.Enforce(ctx, targets)
}

// HandleIoOveruse enforces packages that overused I/O.
func (c *Coordinator) HandleIoOveruse(ctx context.Context, overuses []overuse.PackageIoOveruseStats) {
	targets := make([]Target, 0, len(overuses))
	for _, o := range overuses {
		pkg := o.Package
		targets = append(targets, Target{Package: &pkg, UID: pkg.UID, Reason: ReasonIoOveruse})
	}
	c.Enforce(ctx, targets)
}

// DumpFinished resolves the outstanding dump of pid. Reports whether one was
// outstanding.
func (c *Coordinator) DumpFinished(pid int32) bool {
	return len(c.dumps.TryFinishRequests(dumpGroup, []int64{int64(pid)})) > 0
}

// PendingDumps returns the number of dumps not yet finished.
func (c *Coordinator) PendingDumps() int {
	return c.dumps.Pending(dumpGroup)
}

type decision struct {
	target Target
	pkg    overuse.PackageInfo
	kill   bool
}

// Enforce applies the policy to targets. It never fails: every problem is
// logged and the remaining targets are still enforced.
func (c *Coordinator) Enforce(ctx context.Context, targets []Target) {
	if len(targets) == 0 {
		return
	}
	ctx, span := tracer.Start(ctx, "enforcement.Enforce")
	defer span.End()
	span.SetAttributes(attribute.Int("targets", len(targets)))

	decisions := make([]decision, 0, len(targets))
	for _, t := range targets {
		d := decision{target: t}
		if t.Package != nil {
			d.pkg = *t.Package
			d.kill = c.policy.IsSafeToKill(d.pkg)
		} else if pkg, err := c.resolve(ctx, t); err != nil {
			c.logger.Warn("cannot resolve package, process kept", "pid", t.PID, "error", err)
		} else {
			d.pkg = pkg
			d.kill = c.policy.IsSafeToKill(pkg)
		}
		decisions = append(decisions, d)
	}

	c.requestDumps(ctx, decisions)

	for _, d := range decisions {
		if !d.kill {
			c.logger.Info("package not safe to kill, dump only",
				"package", d.pkg.Name, "pid", d.target.PID, "reason", d.target.Reason.String())
			c.metrics.Enforced(d.target.Reason.String(), "dump_only")
			continue
		}
		c.terminate(ctx, d)
	}
}

func (c *Coordinator) resolve(ctx context.Context, t Target) (overuse.PackageInfo, error) {
	if c.resolver == nil {
		return overuse.PackageInfo{}, errors.New("no resolver configured")
	}
	if t.PID <= 0 {
		return overuse.PackageInfo{}, fmt.Errorf("pid %d: %w", t.PID, overuse.ErrInvalidArgument)
	}
	return c.resolver.Resolve(ctx, t.PID, t.UID)
}

// requestDumps asks the monitor to dump every target with a known pid that
// has no dump outstanding. The monitor answers asynchronously.
func (c *Coordinator) requestDumps(ctx context.Context, decisions []decision) {
	var pids []int64
	for _, d := range decisions {
		pid := int64(d.target.PID)
		if pid > 0 && !c.dumps.IsPending(dumpGroup, pid) {
			pids = append(pids, pid)
		}
	}
	if len(pids) == 0 {
		return
	}

	var monitor watchdog.Monitor
	if c.monitors != nil {
		monitor = c.monitors.CurrentMonitor()
	}
	if monitor == nil {
		c.logger.Warn("no monitor registered, enforcing without dumps", "pids", pids)
		return
	}
	if !c.limiter.Allow() {
		c.logger.Warn("dump request rate exceeded, enforcing without dumps", "pids", pids)
		return
	}

	if err := c.dumps.AddRequests(dumpGroup, pids, c.onDumpTimeout); err != nil {
		c.logger.Error("failed to track dump requests", "error", err)
		return
	}
	req := make([]int32, len(pids))
	for i, pid := range pids {
		req[i] = int32(pid)
	}
	if err := monitor.OnClientsNotResponding(ctx, req); err != nil {
		c.dumps.TryFinishRequests(dumpGroup, pids)
		c.logger.Error("monitor failed to dump", "monitor", monitor.ID(), "error", err)
	}
}

func (c *Coordinator) onDumpTimeout(ids []int64) {
	c.metrics.DumpTimedOut(len(ids))
	c.logger.Warn("monitor did not finish dumps in time", "pids", ids, "timeout", c.dumpTimeout)
}

func (c *Coordinator) terminate(ctx context.Context, d decision) {
	t := d.target
	if t.Client != nil {
		if err := t.Client.PrepareProcessTermination(ctx); err != nil {
			c.logger.Debug("client did not prepare for termination", "pid", t.PID, "error", err)
		}
	}
	if err := c.terminator.Terminate(ctx, Target{
		Package: &d.pkg,
		PID:     t.PID,
		UID:     t.UID,
		Reason:  t.Reason,
	}); err != nil {
		c.logger.Error("failed to terminate", "package", d.pkg.Name, "pid", t.PID, "error", err)
		c.metrics.Enforced(t.Reason.String(), "failed")
		return
	}
	c.logger.Warn("terminated process",
		"package", d.pkg.Name, "pid", t.PID, "uid", t.UID, "reason", t.Reason.String())
	c.metrics.Enforced(t.Reason.String(), "terminated")

	if c.reporter == nil {
		return
	}
	if err := c.reporter.ReportTerminated(ctx, t.PID, d.pkg.Name, t.Reason); err != nil {
		c.logger.Warn("failed to report terminated process", "pid", t.PID, "error", err)
	}
}
