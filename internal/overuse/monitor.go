package overuse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/metrics"
	"github.com/dreamware/warden/internal/storage"
)

const (
	defaultWarnPercent = 80
	defaultBufferSize  = 10
)

// UidIoUsage is the I/O written by one uid since the previous collection.
type UidIoUsage struct {
	UID     int32         `json:"uid"`
	Package string        `json:"package"`
	Written PerStateBytes `json:"written"`
}

// IoOveruseStats is the daily I/O accounting of one package.
type IoOveruseStats struct {
	StartTime           time.Time     `json:"start_time"`
	WrittenBytes        PerStateBytes `json:"written_bytes"`
	RemainingWriteBytes PerStateBytes `json:"remaining_write_bytes"`
	Duration            time.Duration `json:"duration"`
	TotalOveruses       int           `json:"total_overuses"`
	KillableOnOveruse   bool          `json:"killable_on_overuse"`
}

// PackageIoOveruseStats is the result of one collection for one package.
type PackageIoOveruseStats struct {
	Package PackageInfo    `json:"package"`
	Stats   IoOveruseStats `json:"stats"`
	// Overused is set when the package crossed a threshold in this collection.
	Overused bool `json:"overused"`
	// ShouldNotify is set for overuse or near overuse of non-native packages.
	ShouldNotify bool `json:"should_notify"`
}

// Listener receives the stats of the uid it was added for.
type Listener interface {
	OnIoOveruse(ctx context.Context, stats PackageIoOveruseStats)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, stats PackageIoOveruseStats)

// OnIoOveruse calls f.
func (f ListenerFunc) OnIoOveruse(ctx context.Context, stats PackageIoOveruseStats) {
	f(ctx, stats)
}

// OveruseHandler acts on packages that overused and may be killed.
type OveruseHandler interface {
	HandleIoOveruse(ctx context.Context, overuses []PackageIoOveruseStats)
}

// DiskStats reports the KiB written system-wide since its previous call.
type DiskStats interface {
	DeltaKiBWritten() (int64, error)
}

type usageKey struct {
	name   string
	userID int32
}

type packageUsage struct {
	info      PackageInfo
	threshold PerStateBytes
	written   PerStateBytes
	forgiven  PerStateBytes
	overuses  int
	killable  bool
}

type poll struct {
	kib      int64
	duration float64
}

// Monitor accounts per-package daily I/O against the thresholds of Configs
// and raises system-wide write-rate alerts.
type Monitor struct {
	configs *Configs
	store   storage.Store
	handler OveruseHandler
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collectors

	usages    map[usageKey]*packageUsage
	uidKeys   map[int32]usageKey
	listeners map[int32]Listener
	day       time.Time
	lastPoll  time.Time
	polls     []poll

	warnPercent float64
	bufferSize  int
	garageMode  bool

	mu sync.Mutex
	// updateMu orders policy updates with their persistence.
	updateMu sync.Mutex
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock sets the clock GetIoOveruseStats measures the day's
// duration with.
//
// Parameters:
//   - c: clock, usually a clock.NewMock in tests
//
// Example:
//
//	m := overuse.NewMonitor(configs, overuse.WithMonitorClock(mock))
func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// WithMonitorLogger sets the logger for daily resets, overuses and alerts.
// Defaults to slog.Default.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithMonitorMetrics counts overusing packages in
// warden_overuse_packages_total. A nil c records nothing.
func WithMonitorMetrics(c *metrics.Collectors) MonitorOption {
	return func(m *Monitor) { m.metrics = c }
}

// WithOveruseHandler hands killable overusing packages to h.
func WithOveruseHandler(h OveruseHandler) MonitorOption {
	return func(m *Monitor) { m.handler = h }
}

// WithStore persists configs updated through the monitor in s.
func WithStore(s storage.Store) MonitorOption {
	return func(m *Monitor) { m.store = s }
}

// WithWarnPercent sets the share of a threshold at which packages are
// notified before they overuse. Defaults to 80.
func WithWarnPercent(p float64) MonitorOption {
	return func(m *Monitor) { m.warnPercent = p }
}

// WithBufferSize sets how many system-wide polls are kept for alerting.
func WithBufferSize(n int) MonitorOption {
	return func(m *Monitor) { m.bufferSize = n }
}

// NewMonitor creates a monitor reading thresholds from configs.
func NewMonitor(configs *Configs, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		configs:     configs,
		clock:       clock.New(),
		logger:      slog.Default(),
		usages:      make(map[usageKey]*packageUsage),
		uidKeys:     make(map[int32]usageKey),
		listeners:   make(map[int32]Listener),
		warnPercent: defaultWarnPercent,
		bufferSize:  defaultBufferSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configs returns the policy the monitor enforces.
func (m *Monitor) Configs() *Configs {
	return m.configs
}

// SetGarageMode switches accounting of new writes to the garage-mode state.
func (m *Monitor) SetGarageMode(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.garageMode = on
}

type notification struct {
	listener Listener
	stats    PackageIoOveruseStats
}

// OnPeriodicCollection adds usages to the daily accounting of their packages
// and returns the updated stats of every package touched, ordered by uid.
//
// Accounting restarts when now falls on a later day than the previous
// collection; a collection dated on an earlier day is added to the current
// day. A package overuses when its unforgiven writes in any state reach the
// threshold; the crossed multiples of the threshold are then forgiven so the
// next overuse needs another full threshold. Killable overusing packages go
// to the OveruseHandler. Every uid with a listener hears about its package
// when it should be notified or overused.
//
// Parameters:
//   - ctx: carries the trace span and is handed to listeners and the handler
//   - now: collection time, decides the accounting day
//   - usages: bytes written per uid since the previous collection
//
// Returns:
//   - []PackageIoOveruseStats: stats of every touched package, by uid
//   - error: ErrInvalidArgument when any usage has negative written bytes;
//     nothing is accounted in that case
//
// Example:
//
//	stats, err := monitor.OnPeriodicCollection(ctx, time.Now(), []overuse.UidIoUsage{
//		{UID: 1010042, Package: "com.example.app", Written: overuse.PerStateBytes{Foreground: 4096}},
//	})
func (m *Monitor) OnPeriodicCollection(ctx context.Context, now time.Time, usages []UidIoUsage) ([]PackageIoOveruseStats, error) {
	ctx, span := tracer.Start(ctx, "overuse.Monitor.OnPeriodicCollection")
	defer span.End()
	span.SetAttributes(attribute.Int("usages", len(usages)))

	for _, u := range usages {
		if u.Written.Foreground < 0 || u.Written.Background < 0 || u.Written.GarageMode < 0 {
			return nil, fmt.Errorf("usage of uid %d has negative written bytes: %w", u.UID, ErrInvalidArgument)
		}
	}

	// Policy lookups happen before the monitor lock is taken.
	policies := make([]packagePolicy, 0, len(usages))
	for _, u := range usages {
		if u.Package == "" {
			m.logger.Debug("skipping usage without package", "uid", u.UID)
			continue
		}
		policies = append(policies, m.policyOf(u))
	}

	m.mu.Lock()
	day := startOfDay(now)
	switch {
	case m.day.IsZero():
		m.day = day
	case day.After(m.day):
		m.logger.Info("resetting daily I/O usage", "day", day.Format(time.DateOnly))
		m.day = day
		clear(m.usages)
		clear(m.uidKeys)
	case day.Before(m.day):
		m.logger.Debug("collection dated before the accounting day",
			"collected", now, "day", m.day.Format(time.DateOnly))
	}

	touched := make(map[usageKey]PackageIoOveruseStats)
	var order []usageKey
	var notify []notification
	for _, p := range policies {
		u, info := p.usage, p.info
		key := usageKey{name: info.Name, userID: info.UserID()}
		usage, ok := m.usages[key]
		if !ok {
			usage = &packageUsage{}
			m.usages[key] = usage
		}
		usage.info = info
		usage.threshold = p.threshold
		usage.killable = p.killable
		m.uidKeys[u.UID] = key

		written := u.Written
		if m.garageMode {
			written = PerStateBytes{GarageMode: written.Foreground + written.Background + written.GarageMode}
		}
		usage.written = usage.written.Add(written)

		stats := m.accountLocked(usage, now)
		if stats.Overused {
			m.metrics.Overused(info.ComponentType.String())
		}
		if _, seen := touched[key]; !seen {
			order = append(order, key)
		}
		touched[key] = stats

		if l, ok := m.listeners[u.UID]; ok && (stats.ShouldNotify || stats.Overused) {
			notify = append(notify, notification{listener: l, stats: stats})
		}
	}
	m.mu.Unlock()

	out := make([]PackageIoOveruseStats, 0, len(order))
	var killable []PackageIoOveruseStats
	for _, key := range order {
		stats := touched[key]
		out = append(out, stats)
		if stats.Overused && stats.Stats.KillableOnOveruse {
			killable = append(killable, stats)
		}
	}
	slices.SortStableFunc(out, func(a, b PackageIoOveruseStats) int {
		return int(a.Package.UID) - int(b.Package.UID)
	})

	for _, n := range notify {
		n.listener.OnIoOveruse(ctx, n.stats)
	}
	if len(killable) > 0 {
		m.logger.Warn("packages overused I/O", "count", len(killable))
		if m.handler != nil {
			m.handler.HandleIoOveruse(ctx, killable)
		}
	}
	return out, nil
}

// packagePolicy is the policy view of one usage, read from Configs.
type packagePolicy struct {
	usage     UidIoUsage
	info      PackageInfo
	threshold PerStateBytes
	killable  bool
}

func (m *Monitor) policyOf(u UidIoUsage) packagePolicy {
	info := m.configs.Classify(u.Package, u.UID)
	return packagePolicy{
		usage:     u,
		info:      info,
		threshold: m.configs.FetchThreshold(info),
		killable:  m.configs.IsSafeToKill(info),
	}
}

// accountLocked computes the stats of usage and forgives crossed thresholds.
func (m *Monitor) accountLocked(usage *packageUsage, now time.Time) PackageIoOveruseStats {
	threshold := usage.threshold.values()
	written := usage.written.values()
	forgiven := usage.forgiven.values()

	var remaining [3]int64
	overused, warn := false, false
	for i := range threshold {
		used := written[i] - forgiven[i]
		remaining[i] = max(0, threshold[i]-used)
		if threshold[i] <= 0 {
			continue
		}
		if float64(used) >= float64(threshold[i])*m.warnPercent/100 {
			warn = true
		}
		if used >= threshold[i] {
			overused = true
			forgiven[i] += threshold[i] * (used / threshold[i])
		}
	}
	usage.forgiven = perStateFrom(forgiven)
	if overused {
		usage.overuses++
	}

	return PackageIoOveruseStats{
		Package:      usage.info,
		Overused:     overused,
		ShouldNotify: usage.info.UidType != UidNative && (overused || warn),
		Stats: IoOveruseStats{
			StartTime:           m.day,
			Duration:            now.Sub(m.day),
			WrittenBytes:        usage.written,
			RemainingWriteBytes: perStateFrom(remaining),
			TotalOveruses:       usage.overuses,
			KillableOnOveruse:   usage.killable,
		},
	}
}

func (b PerStateBytes) values() [3]int64 {
	return [3]int64{b.Foreground, b.Background, b.GarageMode}
}

func perStateFrom(v [3]int64) PerStateBytes {
	return PerStateBytes{Foreground: v[0], Background: v[1], GarageMode: v[2]}
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

// OnPeriodicMonitor records the system-wide writes since the previous poll
// and calls alert when the average rate over any alert threshold's duration
// reaches its limit. The first poll only starts the clock. While fewer polls
// than the buffer holds are recorded, a threshold longer than the recorded
// time is not evaluated.
func (m *Monitor) OnPeriodicMonitor(now time.Time, disk DiskStats, alert func()) error {
	m.mu.Lock()
	if m.lastPoll.IsZero() {
		m.lastPoll = now
		m.mu.Unlock()
		return nil
	}
	elapsed := now.Sub(m.lastPoll).Seconds()
	if elapsed <= 0 {
		m.mu.Unlock()
		return fmt.Errorf("poll at %s is not after %s: %w", now, m.lastPoll, ErrInvalidArgument)
	}
	m.lastPoll = now
	m.mu.Unlock()

	kib, err := disk.DeltaKiBWritten()
	if err != nil {
		return fmt.Errorf("read disk stats: %w", err)
	}
	thresholds := m.configs.SystemWideAlertThresholds()

	m.mu.Lock()
	m.polls = append(m.polls, poll{kib: kib, duration: elapsed})
	fire := m.exceedsAlertLocked(thresholds)
	if len(m.polls) > m.bufferSize {
		m.polls = slices.Delete(m.polls, 0, 1)
	}
	m.mu.Unlock()

	if fire {
		m.logger.Warn("system-wide I/O write rate exceeded", "kib", kib, "seconds", elapsed)
		alert()
	}
	return nil
}

func (m *Monitor) exceedsAlertLocked(thresholds []AlertThreshold) bool {
	for _, t := range thresholds {
		var kib int64
		var seconds float64
		counted := 0
		for i := len(m.polls) - 1; i >= 0; i-- {
			kib += m.polls[i].kib
			seconds += m.polls[i].duration
			counted++
			if seconds >= float64(t.DurationSeconds) {
				break
			}
		}
		if n := len(m.polls); counted == n && n < m.bufferSize+1 && float64(t.DurationSeconds) > seconds {
			continue
		}
		if float64(kib)/seconds >= float64(t.WrittenBytesPerSecond)/1024 {
			return true
		}
	}
	return false
}

// AddOveruseListener sets the listener of uid, replacing any previous one.
func (m *Monitor) AddOveruseListener(uid int32, l Listener) error {
	if l == nil {
		return fmt.Errorf("nil listener for uid %d: %w", uid, ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[uid]; ok {
		m.logger.Info("replacing I/O overuse listener", "uid", uid)
	}
	m.listeners[uid] = l
	return nil
}

// RemoveOveruseListener removes the listener of uid.
func (m *Monitor) RemoveOveruseListener(uid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[uid]; !ok {
		return fmt.Errorf("listener for uid %d: %w", uid, ErrNotFound)
	}
	delete(m.listeners, uid)
	return nil
}

// GetIoOveruseStats returns today's stats of the package running as uid.
// Thresholds and kill policy are read from Configs as they are now.
func (m *Monitor) GetIoOveruseStats(uid int32) (IoOveruseStats, error) {
	m.mu.Lock()
	key, ok := m.uidKeys[uid]
	if !ok {
		m.mu.Unlock()
		return IoOveruseStats{}, fmt.Errorf("package of uid %d: %w", uid, ErrNotFound)
	}
	usage, ok := m.usages[key]
	if !ok {
		m.mu.Unlock()
		return IoOveruseStats{}, fmt.Errorf("stats of uid %d: %w", uid, ErrNotFound)
	}
	snapshot := *usage
	day := m.day
	m.mu.Unlock()

	threshold := m.configs.FetchThreshold(snapshot.info).values()
	written := snapshot.written.values()
	forgiven := snapshot.forgiven.values()
	var remaining [3]int64
	for i := range threshold {
		remaining[i] = max(0, threshold[i]-(written[i]-forgiven[i]))
	}
	return IoOveruseStats{
		StartTime:           day,
		Duration:            m.clock.Now().Sub(day),
		WrittenBytes:        snapshot.written,
		RemainingWriteBytes: perStateFrom(remaining),
		TotalOveruses:       snapshot.overuses,
		KillableOnOveruse:   m.configs.IsSafeToKill(snapshot.info),
	}, nil
}

// RemoveStatsForUser drops the accounting of every package of userID.
func (m *Monitor) RemoveStatsForUser(userID int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.usages {
		if key.userID == userID {
			delete(m.usages, key)
			removed++
		}
	}
	for _, uid := range maps.Keys(m.uidKeys) {
		if m.uidKeys[uid].userID == userID {
			delete(m.uidKeys, uid)
		}
	}
	m.logger.Info("removed I/O usage of user", "user", userID, "packages", removed)
}

// UpdateResourceOveruseConfigurations applies configs and persists the
// resulting policy when a store is configured. Concurrent updates are
// serialized, so the stored policy is always the one applied last.
//
// Parameters:
//   - ctx: carries the trace span of the update
//   - configs: one configuration per component type
//
// Returns:
//   - error: the validation error of Configs.Update, or a persistence error
//
// Example:
//
//	err := monitor.UpdateResourceOveruseConfigurations(ctx, []overuse.ResourceOveruseConfiguration{vendorCfg})
func (m *Monitor) UpdateResourceOveruseConfigurations(ctx context.Context, configs []ResourceOveruseConfiguration) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	if err := m.configs.Update(ctx, configs); err != nil {
		return err
	}
	if m.store == nil {
		return nil
	}
	if err := SaveLatest(m.store, m.configs.Get()); err != nil {
		return fmt.Errorf("persist overuse configs: %w", err)
	}
	return nil
}

// GetResourceOveruseConfigurations returns the current policy.
func (m *Monitor) GetResourceOveruseConfigurations() []ResourceOveruseConfiguration {
	return m.configs.Get()
}
