package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/metrics"
	"github.com/dreamware/warden/internal/pending"
)

var tracer = otel.Tracer("warden/watchdog")

// lastSessionID is shared by every Service in the process so session ids are
// never reused while pending.
var lastSessionID atomic.Int64

func nextSessionID() int64 {
	return lastSessionID.Add(1)
}

type role int

const (
	roleRegular role = iota
	roleMediator
)

func (r role) String() string {
	if r == roleMediator {
		return "mediator"
	}
	return "client"
}

type lifecycle int

const (
	stateCreated lifecycle = iota
	stateStarted
	stateTerminated
)

// round is the heartbeat state of one identity within one tier.
type round struct {
	session int64 // session of the latest probe
	lastAck int64 // highest acknowledged session
	misses  int   // consecutive missed rounds
}

// clientEntry is one regular client or mediator registration.
// Guarded by Service.mu.
type clientEntry struct {
	client Client
	cancel func() // liveness subscription, nil until subscribed
	rounds map[Tier]*round
	caller Caller
	tier   Tier // bucket of a regular client; unused for mediators
	role   role
}

func (e *clientEntry) id() string {
	return e.client.ID()
}

func (e *clientEntry) round(tier Tier) *round {
	r, ok := e.rounds[tier]
	if !ok {
		r = &round{}
		e.rounds[tier] = r
	}
	return r
}

// sessionRef locates the entry and tier an outstanding probe belongs to.
type sessionRef struct {
	entry *clientEntry
	tier  Tier
}

// detached holds what must be released outside the lock after an entry is
// removed: its outstanding probes and its liveness subscription.
type detached struct {
	cancel   func()
	sessions map[Tier][]int64
}

// Service is the client registry and heartbeat scheduler.
//
// Regular clients are bucketed by tier and probed on that tier's rounds.
// Mediators are probed on every tier's round. At most one monitor is
// registered at a time. All state is guarded by a single mutex; probes,
// enforcement and other external callbacks run after it is released.
//
// Thread-safe: all exported methods may be called concurrently.
type Service struct {
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Collectors
	tiers         map[Tier]TierConfig
	pools         map[Tier]*pending.Pool[Tier]
	clients       map[Tier]map[string]*clientEntry
	mediators     map[string]*clientEntry
	sessions      map[int64]sessionRef
	stoppedUsers  map[int32]struct{}
	monitor       Monitor
	monitorCancel func()
	enforcer      Enforcer
	subscriber    Subscriber
	aliveReporter AliveReporter
	statsRemover  UserStatsRemover
	stop          chan struct{}
	probeLimit    int
	state         lifecycle
	mu            sync.Mutex
	wg            sync.WaitGroup
	powerOn       bool
	checkEnabled  bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock driving rounds and probe deadlines.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metric collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTiers overrides the timing of the given tiers.
func WithTiers(tiers map[Tier]TierConfig) Option {
	return func(s *Service) {
		for t, cfg := range tiers {
			s.tiers[t] = cfg
		}
	}
}

// WithSubscriber sets the liveness subscription used for every registration.
func WithSubscriber(sub Subscriber) Option {
	return func(s *Service) { s.subscriber = sub }
}

// WithAliveReporter sets where the watchdog's own liveness is reported.
func WithAliveReporter(r AliveReporter) Option {
	return func(s *Service) { s.aliveReporter = r }
}

// WithProbeConcurrency bounds the number of probes in flight per round.
func WithProbeConcurrency(n int) Option {
	return func(s *Service) { s.probeLimit = n }
}

// NewService creates a registry with empty buckets. Rounds do not run until
// Start is called.
//
// Example:
//
//	svc := watchdog.NewService(watchdog.WithLogger(logger))
//	svc.SetEnforcer(coordinator)
//	if err := svc.Start(); err != nil {
//	    return err
//	}
//	defer svc.Terminate()
func NewService(opts ...Option) *Service {
	s := &Service{
		clock:        clock.New(),
		logger:       slog.Default(),
		tiers:        DefaultTierConfigs(),
		clients:      make(map[Tier]map[string]*clientEntry),
		mediators:    make(map[string]*clientEntry),
		sessions:     make(map[int64]sessionRef),
		stoppedUsers: make(map[int32]struct{}),
		stop:         make(chan struct{}),
		probeLimit:   16,
		powerOn:      true,
		checkEnabled: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.pools = make(map[Tier]*pending.Pool[Tier], len(Tiers))
	for _, t := range Tiers {
		s.clients[t] = make(map[string]*clientEntry)
		s.pools[t] = pending.NewPool[Tier](s.tiers[t].Period,
			pending.WithClock(s.clock),
			pending.WithLogger(s.logger))
	}
	return s
}

// SetEnforcer sets the handler of unresponsive processes. Must be called
// before Start.
func (s *Service) SetEnforcer(e Enforcer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enforcer = e
}

// SetUserStatsRemover sets the receiver of user removal notifications.
func (s *Service) SetUserStatsRemover(r UserStatsRemover) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsRemover = r
}

// TierConfig returns the timing of tier.
func (s *Service) TierConfig(tier Tier) TierConfig {
	return s.tiers[tier]
}

// RegisterClient registers a regular client in tier and returns its
// registration session id.
//
// Returns:
//   - ErrInvalidArgument for a nil client, empty id or unknown tier
//   - ErrIllegalState before Start or after Terminate
//   - ErrAlreadyExists if the identity is already registered
func (s *Service) RegisterClient(client Client, caller Caller, tier Tier) (int64, error) {
	if !tier.Valid() {
		return 0, fmt.Errorf("register client: tier %d: %w", int(tier), ErrInvalidArgument)
	}
	return s.register(client, caller, tier, roleRegular)
}

// RegisterMediator registers a mediator. Mediators are probed on every
// tier's round.
func (s *Service) RegisterMediator(mediator Client, caller Caller) (int64, error) {
	return s.register(mediator, caller, TierCritical, roleMediator)
}

func (s *Service) register(client Client, caller Caller, tier Tier, r role) (int64, error) {
	if client == nil || client.ID() == "" {
		return 0, fmt.Errorf("register %s: missing identity: %w", r, ErrInvalidArgument)
	}
	id := client.ID()

	s.mu.Lock()
	if s.state != stateStarted {
		s.mu.Unlock()
		return 0, fmt.Errorf("register %s %s: service not running: %w", r, id, ErrIllegalState)
	}
	if s.isRegisteredLocked(id) {
		s.mu.Unlock()
		return 0, fmt.Errorf("register %s %s: %w", r, id, ErrAlreadyExists)
	}
	entry := &clientEntry{
		client: client,
		caller: caller,
		tier:   tier,
		role:   r,
		rounds: make(map[Tier]*round),
	}
	if r == roleMediator {
		s.mediators[id] = entry
	} else {
		s.clients[tier][id] = entry
	}
	subscriber := s.subscriber
	s.updateGaugesLocked()
	s.mu.Unlock()

	if subscriber != nil {
		cancel, err := subscriber.Subscribe(id, caller, func() { s.handleDeath(entry) })
		if err != nil {
			s.remove(entry)
			return 0, fmt.Errorf("register %s %s: subscribe to liveness: %w", r, id, err)
		}
		s.mu.Lock()
		if s.isCurrentLocked(entry) {
			entry.cancel = cancel
			cancel = nil
		}
		s.mu.Unlock()
		if cancel != nil {
			// Removed while subscribing.
			cancel()
		}
	}

	if r == roleMediator {
		s.logger.Info("mediator registered", "id", id, "pid", caller.PID, "uid", caller.UID)
	} else {
		s.logger.Info("client registered", "id", id, "pid", caller.PID, "uid", caller.UID, "tier", tier)
	}
	return nextSessionID(), nil
}

// UnregisterClient removes a regular client. Unknown identities are ignored.
func (s *Service) UnregisterClient(id string) error {
	s.unregister(id, roleRegular)
	return nil
}

// UnregisterMediator removes a mediator. Unknown identities are ignored.
func (s *Service) UnregisterMediator(id string) error {
	s.unregister(id, roleMediator)
	return nil
}

func (s *Service) unregister(id string, r role) {
	s.mu.Lock()
	entry := s.lookupLocked(id, r)
	if entry == nil {
		s.mu.Unlock()
		s.logger.Debug("unregister of unknown identity ignored", "id", id, "role", r)
		return
	}
	d := s.removeLocked(entry)
	s.mu.Unlock()

	s.release(d)
	s.logger.Info("unregistered", "id", id, "role", r)
}

// RegisterMonitor sets the monitor, replacing any previous one. Registering
// the current monitor again is a no-op.
func (s *Service) RegisterMonitor(monitor Monitor, caller Caller) error {
	if monitor == nil || monitor.ID() == "" {
		return fmt.Errorf("register monitor: missing identity: %w", ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.state != stateStarted {
		s.mu.Unlock()
		return fmt.Errorf("register monitor %s: service not running: %w", monitor.ID(), ErrIllegalState)
	}
	if s.monitor != nil && s.monitor.ID() == monitor.ID() {
		s.mu.Unlock()
		return nil
	}
	previous, previousCancel := s.monitor, s.monitorCancel
	s.monitor, s.monitorCancel = monitor, nil
	subscriber := s.subscriber
	s.updateGaugesLocked()
	s.mu.Unlock()

	if previousCancel != nil {
		previousCancel()
	}
	if previous != nil {
		s.logger.Info("monitor replaced", "previous", previous.ID(), "id", monitor.ID())
	} else {
		s.logger.Info("monitor registered", "id", monitor.ID(), "pid", caller.PID)
	}

	if subscriber == nil {
		return nil
	}
	cancel, err := subscriber.Subscribe(monitor.ID(), caller, func() {
		s.logger.Warn("monitor died", "id", monitor.ID())
		s.dropMonitor(monitor)
	})
	if err != nil {
		s.dropMonitor(monitor)
		return fmt.Errorf("register monitor %s: subscribe to liveness: %w", monitor.ID(), err)
	}
	s.mu.Lock()
	if s.monitor == monitor {
		s.monitorCancel = cancel
		cancel = nil
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// UnregisterMonitor removes the monitor if id is the current one.
func (s *Service) UnregisterMonitor(id string) error {
	s.mu.Lock()
	monitor := s.monitor
	s.mu.Unlock()

	if monitor == nil || monitor.ID() != id {
		s.logger.Debug("unregister of unknown monitor ignored", "id", id)
		return nil
	}
	s.dropMonitor(monitor)
	s.logger.Info("monitor unregistered", "id", id)
	return nil
}

// dropMonitor clears monitor if it is still the current one.
func (s *Service) dropMonitor(monitor Monitor) {
	s.mu.Lock()
	if s.monitor != monitor {
		s.mu.Unlock()
		return
	}
	cancel := s.monitorCancel
	s.monitor, s.monitorCancel = nil, nil
	s.updateGaugesLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// CurrentMonitor returns the registered monitor or nil.
func (s *Service) CurrentMonitor() Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

// TellDumpFinished records that the monitor finished dumping pid.
// Returns ErrInvalidArgument if monitorID is not the registered monitor.
func (s *Service) TellDumpFinished(monitorID string, pid int32) error {
	s.mu.Lock()
	monitor, enforcer := s.monitor, s.enforcer
	s.mu.Unlock()

	if monitor == nil || monitor.ID() != monitorID {
		return fmt.Errorf("dump finished from %s: not the registered monitor: %w", monitorID, ErrInvalidArgument)
	}
	if enforcer == nil || !enforcer.DumpFinished(pid) {
		s.logger.Debug("dump finished for a pid without an outstanding request", "pid", pid)
	}
	return nil
}

// handleDeath is the liveness subscription callback. Idempotent with a
// racing unregister.
func (s *Service) handleDeath(entry *clientEntry) {
	s.mu.Lock()
	if !s.isCurrentLocked(entry) {
		s.mu.Unlock()
		return
	}
	d := s.removeLocked(entry)
	s.mu.Unlock()

	s.release(d)
	s.logger.Warn("registered process died", "id", entry.id(), "role", entry.role, "pid", entry.caller.PID)
}

// remove drops entry if it is still registered.
func (s *Service) remove(entry *clientEntry) {
	s.mu.Lock()
	if !s.isCurrentLocked(entry) {
		s.mu.Unlock()
		return
	}
	d := s.removeLocked(entry)
	s.mu.Unlock()
	s.release(d)
}

// removeLocked deletes entry from its bucket and from the outstanding
// sessions. The returned value must be passed to release after unlocking.
func (s *Service) removeLocked(entry *clientEntry) detached {
	if entry.role == roleMediator {
		delete(s.mediators, entry.id())
	} else {
		delete(s.clients[entry.tier], entry.id())
	}

	d := detached{cancel: entry.cancel, sessions: make(map[Tier][]int64)}
	entry.cancel = nil
	for tier, r := range entry.rounds {
		if ref, ok := s.sessions[r.session]; ok && ref.entry == entry {
			delete(s.sessions, r.session)
			d.sessions[tier] = append(d.sessions[tier], r.session)
		}
	}
	s.updateGaugesLocked()
	return d
}

// release cancels the probes and subscription of a removed entry.
func (s *Service) release(d detached) {
	for tier, ids := range d.sessions {
		s.pools[tier].TryFinishRequests(tier, ids)
	}
	if d.cancel != nil {
		d.cancel()
	}
}

func (s *Service) isRegisteredLocked(id string) bool {
	if _, ok := s.mediators[id]; ok {
		return true
	}
	for _, bucket := range s.clients {
		if _, ok := bucket[id]; ok {
			return true
		}
	}
	return false
}

func (s *Service) isCurrentLocked(entry *clientEntry) bool {
	return s.lookupLocked(entry.id(), entry.role) == entry
}

func (s *Service) lookupLocked(id string, r role) *clientEntry {
	if r == roleMediator {
		return s.mediators[id]
	}
	for _, bucket := range s.clients {
		if entry, ok := bucket[id]; ok {
			return entry
		}
	}
	return nil
}

func (s *Service) updateGaugesLocked() {
	n := 0
	for _, bucket := range s.clients {
		n += len(bucket)
	}
	s.metrics.SetRegistered(roleRegular.String(), n)
	s.metrics.SetRegistered(roleMediator.String(), len(s.mediators))
	monitors := 0
	if s.monitor != nil {
		monitors = 1
	}
	s.metrics.SetRegistered("monitor", monitors)
}

// ClientStatus is a copy of one registration's state.
type ClientStatus struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Tier     string `json:"tier,omitempty"`
	PID      int32  `json:"pid"`
	UID      int32  `json:"uid"`
	Misses   int    `json:"misses"`
	Stopped  bool   `json:"user_stopped"`
	Awaiting bool   `json:"awaiting_reply"`
}

// Clients returns the state of every regular client and mediator, sorted by
// role then id.
func (s *Service) Clients() []ClientStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ClientStatus
	for _, tier := range Tiers {
		bucket := s.clients[tier]
		ids := maps.Keys(bucket)
		slices.Sort(ids)
		for _, id := range ids {
			out = append(out, s.statusLocked(bucket[id]))
		}
	}
	ids := maps.Keys(s.mediators)
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, s.statusLocked(s.mediators[id]))
	}
	return out
}

// Client returns the state of one regular client or mediator.
func (s *Service) Client(id string) (ClientStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.lookupLocked(id, roleRegular)
	if entry == nil {
		entry = s.lookupLocked(id, roleMediator)
	}
	if entry == nil {
		return ClientStatus{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return s.statusLocked(entry), nil
}

func (s *Service) statusLocked(entry *clientEntry) ClientStatus {
	st := ClientStatus{
		ID:   entry.id(),
		Role: entry.role.String(),
		PID:  entry.caller.PID,
		UID:  entry.caller.UID,
	}
	if entry.role == roleRegular {
		st.Tier = entry.tier.String()
	}
	_, st.Stopped = s.stoppedUsers[entry.caller.UserID()]
	for _, r := range entry.rounds {
		if r.misses > st.Misses {
			st.Misses = r.misses
		}
		if ref, ok := s.sessions[r.session]; ok && ref.entry == entry {
			st.Awaiting = true
		}
	}
	return st
}

// withSpan is a small helper so callers outside rounds share the tracer.
func withSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
