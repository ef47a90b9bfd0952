package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "warden"

// Collectors is the set of warden metrics.
type Collectors struct {
	// healthRounds counts heartbeat rounds started.
	// Labels: tier
	healthRounds *prometheus.CounterVec

	// healthMisses counts probes that went unanswered within their round.
	// Labels: tier
	healthMisses *prometheus.CounterVec

	// registered tracks the number of registered identities.
	// Labels: role (client, mediator, monitor)
	registered *prometheus.GaugeVec

	// enforcements counts enforcement decisions.
	// Labels: reason (not_responding, io_overuse), action (terminated, dump_only, failed)
	enforcements *prometheus.CounterVec

	// dumpTimeouts counts dump requests the monitor never finished.
	dumpTimeouts prometheus.Counter

	// configUpdates counts overuse configuration updates.
	// Labels: result (ok, invalid)
	configUpdates *prometheus.CounterVec

	// overuses counts packages that crossed their I/O threshold.
	// Labels: component
	overuses *prometheus.CounterVec

	// propertyRequests counts vehicle property requests by outcome.
	// Labels: kind (get, set), status
	propertyRequests *prometheus.CounterVec
}

// New registers the warden collectors on reg.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	m.RoundStarted("critical")
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		healthRounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "rounds_total",
			Help:      "Heartbeat rounds started per timeout tier",
		}, []string{"tier"}),
		healthMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "misses_total",
			Help:      "Unanswered liveness probes per timeout tier",
		}, []string{"tier"}),
		registered: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "identities",
			Help:      "Registered identities per role",
		}, []string{"role"}),
		enforcements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enforcement",
			Name:      "decisions_total",
			Help:      "Enforcement decisions by reason and action",
		}, []string{"reason", "action"}),
		dumpTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enforcement",
			Name:      "dump_timeouts_total",
			Help:      "Dump requests not finished by the monitor in time",
		}),
		configUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overuse",
			Name:      "config_updates_total",
			Help:      "Resource overuse configuration updates by result",
		}, []string{"result"}),
		overuses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overuse",
			Name:      "packages_total",
			Help:      "Packages that exceeded their I/O threshold",
		}, []string{"component"}),
		propertyRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vhal",
			Name:      "requests_total",
			Help:      "Vehicle property requests by kind and status",
		}, []string{"kind", "status"}),
	}
}

// RoundStarted records a heartbeat round for tier.
func (c *Collectors) RoundStarted(tier string) {
	if c == nil {
		return
	}
	c.healthRounds.WithLabelValues(tier).Inc()
}

// ProbesMissed records n unanswered probes for tier.
func (c *Collectors) ProbesMissed(tier string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.healthMisses.WithLabelValues(tier).Add(float64(n))
}

// SetRegistered sets the number of registered identities for role.
func (c *Collectors) SetRegistered(role string, n int) {
	if c == nil {
		return
	}
	c.registered.WithLabelValues(role).Set(float64(n))
}

// Enforced records one enforcement decision.
func (c *Collectors) Enforced(reason, action string) {
	if c == nil {
		return
	}
	c.enforcements.WithLabelValues(reason, action).Inc()
}

// DumpTimedOut records n dump requests that expired.
func (c *Collectors) DumpTimedOut(n int) {
	if c == nil {
		return
	}
	c.dumpTimeouts.Add(float64(n))
}

// ConfigUpdated records a configuration update result ("ok" or "invalid").
func (c *Collectors) ConfigUpdated(result string) {
	if c == nil {
		return
	}
	c.configUpdates.WithLabelValues(result).Inc()
}

// Overused records a package overuse for component.
func (c *Collectors) Overused(component string) {
	if c == nil {
		return
	}
	c.overuses.WithLabelValues(component).Inc()
}

// PropertyRequest records the outcome of one vehicle property request.
func (c *Collectors) PropertyRequest(kind, status string) {
	if c == nil {
		return
	}
	c.propertyRequests.WithLabelValues(kind, status).Inc()
}
