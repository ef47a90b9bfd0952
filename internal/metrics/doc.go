// Package metrics holds the Prometheus collectors shared by the watchdog
// daemon's subsystems.
//
// # Overview
//
// Collectors are grouped in a Collectors value bound to one registerer so the
// daemon can expose them on /metrics and tests can use an isolated registry.
// Every recording method is safe on a nil *Collectors, which lets library
// packages run without metrics.
//
// # Metrics
//
//	warden_health_rounds_total{tier}                   heartbeat rounds started
//	warden_health_misses_total{tier}                   unanswered probes
//	warden_registry_identities{role}                   registered clients, mediators, monitor
//	warden_enforcement_decisions_total{reason,action}  enforcement outcomes
//	warden_enforcement_dump_timeouts_total             dumps never finished
//	warden_overuse_config_updates_total{result}        policy updates
//	warden_overuse_packages_total{component}           I/O overuses
//	warden_vhal_requests_total{kind,status}            property requests
//
// # Usage Example
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	svc := watchdog.NewService(watchdog.WithMetrics(m))
//
// # Testing
//
// Tests register on prometheus.NewRegistry and read values back with
// prometheus/testutil.
package metrics
