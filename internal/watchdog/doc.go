// Package watchdog tracks registered client processes and decides which of
// them stopped responding.
//
// # Overview
//
// A Service holds three roles:
//
//   - Regular clients, bucketed by Tier and probed on that tier's rounds
//   - Mediators, which answer for a group of sub-clients and are probed on
//     every tier's round
//   - A single Monitor, which produces diagnostic dumps before termination
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                   Service                    │
//	├──────────────────────────────────────────────┤
//	│  registry      clients per tier, mediators,  │
//	│                the monitor, by identity      │
//	│  scheduler     one ticker and one            │
//	│                pending.Pool per tier         │
//	│  gating        power cycle, health-check     │
//	│                switch, stopped users         │
//	│  subscriber    process death ──▶ unregister  │
//	└──────────────────────────────────────────────┘
//	        │ not responding          │ alive
//	        ▼                         ▼
//	     Enforcer               AliveReporter
//
// # Lifecycle
//
//	NewService ──▶ Start ──▶ (register, probe, enforce) ──▶ Terminate
//
// Registration before Start and after Terminate fails with ErrIllegalState.
// A second registration of the same identity fails with ErrAlreadyExists,
// and unregistering is idempotent.
//
// # Tiers
//
// A regular client picks one Tier. The defaults are:
//
//	critical  3s period, 2 misses
//	moderate  5s period, 2 misses
//	normal   10s period, 2 misses
//
// The period is both the interval between rounds and the deadline of each
// probe. Daemon configuration may override every tier.
//
// # Heartbeat Rounds
//
// Each tier runs its own ticker. A round moves through
//
//	Idle ──tick──▶ RoundInFlight ──deadline──▶ Evaluating ──▶ Idle
//
// When a round starts, every client in scope gets a fresh session id that is
// registered in the tier's pending.Pool with the tier period as deadline, and
// a probe is sent. A reply through TellClientAlive finishes the session and
// resets the client's miss counter. Sessions still pending when the deadline
// passes, or when the next tick closes the round, are misses. A client that
// reaches the tier's miss limit is removed and handed to the Enforcer.
//
//	┌──────────┐  CheckIfAlive(session)  ┌────────┐
//	│ Service  │ ──────────────────────▶ │ Client │
//	│          │ ◀────────────────────── │        │
//	└──────────┘  TellClientAlive(session)└────────┘
//	     │ misses >= limit
//	     ▼
//	 Enforcer.HandleNotResponding
//
// # Gating
//
// Rounds are not issued while the device is shutting down
// (NotifyPowerCycleChange) or while health checking is turned off
// (ControlProcessHealthCheck). Clients of a stopped user are skipped until
// the user starts again.
//
// # Liveness Subscriptions
//
// When a Subscriber is configured, every registration subscribes to the
// death of its process. A death is handled like an unregister and is safe
// against a racing explicit unregister. ProcessWatcher implements Subscriber
// by polling the process table.
//
// # Observability
//
// Every round is counted in warden_health_rounds_total and every miss in
// warden_health_misses_total, both labeled by tier. The number of registered
// identities per role is kept in warden_registry_identities. Each round runs
// in its own trace span, and probes fan out through an errgroup bounded by
// the configured probe concurrency.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Probes, enforcement,
// dumps and liveness callbacks always run after the registry lock is
// released.
//
// # Usage Example
//
//	svc := watchdog.NewService(
//		watchdog.WithSubscriber(watchdog.NewProcessWatcher(time.Second)),
//	)
//	svc.SetEnforcer(coord)
//	if err := svc.Start(); err != nil {
//		return err
//	}
//	defer svc.Terminate()
//
//	_, err := svc.RegisterClient(client, watchdog.Caller{PID: pid, UID: uid}, watchdog.TierCritical)
//
// # Testing
//
// Tests drive rounds with a clock.NewMock, record probes with fake clients
// and use assert.Eventually for the asynchronous callbacks.
package watchdog
