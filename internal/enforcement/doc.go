// Package enforcement decides what happens to processes that stopped
// responding or overused I/O.
//
// # Overview
//
// For every target the Coordinator resolves the owning package and asks the
// policy whether it may be killed. Killable targets are dumped by the
// registered monitor, told to prepare for termination and then terminated.
// The rest are only dumped and survive. Without a monitor, killable targets
// are terminated directly.
//
//	targets ──▶ resolve ──▶ IsSafeToKill ──┬─ yes ──▶ dump ──▶ terminate ──▶ report
//	                                       └─ no  ──▶ dump
//
// A target whose package cannot be resolved is dumped but never killed.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 Coordinator                  │
//	├──────────────────────────────────────────────┤
//	│  Resolver      pid ──▶ overuse.PackageInfo   │
//	│  Policy        IsSafeToKill                  │
//	│  dumps         pending.Pool group "dump"     │
//	│  limiter       x/time/rate, dumps only       │
//	│  Terminator    SIGKILL or dry run            │
//	│  Reporter      terminated-process property   │
//	└──────────────────────────────────────────────┘
//
// # Core Components
//
// ProcResolver: resolves a pid to its package
//   - Reads argv[0] and the real uid through gopsutil
//   - Classifies the package with an overuse Classifier
//
// ProcessTerminator: kills targets with SIGKILL
//   - Targets with a pid kill that pid
//   - Targets with only a package kill every process of that package and uid
//   - A process that already exited counts as killed
//
// # Dumps
//
// Dumps are requested only for targets with a pid. Each request is tracked
// in a pending.Pool keyed by pid until DumpFinished resolves it or the dump
// timeout expires it. The rate limiter may skip a dump but never delays or
// skips a termination.
//
// # Observability
//
// Every decision is recorded in warden_enforcement_decisions_total with its
// reason and action, and expired dumps in
// warden_enforcement_dump_timeouts_total. Every Enforce call runs in its
// own trace span.
//
// # Usage Example
//
//	coord := enforcement.NewCoordinator(configs,
//		enforcement.WithResolver(enforcement.NewProcResolver(configs)),
//		enforcement.WithTerminator(enforcement.NewProcessTerminator()),
//	)
//	defer coord.Close()
package enforcement
