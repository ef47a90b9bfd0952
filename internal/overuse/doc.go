// Package overuse holds the resource overuse policy and accounts per-package
// disk writes against it.
//
// # Overview
//
// Configs stores one ResourceOveruseConfiguration per component type and
// answers threshold and safe-to-kill queries. Monitor keeps the daily write
// accounting of every package and hands packages that overused and may be
// killed to an OveruseHandler, usually the enforcement coordinator.
//
//	usages ──▶ Classify ──▶ FetchThreshold ──▶ account ──┬─ overused & killable ──▶ OveruseHandler
//	                                                     ├─ near or over limit  ──▶ Listener of the uid
//	                                                     └─ stats               ──▶ caller
//
// # Components and Classification
//
// Every package belongs to one component:
//
//	SYSTEM       native uids and packages named by the system config
//	VENDOR       packages matching a vendor package prefix
//	THIRD_PARTY  every other application
//
// Native uids are those below the first application id within their user.
// Native packages are never broadcast and never killed.
//
// # Threshold Lookup
//
// FetchThreshold resolves the per-state write limits of a package in this
// order:
//
//  1. package-specific threshold of its component
//  2. category threshold (MAPS, MEDIA) from the vendor config
//  3. component-level threshold
//  4. DefaultThreshold
//
// Each threshold has a foreground, a background and a garage-mode limit.
// While garage mode is on, all new writes count against the garage-mode
// limit.
//
// # Updates
//
// Update validates a whole batch before applying any of it. Vendor settings
// are restricted to the vendor component, and system-wide alert thresholds
// come from the system config only. A rejected batch changes nothing and
// surfaces as *ValidationError. Policy arrives from three sources, applied
// in this order at start:
//
//	build dir   ──▶ Build(build, latest)
//	store       ──▶ LoadLatest ("overuse/latest/<component>")
//	drop-in dir ──▶ DirWatcher ──▶ UpdateResourceOveruseConfigurations
//
// # Daily Accounting
//
// Accounting restarts when a collection falls on a later day than the
// previous one. A package overuses when its unforgiven writes in any state
// reach the limit. The crossed multiples of the limit are then forgiven, so
// the next overuse needs another full threshold. Usages with negative byte
// counts are rejected.
//
// OnPeriodicMonitor keeps a ring of system-wide write samples and raises an
// alert when the average rate over any configured duration reaches its
// limit.
//
// # Concurrency
//
// Configs and Monitor are safe for concurrent use. The Monitor reads the
// policy before it takes its own lock, and listeners and the handler run
// after the lock is released. Policy updates through the Monitor are
// serialized with their persistence.
//
// # Usage Example
//
//	configs := overuse.NewConfigs()
//	build, _ := overuse.LoadDir("/etc/warden/overuse")
//	configs.Build(ctx, build, nil)
//
//	monitor := overuse.NewMonitor(configs, overuse.WithOveruseHandler(coord))
//	stats, err := monitor.OnPeriodicCollection(ctx, time.Now(), usages)
//
// # Testing
//
// Tests build configs in code, drive time through benbjohnson/clock mocks
// and check persistence against storage.NewMemoryStore.
package overuse
