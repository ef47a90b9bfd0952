// Package storage is the key/value persistence layer of the daemon.
//
// # Overview
//
// The daemon keeps two kinds of state across restarts: the latest resource
// overuse configurations and the values of the vehicle properties it serves.
// Both go through the Store interface, so the backing engine can be chosen
// at start without touching its users.
//
// # Architecture
//
//	┌──────────────────────┐   ┌──────────────────────┐
//	│ overuse (persist.go) │   │ vhal (properties.go) │
//	└──────────┬───────────┘   └──────────┬───────────┘
//	           └────────────┬─────────────┘
//	                        ▼
//	              ┌──────────────────┐
//	              │  Store interface │
//	              └────────┬─────────┘
//	             ┌─────────┴─────────┐
//	             ▼                   ▼
//	      ┌─────────────┐     ┌─────────────┐
//	      │ MemoryStore │     │ BadgerStore │
//	      └─────────────┘     └─────────────┘
//
// # Core Interfaces
//
// Store: basic key/value operations
//   - Get(key) returns the value or ErrKeyNotFound
//   - Put(key, value) stores or replaces a value
//   - Delete(key) removes a key; a missing key is not an error
//   - List(prefix) returns the matching keys in sorted order
//   - Stats() reports the key count and value bytes
//
// # Implementations
//
// MemoryStore keeps values in a map behind a sync.RWMutex. It is used in
// tests and when the daemon runs without a data directory.
//
// BadgerStore keeps values in BadgerDB and survives restarts. OpenBadger
// routes Badger's own logging through the configured slog logger and can
// open an in-memory database for tests.
//
// # Key Layout
//
//	overuse/latest/<component>   JSON ResourceOveruseConfiguration
//	vhal/prop/<prop>/<area>      JSON PropValue
//
// Values are opaque bytes; callers choose the encoding.
//
// # Concurrency
//
// Every method is safe for concurrent use. Get returns a copy and Put stores
// a copy, so callers may reuse their buffers.
//
// # Usage Example
//
//	store, err := storage.OpenBadger(storage.BadgerConfig{Path: "/var/lib/warden", Logger: logger})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	_ = store.Put("overuse/latest/SYSTEM", raw)
//	keys := store.List("overuse/latest/")
//
// # Testing
//
// store_test.go runs one contract suite against every implementation, with
// Badger opened both in memory and in a temporary directory.
package storage
