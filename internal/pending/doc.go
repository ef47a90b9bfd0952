// Package pending correlates outstanding requests with either an explicit
// completion or a timeout.
//
// # Overview
//
// A Pool holds request ids together with a deadline. Every id leaves the pool
// exactly once: either a caller finishes it through TryFinishRequests, or the
// background sweep expires it and reports it to the timeout callback it was
// added with. Late responses after a timeout and timeouts after a response
// are therefore both silently ignored.
//
//	AddRequests(group, ids, onTimeout)
//	        │
//	        ▼
//	┌───────────────┐  TryFinishRequests   ┌──────────────┐
//	│    pending    │ ───────────────────▶ │   finished   │
//	│  (deadline)   │                      └──────────────┘
//	│               │  sweep / Close       ┌──────────────┐
//	│               │ ───────────────────▶ │ onTimeout(ids)│
//	└───────────────┘                      └──────────────┘
//
// # Groups and Callbacks
//
// Groups only scope request ids and batch timeout callbacks. An id may be
// pending at most once per group. Each request keeps the callback it was
// added with, so two producers sharing a group never see each other's
// timeouts. Ids expiring in the same sweep are batched per callback and the
// batches run in order of their lowest id.
//
// The health-check engine uses one group per timeout tier, the property
// client one group per request kind, and the enforcement coordinator one
// group for dumps.
//
// # Table
//
// Table pairs a pool group with a payload per id. Add rejects an id that is
// still held and leaves its payload untouched. Finish hands the payload to
// the caller that resolved the request, and Expired hands it to the timeout
// callback, so each payload is delivered exactly once.
//
// # Concurrency
//
// All methods are safe for concurrent use. Timeout callbacks always run
// after the pool lock is released, so they may call back into the pool.
// Close stops the sweep and expires everything still pending.
//
// # Usage Example
//
//	pool := pending.NewPool[string](time.Second)
//	defer pool.Close()
//
//	_ = pool.AddRequests("critical", []int64{1, 2}, func(expired []int64) {
//		log.Printf("no answer from %v", expired)
//	})
//	finished := pool.TryFinishRequests("critical", []int64{1})
//
// # Testing
//
// Pools take a clock.Clock through WithClock, so tests drive deadlines with
// clock.NewMock and observe callbacks with assert.Eventually.
package pending
