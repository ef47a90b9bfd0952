package pending

import (
	"fmt"
	"sync"
)

// Table pairs a pool group with the caller-side payload of each request.
// It is the one "finish request" routine shared by every request producer:
// a payload is handed out only if the pool agrees the request was still
// pending, so a response and a timeout can never both observe it.
type Table[G comparable, T any] struct {
	pool    *Pool[G]
	entries map[int64]T
	group   G
	mu      sync.Mutex
}

// NewTable creates a payload table bound to one group of pool.
func NewTable[G comparable, T any](pool *Pool[G], group G) *Table[G, T] {
	return &Table[G, T]{
		pool:    pool,
		group:   group,
		entries: make(map[int64]T),
	}
}

// Add registers the request id in the pool and stores its payload. An id
// that is still held fails with ErrAlreadyExists and leaves the existing
// payload untouched.
//
// The table lock is held across the pool registration, so a sweep that
// expires the id right away blocks in Expired until the payload is stored.
func (t *Table[G, T]) Add(id int64, payload T, onTimeout TimeoutFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, held := t.entries[id]; held {
		return fmt.Errorf("request %d: %w", id, ErrAlreadyExists)
	}
	if err := t.pool.AddRequests(t.group, []int64{id}, onTimeout); err != nil {
		return err
	}
	t.entries[id] = payload
	return nil
}

// Finish completes the request and returns its payload. ok is false when the
// request already finished or timed out.
func (t *Table[G, T]) Finish(id int64) (payload T, ok bool) {
	if len(t.pool.TryFinishRequests(t.group, []int64{id})) == 0 {
		return payload, false
	}
	return t.take(id)
}

// Expired removes the payloads of ids reported by the pool's timeout callback.
// Ids without a payload are skipped.
func (t *Table[G, T]) Expired(ids []int64) []T {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if payload, ok := t.take(id); ok {
			out = append(out, payload)
		}
	}
	return out
}

// Len returns the number of payloads held.
func (t *Table[G, T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table[G, T]) take(id int64) (payload T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload, ok = t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return payload, ok
}
