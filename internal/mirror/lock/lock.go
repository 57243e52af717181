// Package lock provides the short-lived per-path lock used to keep the
// mirror's own writes from being read back as external edits.
//
// Before writing a file the sync service acquires the file's absolute path;
// the watcher checks IsLocked before handling an event and drops the event
// while the lock is held. Entries expire after their TTL, so a crashed
// writer cannot wedge a path. This is a heuristic for echo suppression, not a
// mutex between concurrent writers.
package lock

import (
	"sync"
	"time"
)

// DefaultTTL is used when Acquire is given a non-positive TTL.
const DefaultTTL = 5 * time.Second

type entry struct {
	acquiredAt time.Time
	ttl        time.Duration
}

// Registry tracks locked paths. The zero value is not usable; use New.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// NewWithClock creates a registry that reads time from now. Used in tests.
func NewWithClock(now func() time.Time) *Registry {
	r := New()
	r.now = now
	return r
}

// Acquire locks path for ttl, replacing any existing entry.
func (r *Registry) Acquire(path string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[path] = entry{acquiredAt: r.now(), ttl: ttl}
}

// Release unlocks path. Releasing an unlocked path is a no-op.
func (r *Registry) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, path)
}

// IsLocked reports whether path holds an unexpired lock. Expired entries
// are removed as they are found.
func (r *Registry) IsLocked(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[path]
	if !ok {
		return false
	}
	if r.now().Sub(e.acquiredAt) > e.ttl {
		delete(r.entries, path)
		return false
	}
	return true
}

// Len returns the number of unexpired locks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for p, e := range r.entries {
		if now.Sub(e.acquiredAt) > e.ttl {
			delete(r.entries, p)
		}
	}
	return len(r.entries)
}

// Clear drops every lock.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
}
