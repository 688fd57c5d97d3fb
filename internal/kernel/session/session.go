// Package session holds the kernel's navigation state: an ordered bag of
// query parameters equivalent to the browser URL the original surfaces keyed
// off. The store is the single source of truth for overlay and feature
// state; every mutation is observable so hosts can react the way they would
// to a URL change, and snapshots encode to standard query strings so deep
// links stay the wire format.
package session

import (
	"net/url"
	"sync"
)

// Snapshot is an immutable copy of the store's parameters.
type Snapshot map[string]string

// Get returns the value for key, or "" when absent.
func (s Snapshot) Get(key string) string {
	return s[key]
}

// Change describes one observed mutation.
type Change struct {
	Old Snapshot
	New Snapshot
}

// Listener observes store mutations.
type Listener func(Change)

// Store is a thread-safe query-parameter state store with subscriptions.
type Store struct {
	mu        sync.Mutex
	values    map[string]string
	listeners []listenerEntry
	nextID    int64
	syncing   bool
}

type listenerEntry struct {
	id int64
	fn Listener
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string]string)}
}

// Get returns the value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot returns a copy of all parameters.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := make(Snapshot, len(s.values))
	for k, v := range s.values {
		snap[k] = v
	}
	return snap
}

// Set stores one parameter and notifies listeners.
func (s *Store) Set(key, value string) {
	s.Apply(func(values map[string]string) {
		values[key] = value
	})
}

// Delete removes one parameter and notifies listeners.
func (s *Store) Delete(key string) {
	s.Apply(func(values map[string]string) {
		delete(values, key)
	})
}

// Apply runs a mutation against the parameter map atomically and notifies
// listeners once with the old and new snapshots. Listeners run outside the
// lock; a listener mutating the store observes its own change as a separate
// notification.
func (s *Store) Apply(mutate func(values map[string]string)) {
	s.mu.Lock()
	old := s.snapshotLocked()
	mutate(s.values)
	updated := s.snapshotLocked()

	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	change := Change{Old: old, New: updated}
	for _, l := range listeners {
		l.fn(change)
	}
}

// Replace swaps the entire parameter set, the navigation analog of loading
// a new URL.
func (s *Store) Replace(values map[string]string) {
	s.Apply(func(current map[string]string) {
		for k := range current {
			delete(current, k)
		}
		for k, v := range values {
			current[k] = v
		}
	})
}

// Subscribe registers a listener for all mutations and returns an
// unsubscribe function.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Encode renders the current state as a canonical URL query string.
func (s *Store) Encode() string {
	snap := s.Snapshot()
	values := url.Values{}
	for k, v := range snap {
		values.Set(k, v)
	}
	return values.Encode()
}

// Decode replaces the store contents from a URL query string. Repeated keys
// keep their first value, matching URLSearchParams.get semantics.
func (s *Store) Decode(query string) error {
	parsed, err := url.ParseQuery(query)
	if err != nil {
		return err
	}

	values := make(map[string]string, len(parsed))
	for k, vs := range parsed {
		if len(vs) > 0 {
			values[k] = vs[0]
		}
	}
	s.Replace(values)
	return nil
}

// BeginSync marks a programmatic navigation in progress and returns a
// release function. While syncing, Syncing reports true so reactive hosts
// can skip re-entrant route synchronization.
func (s *Store) BeginSync() func() {
	s.mu.Lock()
	s.syncing = true
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}
}

// Syncing reports whether a programmatic navigation is in progress.
func (s *Store) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}
