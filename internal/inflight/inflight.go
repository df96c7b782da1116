// Package inflight provides a concurrent set used to deduplicate event
// processing: the first goroutine to acquire a key wins, every later attempt
// for the same key is refused until the winner releases it.
package inflight

import "sync"

// Set is a mutex-guarded membership set with an atomic insert-if-absent
// primitive. Safe for concurrent use. The zero value is not usable; call New.
type Set struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{keys: make(map[string]struct{})}
}

// Acquire atomically inserts key if absent. On success it returns ok=true and
// a release function that removes the key; callers must arrange for release
// to run on every exit path (typically via defer). Releasing twice is
// harmless. When the key is already held, ok is false and release is a no-op.
func (s *Set) Acquire(key string) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.keys[key]; held {
		return func() {}, false
	}
	s.keys[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.keys, key)
			s.mu.Unlock()
		})
	}, true
}

// Len reports the number of keys currently held. Intended for tests and
// metrics.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
