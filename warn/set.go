// Package warn holds bounded sets used to rate-limit data-quality warnings.
package warn

import (
	"log/slog"
	"sync"
)

// DefaultCapacity is the number of distinct values warned about per kind.
const DefaultCapacity = 20

// Set logs a warning the first time a value is seen, up to a fixed number of
// distinct values. Further values are silently dropped.
type Set struct {
	mu       sync.Mutex
	kind     string
	capacity int
	seen     map[string]struct{}
	log      *slog.Logger
}

func NewSet(kind string, log *slog.Logger) *Set {
	if log == nil {
		log = slog.Default()
	}
	return &Set{
		kind:     kind,
		capacity: DefaultCapacity,
		seen:     map[string]struct{}{},
		log:      log,
	}
}

// Warn records value and reports whether a warning was emitted for it.
func (s *Set) Warn(msg, value string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[value]; ok {
		return false
	}
	if len(s.seen) >= s.capacity {
		return false
	}
	s.seen[value] = struct{}{}
	s.log.Warn(msg, s.kind, value)
	return true
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Reset forgets all values seen so far.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = map[string]struct{}{}
}
