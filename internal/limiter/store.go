package limiter

import (
	"sync"
	"time"
)

// Clock is the time source for window accounting. Tests substitute a
// manual clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func RealClock() Clock { return realClock{} }

// Window is one client's counter for the current fixed window.
type Window struct {
	Count int
	Start time.Time
}

// Store holds per-client windows. Hit must check and increment atomically.
type Store interface {
	// Hit admits key if fewer than max hits were recorded in the window
	// containing now, recording the hit when admitted. It returns the
	// window after the call.
	Hit(key string, now time.Time, window time.Duration, max int) (Window, bool)
	// Prune drops windows that ended before now and returns how many.
	Prune(now time.Time, window time.Duration) int
	Len() int
}

type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

func (s *MemoryStore) Hit(key string, now time.Time, window time.Duration, max int) (Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.Start.Add(window)) {
		w = &Window{Start: now}
		s.windows[key] = w
	}

	if w.Count >= max {
		return *w, false
	}
	w.Count++
	return *w, true
}

func (s *MemoryStore) Prune(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.Start.Add(window)) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
