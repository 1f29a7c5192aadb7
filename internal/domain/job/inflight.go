package job

import "sync"

// InFlight is the set of job ids currently being processed in this process.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInFlight creates an empty set.
func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]struct{})}
}

// TryAcquire adds id to the set and reports whether it was absent.
func (s *InFlight) TryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Release removes id from the set.
func (s *InFlight) Release(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Len returns the number of ids in flight.
func (s *InFlight) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
