package realtime

import "sync"

// seenSet remembers the most recent ids, evicting the oldest first.
type seenSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	ids   map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 1024
	}
	return &seenSet{cap: capacity, ids: make(map[string]struct{}, capacity)}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.order = append(s.order, id)
	s.ids[id] = struct{}{}
	return true
}

func (s *seenSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.ids = make(map[string]struct{}, s.cap)
}
