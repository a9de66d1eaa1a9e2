package orchestrator

import (
	"sync"
)

// resultStore keeps recent task results in memory, bounded by a fixed
// capacity. Eviction is oldest-first by insertion. Stored records are
// immutable snapshots; the running task keeps its own record and republishes
// on every status change.
type resultStore struct {
	mu      sync.RWMutex
	results map[string]*TaskResult
	order   []string
	cap     int
}

func newResultStore(capacity int) *resultStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &resultStore{
		results: make(map[string]*TaskResult),
		cap:     capacity,
	}
}

func (s *resultStore) put(r *TaskResult) {
	r = r.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[r.ID]; !exists {
		s.order = append(s.order, r.ID)
		for len(s.order) > s.cap {
			victim := s.order[0]
			s.order = s.order[1:]
			delete(s.results, victim)
		}
	}
	s.results[r.ID] = r
}

func (s *resultStore) get(id string) (*TaskResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

// recent returns up to n results, newest first.
func (s *resultStore) recent(n int) []*TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.order) {
		n = len(s.order)
	}
	out := make([]*TaskResult, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		if r, ok := s.results[s.order[i]]; ok {
			out = append(out, r.snapshot())
		}
	}
	return out
}
