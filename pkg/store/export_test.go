package store

import "github.com/cybertechsoft/loopgrid/pkg/contracts"

// Tamper rewrites a stored decision in place, bypassing the append-only API.
func (s *MemoryStore) Tamper(id string, mutate func(*contracts.Decision)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok {
		mutate(d)
	}
}

// Remove drops a stored decision, bypassing the append-only API.
func (s *MemoryStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.decisions {
		if d.ID == id {
			s.decisions = append(s.decisions[:i], s.decisions[i+1:]...)
			break
		}
	}
	delete(s.byID, id)
}
