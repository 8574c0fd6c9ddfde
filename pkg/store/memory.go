// Package store persists decisions, status events, corrections and replays.
//
// Two backends implement the same method set: MemoryStore for tests and
// ephemeral runs, and SQLStore for SQLite and Postgres. Both are append-only;
// neither exposes an update or delete path.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
)

// MemoryStore is an in-process, append-only store.
type MemoryStore struct {
	mu          sync.RWMutex
	decisions   []*contracts.Decision
	byID        map[string]*contracts.Decision
	events      map[string][]*contracts.StatusEvent
	corrections map[string][]*contracts.Correction
	correction  map[string]*contracts.Correction
	replays     map[string][]*contracts.Replay
	replay      map[string]*contracts.Replay
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*contracts.Decision),
		events:      make(map[string][]*contracts.StatusEvent),
		corrections: make(map[string][]*contracts.Correction),
		correction:  make(map[string]*contracts.Correction),
		replays:     make(map[string][]*contracts.Replay),
		replay:      make(map[string]*contracts.Replay),
	}
}

// AppendDecision holds the write lock across tail read, seal and insert.
func (s *MemoryStore) AppendDecision(_ context.Context, seal func(contracts.ChainTail) (*contracts.Decision, error)) (*contracts.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := contracts.ChainTail{Empty: true}
	if n := len(s.decisions); n > 0 {
		last := s.decisions[n-1]
		tail = contracts.ChainTail{SequenceNumber: last.SequenceNumber, ChainHash: last.ChainHash}
	}

	d, err := seal(tail)
	if err != nil {
		return nil, err
	}
	if _, exists := s.byID[d.ID]; exists {
		return nil, fmt.Errorf("decision %s already exists: %w", d.ID, contracts.ErrImmutabilityViolation)
	}
	stored := cloneDecision(d)
	s.decisions = append(s.decisions, stored)
	s.byID[stored.ID] = stored
	return cloneDecision(stored), nil
}

func (s *MemoryStore) GetDecision(_ context.Context, id string) (*contracts.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, contracts.NotFound("decision", id)
	}
	return cloneDecision(d), nil
}

func (s *MemoryStore) ListDecisions(_ context.Context, filter contracts.DecisionFilter) ([]*contracts.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchLocked(filter)
	if filter.Descending {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if filter.Offset >= len(matched) {
		return []*contracts.Decision{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]*contracts.Decision, len(matched))
	for i, d := range matched {
		out[i] = cloneDecision(d)
	}
	return out, nil
}

func (s *MemoryStore) CountDecisions(_ context.Context, filter contracts.DecisionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matchLocked(filter)), nil
}

func (s *MemoryStore) matchLocked(filter contracts.DecisionFilter) []*contracts.Decision {
	var matched []*contracts.Decision
	for _, d := range s.decisions {
		if filter.ServiceName != "" && d.ServiceName != filter.ServiceName {
			continue
		}
		if filter.DecisionType != "" && d.DecisionType != filter.DecisionType {
			continue
		}
		if filter.Status != "" && s.statusLocked(d.ID) != filter.Status {
			continue
		}
		matched = append(matched, d)
	}
	return matched
}

func (s *MemoryStore) statusLocked(id string) contracts.Status {
	evs := s.events[id]
	if len(evs) == 0 {
		return contracts.StatusRecorded
	}
	return evs[len(evs)-1].Status
}

// ScanDecisions visits every decision in sequence order over a snapshot.
func (s *MemoryStore) ScanDecisions(ctx context.Context, fn func(*contracts.Decision) error) error {
	s.mu.RLock()
	snapshot := make([]*contracts.Decision, len(s.decisions))
	for i, d := range s.decisions {
		snapshot[i] = cloneDecision(d)
	}
	s.mu.RUnlock()

	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].SequenceNumber < snapshot[j].SequenceNumber
	})
	for _, d := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) InsertStatusEvent(_ context.Context, e *contracts.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[e.DecisionID]; !ok {
		return contracts.NotFound("decision", e.DecisionID)
	}
	cp := *e
	s.events[e.DecisionID] = append(s.events[e.DecisionID], &cp)
	return nil
}

func (s *MemoryStore) ListStatusEvents(_ context.Context, decisionID string) ([]*contracts.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.StatusEvent, 0, len(s.events[decisionID]))
	for _, e := range s.events[decisionID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// InsertCorrection stores c and, when it is the decision's first correction,
// firstEvent as well. It reports whether c was the first.
func (s *MemoryStore) InsertCorrection(_ context.Context, c *contracts.Correction, firstEvent *contracts.StatusEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.DecisionID]; !ok {
		return false, contracts.NotFound("decision", c.DecisionID)
	}
	if _, dup := s.correction[c.ID]; dup {
		return false, fmt.Errorf("correction %s already exists: %w", c.ID, contracts.ErrImmutabilityViolation)
	}
	first := len(s.corrections[c.DecisionID]) == 0
	cp := cloneCorrection(c)
	s.corrections[c.DecisionID] = append(s.corrections[c.DecisionID], cp)
	s.correction[c.ID] = cp
	if first && firstEvent != nil {
		ev := *firstEvent
		s.events[c.DecisionID] = append(s.events[c.DecisionID], &ev)
	}
	return first, nil
}

func (s *MemoryStore) ListCorrections(_ context.Context, decisionID string) ([]*contracts.Correction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.Correction, 0, len(s.corrections[decisionID]))
	for _, c := range s.corrections[decisionID] {
		out = append(out, cloneCorrection(c))
	}
	return out, nil
}

func (s *MemoryStore) GetCorrection(_ context.Context, id string) (*contracts.Correction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.correction[id]
	if !ok {
		return nil, contracts.NotFound("correction", id)
	}
	return cloneCorrection(c), nil
}

func (s *MemoryStore) InsertReplay(_ context.Context, r *contracts.Replay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.DecisionID]; !ok {
		return contracts.NotFound("decision", r.DecisionID)
	}
	if _, dup := s.replay[r.ID]; dup {
		return fmt.Errorf("replay %s already exists: %w", r.ID, contracts.ErrImmutabilityViolation)
	}
	cp := cloneReplay(r)
	s.replays[r.DecisionID] = append(s.replays[r.DecisionID], cp)
	s.replay[r.ID] = cp
	return nil
}

func (s *MemoryStore) GetReplay(_ context.Context, id string) (*contracts.Replay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.replay[id]
	if !ok {
		return nil, contracts.NotFound("replay", id)
	}
	return cloneReplay(r), nil
}

func (s *MemoryStore) ListReplays(_ context.Context, decisionID string) ([]*contracts.Replay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.Replay, 0, len(s.replays[decisionID]))
	for _, r := range s.replays[decisionID] {
		out = append(out, cloneReplay(r))
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneParams(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return p
	}
	return out
}

func cloneModel(m contracts.ModelRef) contracts.ModelRef {
	m.Parameters = cloneParams(m.Parameters)
	return m
}

func cloneDecision(d *contracts.Decision) *contracts.Decision {
	cp := *d
	cp.Input = cloneRaw(d.Input)
	cp.Model = cloneModel(d.Model)
	cp.Prompt = cloneRaw(d.Prompt)
	cp.Output = cloneRaw(d.Output)
	cp.ToolCalls = cloneRaw(d.ToolCalls)
	cp.Metadata = cloneRaw(d.Metadata)
	return &cp
}

func cloneCorrection(c *contracts.Correction) *contracts.Correction {
	cp := *c
	cp.Correction = cloneRaw(c.Correction)
	return &cp
}

func cloneReplay(r *contracts.Replay) *contracts.Replay {
	cp := *r
	cp.Output = cloneRaw(r.Output)
	cp.Effective.Prompt = cloneRaw(r.Effective.Prompt)
	cp.Effective.Input = cloneRaw(r.Effective.Input)
	cp.Effective.Model = cloneModel(r.Effective.Model)
	if r.Overrides != nil {
		o := *r.Overrides
		o.Prompt = cloneRaw(r.Overrides.Prompt)
		o.Input = cloneRaw(r.Overrides.Input)
		if r.Overrides.Model != nil {
			m := *r.Overrides.Model
			m.Parameters = cloneParams(m.Parameters)
			o.Model = &m
		}
		cp.Overrides = &o
	}
	return &cp
}
