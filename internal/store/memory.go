package store

import (
	"context"
	"sort"
	"sync"

	"github.com/signalsfoundry/overflow-control/model"
)

// MemoryStore is a process-local StateStore. Records are deep-copied through
// the codec so callers cannot alias stored data.
type MemoryStore struct {
	mu sync.RWMutex

	closed    bool
	readings  map[string][]model.TankState
	latest    map[string]model.TankState
	outcomes  []DispatchRecord
	pending   map[string]DispatchRecord
	confirmed map[string]model.RedirectionPlan
	positions map[string]int
	cycles    []model.CycleRecord
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings:  make(map[string][]model.TankState),
		latest:    make(map[string]model.TankState),
		confirmed: make(map[string]model.RedirectionPlan),
		pending:   make(map[string]DispatchRecord),
		positions: make(map[string]int),
	}
}

func (m *MemoryStore) AppendTankReading(_ context.Context, s model.TankState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.readings[s.ID] = append(m.readings[s.ID], s)
	if prev, ok := m.latest[s.ID]; !ok || s.LastUpdated.After(prev.LastUpdated) {
		m.latest[s.ID] = s
	}
	return nil
}

func (m *MemoryStore) LatestTankStates(_ context.Context) (map[string]model.TankState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]model.TankState, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) TankHistory(_ context.Context, tankID string, limit int) ([]model.TankState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	rs := append([]model.TankState(nil), m.readings[tankID]...)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].LastUpdated.After(rs[j].LastUpdated) })
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs, nil
}

func (m *MemoryStore) AppendDispatchOutcome(_ context.Context, plan model.RedirectionPlan, o model.DispatchOutcome) error {
	rec, err := copyRecord(DispatchRecord{Plan: plan, Outcome: o})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.outcomes = append(m.outcomes, rec)
	if unfinished(rec.Outcome) {
		m.pending[rec.Plan.PlanID] = rec
	} else {
		delete(m.pending, rec.Plan.PlanID)
	}
	applied, ok, positions := confirmedUpdates(rec.Plan, rec.Outcome)
	if ok {
		m.confirmed[plan.SourceTank] = applied
	}
	for v, p := range positions {
		m.positions[v] = p
	}
	return nil
}

func (m *MemoryStore) LastConfirmedPlanFor(_ context.Context, tankID string) (model.RedirectionPlan, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.RedirectionPlan{}, false, ErrClosed
	}
	p, ok := m.confirmed[tankID]
	if !ok {
		return model.RedirectionPlan{}, false, nil
	}
	p.Steps = append([]model.PlanStep(nil), p.Steps...)
	return p, true, nil
}

func (m *MemoryStore) LastDispatchOutcome(_ context.Context) (model.RedirectionPlan, model.DispatchOutcome, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.RedirectionPlan{}, model.DispatchOutcome{}, false, ErrClosed
	}
	if len(m.outcomes) == 0 {
		return model.RedirectionPlan{}, model.DispatchOutcome{}, false, nil
	}
	rec, err := copyRecord(m.outcomes[len(m.outcomes)-1])
	if err != nil {
		return model.RedirectionPlan{}, model.DispatchOutcome{}, false, err
	}
	return rec.Plan, rec.Outcome, true, nil
}

func (m *MemoryStore) UnfinishedDispatches(_ context.Context) ([]DispatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]DispatchRecord, 0, len(m.pending))
	for _, rec := range m.pending {
		cp, err := copyRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortByStart(out)
	return out, nil
}

func (m *MemoryStore) ValvePositions(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]int, len(m.positions))
	for k, v := range m.positions {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) AppendCycleRecord(_ context.Context, r model.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cycles = append(m.cycles, r)
	return nil
}

func (m *MemoryStore) RecentCycles(_ context.Context, limit int) ([]model.CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.CycleRecord, 0, len(m.cycles))
	for i := len(m.cycles) - 1; i >= 0; i-- {
		out = append(out, m.cycles[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyRecord(rec DispatchRecord) (DispatchRecord, error) {
	raw, err := marshal(rec)
	if err != nil {
		return DispatchRecord{}, err
	}
	var out DispatchRecord
	if err := unmarshal(raw, &out); err != nil {
		return DispatchRecord{}, err
	}
	return out, nil
}
