// Package ingest accepts tank telemetry and maintains the latest state per
// tank. Updates for one tank are applied strictly in timestamp order; tanks
// never contend with each other.
package ingest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

// Persister durably records accepted readings.
type Persister interface {
	AppendTankReading(ctx context.Context, s model.TankState) error
}

// MetricsRecorder receives ingest results.
type MetricsRecorder interface {
	IncReading(result string)
	SetTankLevel(tank string, level float64)
}

// Config tunes the ingest store.
type Config struct {
	// StaleAfter marks a tank SensorStale in snapshots once its last reading
	// is older than this.
	StaleAfter time.Duration `yaml:"stale_after"`
	// HistorySize is how many recent readings are kept per tank for forecast
	// requests.
	HistorySize int `yaml:"history_size" validate:"gte=0"`
	// MaxLevelPercent rejects implausible readings. Sensors may report above
	// 100 while a tank is spilling.
	MaxLevelPercent float64 `yaml:"max_level_percent"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 12
	}
	if c.MaxLevelPercent <= 0 {
		c.MaxLevelPercent = 150
	}
}

// Option configures a Store.
type Option func(*Store)

// WithPersister records accepted readings durably before they become visible.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Store) { s.metrics = m }
}

// WithKnownTanks restricts ingestion to tanks accepted by known.
func WithKnownTanks(known func(id string) bool) Option {
	return func(s *Store) { s.known = known }
}

// Store is the Telemetry Ingest component.
type Store struct {
	cfg   Config
	clock timectrl.Clock
	log   logging.Logger

	persist Persister
	metrics MetricsRecorder
	known   func(id string) bool

	mu    sync.RWMutex // guards the tanks map, not the slots
	tanks map[string]*tankSlot

	subsMu sync.RWMutex
	subs   []func(model.TankState)
}

type tankSlot struct {
	mu      sync.Mutex
	state   model.TankState
	has     bool
	history []model.TankReading
}

// NewStore constructs an ingest store.
func NewStore(cfg Config, clock timectrl.Clock, log logging.Logger, opts ...Option) *Store {
	cfg.ApplyDefaults()
	if clock == nil {
		clock = timectrl.System{}
	}
	if log == nil {
		log = logging.Noop()
	}
	s := &Store{
		cfg:   cfg,
		clock: clock,
		log:   log,
		tanks: make(map[string]*tankSlot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn to be called with every accepted state. Callbacks
// run on the ingesting goroutine after the tank lock is released.
func (s *Store) Subscribe(fn func(model.TankState)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

// Ingest validates, stamps and applies a reading. It returns
// model.ErrStaleReading when the reading is not newer than the stored state
// and model.ErrDuplicateReading when it repeats the stored reading.
func (s *Store) Ingest(ctx context.Context, r model.TankReading) (model.TankState, error) {
	if err := s.validate(r); err != nil {
		s.count("invalid")
		return model.TankState{}, err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.clock.Now()
	}

	slot := s.slot(r.TankID)
	slot.mu.Lock()
	if slot.has && !r.Timestamp.After(slot.state.LastUpdated) {
		prev := slot.state
		slot.mu.Unlock()
		if r.Timestamp.Equal(prev.LastUpdated) && sameReading(prev, r) {
			s.count("duplicate")
			return prev, model.ErrDuplicateReading
		}
		s.count("stale")
		return prev, fmt.Errorf("tank %s: reading at %s not after %s: %w",
			r.TankID, r.Timestamp.Format(time.RFC3339Nano), prev.LastUpdated.Format(time.RFC3339Nano), model.ErrStaleReading)
	}

	state := model.StateFromReading(r)
	if s.persist != nil {
		if err := s.persist.AppendTankReading(ctx, state); err != nil {
			slot.mu.Unlock()
			s.count("persist_failed")
			return model.TankState{}, fmt.Errorf("persist reading for %s: %w", r.TankID, err)
		}
	}
	slot.state = state
	slot.has = true
	slot.history = append(slot.history, r)
	if over := len(slot.history) - s.cfg.HistorySize; over > 0 {
		slot.history = append([]model.TankReading(nil), slot.history[over:]...)
	}
	slot.mu.Unlock()

	s.count("accepted")
	if s.metrics != nil {
		s.metrics.SetTankLevel(state.ID, state.LevelPercent)
	}

	s.subsMu.RLock()
	subs := append([]func(model.TankState){}, s.subs...)
	s.subsMu.RUnlock()
	for _, fn := range subs {
		fn(state)
	}
	return state, nil
}

// Restore seeds the store with previously persisted states without
// persisting them again. States older than what is already held are ignored.
func (s *Store) Restore(states []model.TankState) {
	for _, st := range states {
		slot := s.slot(st.ID)
		slot.mu.Lock()
		if !slot.has || st.LastUpdated.After(slot.state.LastUpdated) {
			slot.state = st
			slot.has = true
		}
		slot.mu.Unlock()
	}
}

// Latest returns the current state of a tank.
func (s *Store) Latest(id string) (model.TankState, bool) {
	s.mu.RLock()
	slot, ok := s.tanks[id]
	s.mu.RUnlock()
	if !ok {
		return model.TankState{}, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return s.withStaleness(slot.state, s.clock.Now()), slot.has
}

// Snapshot returns copies of all tank states as of now. Tanks whose last
// reading is older than StaleAfter carry QualitySensorStale.
func (s *Store) Snapshot() map[string]model.TankState {
	now := s.clock.Now()
	s.mu.RLock()
	slots := make(map[string]*tankSlot, len(s.tanks))
	for id, slot := range s.tanks {
		slots[id] = slot
	}
	s.mu.RUnlock()

	out := make(map[string]model.TankState, len(slots))
	for id, slot := range slots {
		slot.mu.Lock()
		if slot.has {
			out[id] = s.withStaleness(slot.state, now)
		}
		slot.mu.Unlock()
	}
	return out
}

// History returns the recent readings of a tank, oldest first.
func (s *Store) History(id string) []model.TankReading {
	s.mu.RLock()
	slot, ok := s.tanks[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return append([]model.TankReading(nil), slot.history...)
}

// TankIDs lists tanks with at least one accepted reading.
func (s *Store) TankIDs() []string {
	snap := s.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) slot(id string) *tankSlot {
	s.mu.RLock()
	slot, ok := s.tanks[id]
	s.mu.RUnlock()
	if ok {
		return slot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok = s.tanks[id]; ok {
		return slot
	}
	slot = &tankSlot{}
	s.tanks[id] = slot
	return slot
}

func (s *Store) validate(r model.TankReading) error {
	switch {
	case r.TankID == "":
		return fmt.Errorf("reading without tank id: %w", model.ErrInvalidInput)
	case math.IsNaN(r.LevelPercent) || r.LevelPercent < 0 || r.LevelPercent > s.cfg.MaxLevelPercent:
		return fmt.Errorf("tank %s: level %v out of range: %w", r.TankID, r.LevelPercent, model.ErrInvalidInput)
	case math.IsNaN(r.FlowRateInLMin) || r.FlowRateInLMin < 0:
		return fmt.Errorf("tank %s: inflow %v out of range: %w", r.TankID, r.FlowRateInLMin, model.ErrInvalidInput)
	}
	if s.known != nil && !s.known(r.TankID) {
		return fmt.Errorf("tank %s: %w", r.TankID, model.ErrUnknownTank)
	}
	return nil
}

func (s *Store) count(result string) {
	if s.metrics != nil {
		s.metrics.IncReading(result)
	}
}

func (s *Store) withStaleness(st model.TankState, now time.Time) model.TankState {
	if now.Sub(st.LastUpdated) > s.cfg.StaleAfter {
		st.QualityFlags = st.QualityFlags.With(model.QualitySensorStale)
	}
	return st
}

func sameReading(s model.TankState, r model.TankReading) bool {
	return s.LevelPercent == r.LevelPercent &&
		s.FlowRateInLMin == r.FlowRateInLMin &&
		s.QualityFlags == r.QualityFlags &&
		s.Source == r.Source
}
