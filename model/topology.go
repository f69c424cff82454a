package model

import (
	"fmt"
	"sort"
	"time"
)

// TankClass ranks destinations when headroom ties. Drain is used only after
// every other destination is exhausted.
type TankClass string

const (
	ClassDrinking    TankClass = "drinking"
	ClassAgriculture TankClass = "agriculture"
	ClassIndustrial  TankClass = "industrial"
	ClassRecharge    TankClass = "recharge"
	ClassDrain       TankClass = "drain"
)

// Priority returns a lower number for preferred destination classes.
func (c TankClass) Priority() int {
	switch c {
	case ClassDrinking:
		return 0
	case ClassAgriculture:
		return 1
	case ClassIndustrial:
		return 2
	case ClassRecharge:
		return 3
	case ClassDrain:
		return 5
	default:
		return 4
	}
}

// TankSpec is the static description of a tank.
type TankSpec struct {
	ID             string    `yaml:"id" validate:"required"`
	Name           string    `yaml:"name"`
	Class          TankClass `yaml:"class"`
	CapacityLiters float64   `yaml:"capacity_liters" validate:"gt=0"`
	// RiskThresholdPercent is the level above which a tank is considered at
	// risk. Headroom is measured up to this level.
	RiskThresholdPercent float64 `yaml:"risk_threshold_percent" validate:"gt=0,lte=100"`
	// OutflowCapacityLMin bounds the total flow that can leave the tank
	// through redirection valves.
	OutflowCapacityLMin float64 `yaml:"outflow_capacity_lmin" validate:"gte=0"`
}

// HeadroomLiters is the volume the tank can absorb before reaching its risk
// threshold at the given level.
func (t TankSpec) HeadroomLiters(levelPercent float64) float64 {
	h := (t.RiskThresholdPercent - levelPercent) / 100 * t.CapacityLiters
	if h < 0 {
		return 0
	}
	return h
}

// ValvePath is a controllable connection between two tanks.
type ValvePath struct {
	ValveID     string  `yaml:"valve_id" validate:"required"`
	From        string  `yaml:"from" validate:"required"`
	To          string  `yaml:"to" validate:"required,nefield=From"`
	MaxFlowLMin float64 `yaml:"max_flow_lmin" validate:"gt=0"`
	MainLine    string  `yaml:"main_line"`
}

// MainLine is a physical pipe shared by several valve paths.
type MainLine struct {
	ID string `yaml:"id" validate:"required"`
	// RatedOpenPercent is the maximum sum of percent-open over all valves on
	// the line.
	RatedOpenPercent int `yaml:"rated_open_percent" validate:"gt=0"`
}

// Topology is the immutable network description used for one planning pass.
type Topology struct {
	Tanks     map[string]TankSpec
	Paths     []ValvePath
	MainLines map[string]MainLine
}

// Tank returns the TankSpec for id.
func (t Topology) Tank(id string) (TankSpec, bool) {
	s, ok := t.Tanks[id]
	return s, ok
}

// Path returns the valve path with the given valve ID.
func (t Topology) Path(valveID string) (ValvePath, bool) {
	for _, p := range t.Paths {
		if p.ValveID == valveID {
			return p, true
		}
	}
	return ValvePath{}, false
}

// PathsFrom returns all paths leaving source, sorted by valve ID.
func (t Topology) PathsFrom(source string) []ValvePath {
	var out []ValvePath
	for _, p := range t.Paths {
		if p.From == source {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValveID < out[j].ValveID })
	return out
}

// TankIDs returns all tank IDs sorted.
func (t Topology) TankIDs() []string {
	ids := make([]string, 0, len(t.Tanks))
	for id := range t.Tanks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks referential integrity between tanks, paths and lines.
func (t Topology) Validate() error {
	seen := make(map[string]struct{}, len(t.Paths))
	for _, p := range t.Paths {
		if _, dup := seen[p.ValveID]; dup {
			return fmt.Errorf("valve %q declared twice", p.ValveID)
		}
		seen[p.ValveID] = struct{}{}
		if _, ok := t.Tanks[p.From]; !ok {
			return fmt.Errorf("valve %q: source %q: %w", p.ValveID, p.From, ErrUnknownTank)
		}
		if _, ok := t.Tanks[p.To]; !ok {
			return fmt.Errorf("valve %q: destination %q: %w", p.ValveID, p.To, ErrUnknownTank)
		}
		if p.MainLine != "" {
			if _, ok := t.MainLines[p.MainLine]; !ok {
				return fmt.Errorf("valve %q references unknown main line %q", p.ValveID, p.MainLine)
			}
		}
	}
	return nil
}

// CycleRecord is the audit entry written for every decision cycle.
type CycleRecord struct {
	CycleID     string
	Trigger     TriggerKind
	StartedAt   time.Time
	CompletedAt time.Time
	Tanks       []string
	FastPath    []string
	Fallbacks   map[string]RiskOrigin
	PlanIDs     []string
	Skipped     []string
	Infeasible  []string
	Outcomes    map[string]DispatchStatus
	Abandoned   bool
}
