package model

import (
	"fmt"
	"time"
)

// PlanReason explains why a RedirectionPlan was produced.
type PlanReason int

const (
	ReasonPredictedOverflow PlanReason = iota
	ReasonActiveOverflow
	ReasonManualOverride
)

func (r PlanReason) String() string {
	switch r {
	case ReasonPredictedOverflow:
		return "predicted_overflow"
	case ReasonActiveOverflow:
		return "active_overflow"
	case ReasonManualOverride:
		return "manual_override"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// PlanStep opens one valve path from the source towards a destination.
type PlanStep struct {
	DestinationTank   string
	ValveID           string
	TargetOpenPercent int
	AllocatedFlowLMin float64
}

// RedirectionPlan is an ordered set of valve steps for a single source tank.
// Steps are ranked by priority, highest first.
type RedirectionPlan struct {
	PlanID     string
	SourceTank string
	Steps      []PlanStep
	Reason     PlanReason
	CreatedAt  time.Time
}

// TotalFlowLMin sums the flow allocated across all steps.
func (p RedirectionPlan) TotalFlowLMin() float64 {
	var total float64
	for _, s := range p.Steps {
		total += s.AllocatedFlowLMin
	}
	return total
}

// ValveTargets returns valveID -> target percent for the plan.
func (p RedirectionPlan) ValveTargets() map[string]int {
	out := make(map[string]int, len(p.Steps))
	for _, s := range p.Steps {
		out[s.ValveID] = s.TargetOpenPercent
	}
	return out
}

// SameTargets reports whether both plans drive the same valves to the same
// positions, regardless of IDs and timestamps.
func SameTargets(a, b RedirectionPlan) bool {
	if a.SourceTank != b.SourceTank || len(a.Steps) != len(b.Steps) {
		return false
	}
	bt := b.ValveTargets()
	for valve, pct := range a.ValveTargets() {
		if got, ok := bt[valve]; !ok || got != pct {
			return false
		}
	}
	return true
}

// Infeasibility describes an urgent source for which no plan could be built.
type Infeasibility struct {
	TankID  string
	Urgency float64
	Active  bool
	Reason  string
}

func (i Infeasibility) Error() string {
	return fmt.Sprintf("%s: %s: %v", i.TankID, i.Reason, ErrPlanInfeasible)
}

func (i Infeasibility) Unwrap() error { return ErrPlanInfeasible }
