package store

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/overflow-control/model"
)

// Recovered is the control-plane state rebuilt after a restart.
type Recovered struct {
	TankStates     []model.TankState
	ValvePositions map[string]int
	LastPlan       *model.RedirectionPlan
	LastOutcome    *model.DispatchOutcome
	// Interrupted holds every plan whose latest outcome still has commands
	// without a terminal status, i.e. the process stopped mid-dispatch.
	Interrupted []DispatchRecord
	// InFlight lists the non-terminal commands of all interrupted plans.
	// Their valves are in an unknown position.
	InFlight []model.ValveCommand
}

// Recover reads what the orchestrator needs to resume from s.
func Recover(ctx context.Context, s StateStore) (Recovered, error) {
	var rec Recovered

	states, err := s.LatestTankStates(ctx)
	if err != nil {
		return rec, fmt.Errorf("load tank states: %w", err)
	}
	for _, st := range states {
		rec.TankStates = append(rec.TankStates, st)
	}

	rec.ValvePositions, err = s.ValvePositions(ctx)
	if err != nil {
		return rec, fmt.Errorf("load valve positions: %w", err)
	}

	plan, outcome, ok, err := s.LastDispatchOutcome(ctx)
	if err != nil {
		return rec, fmt.Errorf("load last outcome: %w", err)
	}
	if ok {
		rec.LastPlan = &plan
		rec.LastOutcome = &outcome
	}

	rec.Interrupted, err = s.UnfinishedDispatches(ctx)
	if err != nil {
		return rec, fmt.Errorf("load unfinished dispatches: %w", err)
	}
	for _, d := range rec.Interrupted {
		rec.InFlight = append(rec.InFlight, d.Outcome.Pending()...)
	}
	return rec, nil
}
