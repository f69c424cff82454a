// Package store is the single durable owner of tank history, dispatch
// outcomes and cycle records. Records are append-only; small index entries
// are rewritten in the same transaction as the append they describe.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/signalsfoundry/overflow-control/model"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("state store closed")

// StateStore persists control-plane state.
type StateStore interface {
	// AppendTankReading records an accepted reading and advances the
	// latest-state index when the reading is newer.
	AppendTankReading(ctx context.Context, s model.TankState) error
	// LatestTankStates returns the newest state per tank.
	LatestTankStates(ctx context.Context) (map[string]model.TankState, error)
	// TankHistory returns up to limit readings for a tank, newest first.
	TankHistory(ctx context.Context, tankID string, limit int) ([]model.TankState, error)

	// AppendDispatchOutcome records the outcome of a plan. It is called once
	// with all commands pending before dispatch and once when dispatch ends.
	AppendDispatchOutcome(ctx context.Context, plan model.RedirectionPlan, o model.DispatchOutcome) error
	// LastConfirmedPlanFor returns the confirmed steps, at their requested
	// targets, of the most recent dispatch for the tank that confirmed at
	// least one command.
	LastConfirmedPlanFor(ctx context.Context, tankID string) (model.RedirectionPlan, bool, error)
	// LastDispatchOutcome returns the most recently appended outcome.
	LastDispatchOutcome(ctx context.Context) (model.RedirectionPlan, model.DispatchOutcome, bool, error)
	// UnfinishedDispatches returns every plan whose latest outcome still has
	// non-terminal commands, earliest start first.
	UnfinishedDispatches(ctx context.Context) ([]DispatchRecord, error)
	// ValvePositions returns the last confirmed position of every valve.
	ValvePositions(ctx context.Context) (map[string]int, error)

	// AppendCycleRecord records a decision cycle.
	AppendCycleRecord(ctx context.Context, r model.CycleRecord) error
	// RecentCycles returns up to limit cycle records, newest first.
	RecentCycles(ctx context.Context, limit int) ([]model.CycleRecord, error)

	Close() error
}

// DispatchRecord is the persisted form of a dispatch outcome.
type DispatchRecord struct {
	Plan    model.RedirectionPlan
	Outcome model.DispatchOutcome
}

// confirmedUpdates derives the index changes implied by an outcome: the
// confirmed plan (when any command confirmed) and the reported positions of
// confirmed valves.
func confirmedUpdates(plan model.RedirectionPlan, o model.DispatchOutcome) (model.RedirectionPlan, bool, map[string]int) {
	positions := make(map[string]int)
	for _, c := range o.Commands {
		if c.Status == model.CommandConfirmed {
			positions[c.ValveID] = c.ActualPercent
		}
	}
	if len(positions) == 0 {
		return model.RedirectionPlan{}, false, positions
	}
	return o.ConfirmedPlan(plan), true, positions
}

func unfinished(o model.DispatchOutcome) bool {
	return len(o.Pending()) > 0
}

func sortByStart(recs []DispatchRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].Outcome.StartedAt, recs[j].Outcome.StartedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return recs[i].Plan.PlanID < recs[j].Plan.PlanID
	})
}
