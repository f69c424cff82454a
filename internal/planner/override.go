package planner

import (
	"fmt"

	"github.com/signalsfoundry/overflow-control/model"
)

// Override validates a manual valve intent against the topology and the main
// line ratings and turns it into a single-step ManualOverride plan.
func (p *Planner) Override(intent model.CommandIntent, in Input) (model.RedirectionPlan, error) {
	if _, ok := in.Topology.Tank(intent.TankID); !ok {
		return model.RedirectionPlan{}, fmt.Errorf("override for %q: %w", intent.TankID, model.ErrUnknownTank)
	}
	path, ok := in.Topology.Path(intent.ValveID)
	if !ok {
		return model.RedirectionPlan{}, fmt.Errorf("override valve %q: %w", intent.ValveID, model.ErrUnknownValve)
	}
	if path.From != intent.TankID {
		return model.RedirectionPlan{}, fmt.Errorf("valve %q does not leave tank %q: %w", intent.ValveID, intent.TankID, model.ErrUnknownValve)
	}
	if intent.DestinationTank != "" && intent.DestinationTank != path.To {
		return model.RedirectionPlan{}, fmt.Errorf("valve %q leads to %q, not %q: %w", intent.ValveID, path.To, intent.DestinationTank, model.ErrUnknownValve)
	}
	if intent.TargetPercent < 0 || intent.TargetPercent > 100 {
		return model.RedirectionPlan{}, model.Infeasibility{
			TankID: intent.TankID,
			Reason: fmt.Sprintf("target %d%% outside 0-100", intent.TargetPercent),
		}
	}

	l := newLedger(in)
	if avail, limited := l.lineAvailable(path, in.Topology); limited && intent.TargetPercent > avail {
		return model.RedirectionPlan{}, model.Infeasibility{
			TankID: intent.TankID,
			Reason: fmt.Sprintf("main line %q has %d%% open left, %d%% requested", path.MainLine, avail, intent.TargetPercent),
		}
	}

	plan := model.RedirectionPlan{
		SourceTank: intent.TankID,
		Reason:     model.ReasonManualOverride,
		CreatedAt:  in.Now,
		Steps: []model.PlanStep{{
			DestinationTank:   path.To,
			ValveID:           path.ValveID,
			TargetOpenPercent: intent.TargetPercent,
			AllocatedFlowLMin: float64(intent.TargetPercent) / 100 * path.MaxFlowLMin,
		}},
	}
	plan.PlanID = PlanID(plan)
	return plan, nil
}
