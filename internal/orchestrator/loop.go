package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/overflow-control/internal/alert"
	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/store"
	"github.com/signalsfoundry/overflow-control/model"
)

// Run drives timer cycles and the fast-path queue until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Log.Info(ctx, "orchestrator started",
		logging.Duration("period", o.cfg.Period),
		logging.Duration("cycle_deadline", o.cfg.CycleDeadline))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.timerLoop(ctx) })
	g.Go(func() error { return o.fastLoop(ctx) })
	err := g.Wait()
	o.Log.Info(context.Background(), "orchestrator stopped")
	return err
}

func (o *Orchestrator) timerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.Clock.After(o.cfg.Period):
		}
		o.runLogged(ctx, model.TimerTrigger{At: o.Clock.Now()})
	}
}

func (o *Orchestrator) fastLoop(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(o.cfg.FastPathWorkers)
	defer func() { _ = g.Wait() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr := <-o.fast:
			o.dequeued(tr)
			g.Go(func() error {
				o.runLogged(ctx, tr)
				return nil
			})
		}
	}
}

func (o *Orchestrator) runLogged(ctx context.Context, tr model.TriggerReason) {
	if _, err := o.RunCycle(ctx, tr); err != nil && ctx.Err() == nil {
		o.Log.Warn(ctx, "cycle failed", logging.String("trigger", string(tr.Kind())), logging.Err(err))
	}
}

// Trigger queues a fast-path cycle and never blocks. A trigger covering the
// same tanks as one still waiting in the queue is coalesced into it. It
// reports whether the trigger was queued.
func (o *Orchestrator) Trigger(tr model.TriggerReason) bool {
	key := triggerKey(tr)
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	if _, queued := o.pending[key]; queued {
		return false
	}
	select {
	case o.fast <- tr:
		o.pending[key] = struct{}{}
		return true
	default:
		o.Log.Warn(context.Background(), "fast-path queue full, dropping trigger",
			logging.String("trigger", string(tr.Kind())),
			logging.String("tanks", key))
		return false
	}
}

func (o *Orchestrator) dequeued(tr model.TriggerReason) {
	o.pendingMu.Lock()
	delete(o.pending, triggerKey(tr))
	o.pendingMu.Unlock()
}

func triggerKey(tr model.TriggerReason) string {
	ids := tr.Tanks()
	if ids == nil {
		return "*"
	}
	ids = append([]string(nil), ids...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// ObserveState is the ingest hook: a tank at or above the critical level
// gets an immediate cycle.
func (o *Orchestrator) ObserveState(st model.TankState) {
	if st.LevelPercent >= o.cfg.CriticalLevelPercent {
		o.Trigger(model.ThresholdTrigger{State: st})
	}
}

// Restore reads the persisted control state. Commands left without a
// terminal status by a previous process put their valves in an unknown
// position, so a full cycle is queued to re-plan.
func (o *Orchestrator) Restore(ctx context.Context) (store.Recovered, error) {
	rec, err := store.Recover(ctx, o.Store)
	if err != nil {
		return rec, fmt.Errorf("restore control state: %w", err)
	}
	o.Log.Info(ctx, "control state restored",
		logging.Int("tanks", len(rec.TankStates)),
		logging.Int("valves", len(rec.ValvePositions)),
		logging.Int("in_flight", len(rec.InFlight)))
	if len(rec.InFlight) == 0 {
		return rec, nil
	}

	for _, d := range rec.Interrupted {
		pending := d.Outcome.Pending()
		valves := make([]string, 0, len(pending))
		for _, cmd := range pending {
			valves = append(valves, cmd.ValveID)
		}
		o.Log.Warn(ctx, "interrupted dispatch found, scheduling recovery cycle",
			logging.String("plan_id", d.Plan.PlanID),
			logging.String("source_tank", d.Plan.SourceTank),
			logging.Any("valves", valves))
		a := alert.New(alert.KindRecovery, model.AlertWarning, d.Plan.SourceTank,
			fmt.Sprintf("Restart interrupted %d valve commands (%s); re-planning.", len(valves), strings.Join(valves, ", ")),
			o.Clock.Now())
		a.PlanID = d.Plan.PlanID
		o.notify(ctx, a)
	}
	if !o.Trigger(model.RecoveryTrigger{At: o.Clock.Now()}) {
		return rec, errors.New("restore control state: recovery cycle could not be queued")
	}
	return rec, nil
}
