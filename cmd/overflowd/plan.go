package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/overflow-control/internal/alert"
	"github.com/signalsfoundry/overflow-control/internal/dispatch"
	"github.com/signalsfoundry/overflow-control/internal/forecast"
	"github.com/signalsfoundry/overflow-control/internal/gateway"
	"github.com/signalsfoundry/overflow-control/internal/ingest"
	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/orchestrator"
	"github.com/signalsfoundry/overflow-control/internal/perception"
	"github.com/signalsfoundry/overflow-control/internal/planner"
	"github.com/signalsfoundry/overflow-control/internal/store"
	"github.com/signalsfoundry/overflow-control/kb"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

// snapshot is the input of a planning dry run.
type snapshot struct {
	// Now is the evaluation time; defaults to the newest reading.
	Now       time.Time                  `json:"now"`
	Readings  []ingest.ReadingMessage    `json:"readings"`
	Signals   []perception.SignalMessage `json:"signals"`
	Overrides []perception.IntentMessage `json:"overrides"`
}

type planStep struct {
	ValveID           string  `json:"valveId"`
	DestinationTank   string  `json:"destinationTank"`
	TargetOpenPercent int     `json:"targetOpenPercent"`
	AllocatedFlowLMin float64 `json:"allocatedFlowLMin"`
}

type plannedRedirection struct {
	PlanID     string     `json:"planId"`
	SourceTank string     `json:"sourceTank"`
	Reason     string     `json:"reason"`
	Steps      []planStep `json:"steps"`
}

type planReport struct {
	At         time.Time            `json:"at"`
	Tanks      []string             `json:"tanks"`
	FastPath   []string             `json:"fastPath,omitempty"`
	Fallbacks  map[string]string    `json:"fallbacks,omitempty"`
	Plans      []plannedRedirection `json:"plans"`
	Infeasible []string             `json:"infeasible,omitempty"`
	Alerts     []alert.Wire         `json:"alerts,omitempty"`
}

func newPlanCmd(load loader) *cobra.Command {
	var snapshotPath, topologyPath string
	cmd := &cobra.Command{
		Use:   "plan --snapshot FILE",
		Short: "Run one decision cycle offline against a JSON snapshot",
		Long: `Runs a full decision cycle over the readings, signals and overrides in a
snapshot file, using the local trend forecaster and a simulated valve
gateway. Nothing is sent to the field; the resulting plans are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if topologyPath == "" {
				cfg, err := load()
				if err != nil {
					return err
				}
				topologyPath = cfg.Topology.Path
			}
			snap, err := readSnapshot(snapshotPath)
			if err != nil {
				return err
			}
			topo := kb.NewKnowledgeBase()
			if err := topo.LoadFile(topologyPath); err != nil {
				return err
			}
			report, err := dryRun(cmd.Context(), topo, snap)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "JSON file with readings, signals and overrides")
	cmd.Flags().StringVar(&topologyPath, "topology", "", "topology file (default from config)")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func readSnapshot(path string) (snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// dryRun feeds snap through the same components the daemon uses and runs a
// single cycle over every tank.
func dryRun(ctx context.Context, topo *kb.KnowledgeBase, snap snapshot) (planReport, error) {
	readings := make([]model.TankReading, 0, len(snap.Readings))
	for _, msg := range snap.Readings {
		r, err := msg.ToReading()
		if err != nil {
			return planReport{}, err
		}
		readings = append(readings, r)
	}
	sort.SliceStable(readings, func(i, j int) bool { return readings[i].Timestamp.Before(readings[j].Timestamp) })

	now := snap.Now
	if now.IsZero() && len(readings) > 0 {
		now = readings[len(readings)-1].Timestamp
	}
	if now.IsZero() {
		now = time.Now()
	}
	clock := timectrl.NewTimeController(now)

	tanks := ingest.NewStore(ingest.Config{}, clock, nil,
		ingest.WithKnownTanks(func(id string) bool { _, ok := topo.Tank(id); return ok }))
	for _, r := range readings {
		if _, err := tanks.Ingest(ctx, r); err != nil && !errors.Is(err, model.ErrDuplicateReading) {
			return planReport{}, fmt.Errorf("snapshot reading: %w", err)
		}
	}
	board := perception.NewBoard(perception.Config{}, clock, nil, nil)
	for _, msg := range snap.Signals {
		sig, err := msg.ToSignal()
		if err != nil {
			return planReport{}, err
		}
		if err := board.Record(ctx, sig); err != nil {
			return planReport{}, fmt.Errorf("snapshot signal: %w", err)
		}
	}
	for _, msg := range snap.Overrides {
		in, err := msg.ToIntent()
		if err != nil {
			return planReport{}, err
		}
		if err := board.SubmitIntent(ctx, in); err != nil {
			return planReport{}, fmt.Errorf("snapshot override: %w", err)
		}
	}

	alerts := &collectedAlerts{}
	exec := &recordingExecutor{Dispatcher: dispatch.New(dispatch.Config{}, gateway.NewFake(), clock, nil, nil)}
	o, err := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Tanks:    tanks,
		Topology: topo,
		Forecast: forecast.NewAdapter(forecast.Config{Kind: "trend"}, forecast.NewTrendPredictor(), clock, nil),
		Signals:  board,
		Planner:  planner.New(planner.Config{}),
		Dispatch: exec,
		Store:    store.NewMemoryStore(),
		Alerts:   alerts,
		Clock:    clock,
		Log:      logging.Noop(),
	})
	if err != nil {
		return planReport{}, err
	}
	rec, err := o.RunCycle(ctx, model.TimerTrigger{At: now})
	if err != nil {
		return planReport{}, err
	}

	report := planReport{
		At:         now,
		Tanks:      rec.Tanks,
		FastPath:   rec.FastPath,
		Infeasible: rec.Infeasible,
		Plans:      []plannedRedirection{},
	}
	if len(rec.Fallbacks) > 0 {
		report.Fallbacks = make(map[string]string, len(rec.Fallbacks))
		for id, origin := range rec.Fallbacks {
			report.Fallbacks[id] = string(origin)
		}
	}
	for _, p := range exec.plans {
		pr := plannedRedirection{PlanID: p.PlanID, SourceTank: p.SourceTank, Reason: p.Reason.String()}
		for _, s := range p.Steps {
			pr.Steps = append(pr.Steps, planStep{
				ValveID:           s.ValveID,
				DestinationTank:   s.DestinationTank,
				TargetOpenPercent: s.TargetOpenPercent,
				AllocatedFlowLMin: s.AllocatedFlowLMin,
			})
		}
		report.Plans = append(report.Plans, pr)
	}
	for _, a := range alerts.list {
		report.Alerts = append(report.Alerts, a.ToWire())
	}
	return report, nil
}

// recordingExecutor keeps every plan the cycle dispatches.
type recordingExecutor struct {
	*dispatch.Dispatcher
	mu    sync.Mutex
	plans []model.RedirectionPlan
}

func (e *recordingExecutor) Execute(ctx context.Context, plan model.RedirectionPlan) model.DispatchOutcome {
	e.mu.Lock()
	e.plans = append(e.plans, plan)
	e.mu.Unlock()
	return e.Dispatcher.Execute(ctx, plan)
}

type collectedAlerts struct {
	mu   sync.Mutex
	list []alert.Alert
}

func (c *collectedAlerts) Notify(_ context.Context, a alert.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
