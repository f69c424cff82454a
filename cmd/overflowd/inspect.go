package main

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/store"
	"github.com/signalsfoundry/overflow-control/model"
)

type commandSummary struct {
	ValveID          string `json:"valveId"`
	RequestedPercent int    `json:"requestedPercent"`
	ActualPercent    int    `json:"actualPercent"`
	Status           string `json:"status"`
	Attempts         int    `json:"attempts"`
	Error            string `json:"error,omitempty"`
}

type cycleSummary struct {
	CycleID   string        `json:"cycleId"`
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"durationNs"`
	Tanks     []string      `json:"tanks"`
	PlanIDs   []string      `json:"planIds,omitempty"`
	Abandoned bool          `json:"abandoned,omitempty"`
}

type inspectReport struct {
	Tanks          map[string]float64 `json:"tankLevels"`
	ValvePositions map[string]int     `json:"valvePositions"`
	LastPlanID     string             `json:"lastPlanId,omitempty"`
	LastStatus     string             `json:"lastStatus,omitempty"`
	LastCommands   []commandSummary   `json:"lastCommands,omitempty"`
	InFlight       []string           `json:"inFlight,omitempty"`
	Cycles         []cycleSummary     `json:"recentCycles"`
}

func newInspectCmd(load loader) *cobra.Command {
	var (
		badgerPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted control state of a stopped daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if badgerPath == "" {
				cfg, err := load()
				if err != nil {
					return err
				}
				if cfg.Store.Kind != "badger" {
					return errors.New("inspect needs the badger store; the configured store keeps nothing on disk")
				}
				badgerPath = cfg.Store.Badger.Path
			}
			st, err := store.OpenBadger(store.BadgerConfig{Path: badgerPath}, logging.Noop())
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := inspect(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&badgerPath, "badger-path", "", "badger directory (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent cycles to show")
	return cmd
}

func inspect(ctx context.Context, st store.StateStore, limit int) (inspectReport, error) {
	rec, err := store.Recover(ctx, st)
	if err != nil {
		return inspectReport{}, err
	}
	report := inspectReport{
		Tanks:          make(map[string]float64, len(rec.TankStates)),
		ValvePositions: rec.ValvePositions,
		Cycles:         []cycleSummary{},
	}
	for _, s := range rec.TankStates {
		report.Tanks[s.ID] = s.LevelPercent
	}
	if rec.LastPlan != nil && rec.LastOutcome != nil {
		report.LastPlanID = rec.LastPlan.PlanID
		report.LastStatus = rec.LastOutcome.OverallStatus.String()
		for _, c := range rec.LastOutcome.Commands {
			report.LastCommands = append(report.LastCommands, summarizeCommand(c))
		}
	}
	for _, c := range rec.InFlight {
		report.InFlight = append(report.InFlight, c.ValveID)
	}
	sort.Strings(report.InFlight)

	cycles, err := st.RecentCycles(ctx, limit)
	if err != nil {
		return inspectReport{}, err
	}
	for _, c := range cycles {
		report.Cycles = append(report.Cycles, cycleSummary{
			CycleID:   c.CycleID,
			Trigger:   string(c.Trigger),
			StartedAt: c.StartedAt,
			Duration:  c.CompletedAt.Sub(c.StartedAt),
			Tanks:     c.Tanks,
			PlanIDs:   c.PlanIDs,
			Abandoned: c.Abandoned,
		})
	}
	return report, nil
}

func summarizeCommand(c model.ValveCommand) commandSummary {
	return commandSummary{
		ValveID:          c.ValveID,
		RequestedPercent: c.RequestedPercent,
		ActualPercent:    c.ActualPercent,
		Status:           c.Status.String(),
		Attempts:         c.Attempts,
		Error:            c.Error,
	}
}
