package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/overflow-control/model"
)

var t0 = time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]StateStore {
	t.Helper()
	b, err := OpenBadger(BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	m := NewMemoryStore()
	t.Cleanup(func() { _ = m.Close() })
	return map[string]StateStore{"memory": m, "badger": b}
}

func samplePlan() model.RedirectionPlan {
	return model.RedirectionPlan{
		PlanID:     "plan-1",
		SourceTank: "A",
		Reason:     model.ReasonPredictedOverflow,
		CreatedAt:  t0,
		Steps: []model.PlanStep{
			{DestinationTank: "B", ValveID: "vAB", TargetOpenPercent: 60, AllocatedFlowLMin: 240},
			{DestinationTank: "C", ValveID: "vAC", TargetOpenPercent: 30, AllocatedFlowLMin: 90},
		},
	}
}

func TestLatestTankStatesKeepsNewest(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.AppendTankReading(ctx, model.TankState{ID: "A", LevelPercent: 70, LastUpdated: t0.Add(2 * time.Second)}))
			require.NoError(t, s.AppendTankReading(ctx, model.TankState{ID: "A", LevelPercent: 60, LastUpdated: t0.Add(time.Second)}))
			require.NoError(t, s.AppendTankReading(ctx, model.TankState{ID: "B", LevelPercent: 20, LastUpdated: t0}))

			latest, err := s.LatestTankStates(ctx)
			require.NoError(t, err)
			require.Len(t, latest, 2)
			assert.Equal(t, 70.0, latest["A"].LevelPercent)
			assert.True(t, latest["A"].LastUpdated.Equal(t0.Add(2*time.Second)))

			hist, err := s.TankHistory(ctx, "A", 10)
			require.NoError(t, err)
			require.Len(t, hist, 2)
			assert.Equal(t, 70.0, hist[0].LevelPercent, "history is newest first")
		})
	}
}

func TestPartialOutcomeConfirmsOnlyAppliedSteps(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			plan := samplePlan()
			pending := model.DispatchOutcome{
				PlanID: plan.PlanID, SourceTank: "A", StartedAt: t0,
				Commands: []model.ValveCommand{
					{ValveID: "vAB", PlanID: plan.PlanID, RequestedPercent: 60},
					{ValveID: "vAC", PlanID: plan.PlanID, RequestedPercent: 30},
				},
			}
			require.NoError(t, s.AppendDispatchOutcome(ctx, plan, pending))

			_, ok, err := s.LastConfirmedPlanFor(ctx, "A")
			require.NoError(t, err)
			assert.False(t, ok, "pending outcome confirms nothing")

			final := pending
			final.Commands = []model.ValveCommand{
				{ValveID: "vAB", PlanID: plan.PlanID, RequestedPercent: 60, ActualPercent: 60, Status: model.CommandConfirmed},
				{ValveID: "vAC", PlanID: plan.PlanID, RequestedPercent: 30, Status: model.CommandTimedOut},
			}
			final.OverallStatus = model.DispatchPartialSuccess
			final.CompletedAt = t0.Add(40 * time.Second)
			require.NoError(t, s.AppendDispatchOutcome(ctx, plan, final))

			confirmed, ok, err := s.LastConfirmedPlanFor(ctx, "A")
			require.NoError(t, err)
			require.True(t, ok)
			require.Len(t, confirmed.Steps, 1)
			assert.Equal(t, "vAB", confirmed.Steps[0].ValveID)

			positions, err := s.ValvePositions(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"vAB": 60}, positions)

			_, last, ok, err := s.LastDispatchOutcome(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, model.DispatchPartialSuccess, last.OverallStatus)
			assert.Empty(t, last.Pending())
		})
	}
}

func TestRecoverFindsInFlightCommands(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			plan := samplePlan()
			require.NoError(t, s.AppendTankReading(ctx, model.TankState{ID: "A", LevelPercent: 92, LastUpdated: t0}))
			require.NoError(t, s.AppendDispatchOutcome(ctx, plan, model.DispatchOutcome{
				PlanID: plan.PlanID, SourceTank: "A", StartedAt: t0,
				Commands: []model.ValveCommand{
					{ValveID: "vAB", Status: model.CommandAcknowledged},
					{ValveID: "vAC", Status: model.CommandConfirmed, ActualPercent: 30},
				},
			}))

			rec, err := Recover(ctx, s)
			require.NoError(t, err)
			require.Len(t, rec.TankStates, 1)
			require.NotNil(t, rec.LastOutcome)
			require.Len(t, rec.InFlight, 1)
			assert.Equal(t, "vAB", rec.InFlight[0].ValveID)
			assert.Equal(t, 30, rec.ValvePositions["vAC"])
			assert.Equal(t, plan.PlanID, rec.LastPlan.PlanID)
		})
	}
}

func TestRecoverFindsInterruptedPlanBehindLaterOutcome(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := samplePlan()
			first.Steps = first.Steps[:1]
			require.NoError(t, s.AppendDispatchOutcome(ctx, first, model.DispatchOutcome{
				PlanID: first.PlanID, SourceTank: "A", StartedAt: t0,
				Commands: []model.ValveCommand{{ValveID: "vAB", PlanID: first.PlanID, RequestedPercent: 60}},
			}))

			second := model.RedirectionPlan{
				PlanID: "plan-2", SourceTank: "D", Reason: model.ReasonActiveOverflow, CreatedAt: t0,
				Steps: []model.PlanStep{{DestinationTank: "E", ValveID: "vDE", TargetOpenPercent: 50}},
			}
			pending := model.DispatchOutcome{
				PlanID: second.PlanID, SourceTank: "D", StartedAt: t0.Add(time.Second),
				Commands: []model.ValveCommand{{ValveID: "vDE", PlanID: second.PlanID, RequestedPercent: 50}},
			}
			require.NoError(t, s.AppendDispatchOutcome(ctx, second, pending))
			final := pending
			final.Commands = []model.ValveCommand{{ValveID: "vDE", PlanID: second.PlanID, RequestedPercent: 50, ActualPercent: 50, Status: model.CommandConfirmed}}
			final.OverallStatus = model.DispatchSuccess
			final.CompletedAt = t0.Add(2 * time.Second)
			require.NoError(t, s.AppendDispatchOutcome(ctx, second, final))

			rec, err := Recover(ctx, s)
			require.NoError(t, err)
			require.NotNil(t, rec.LastPlan)
			assert.Equal(t, "plan-2", rec.LastPlan.PlanID)
			require.Len(t, rec.Interrupted, 1)
			assert.Equal(t, first.PlanID, rec.Interrupted[0].Plan.PlanID)
			require.Len(t, rec.InFlight, 1)
			assert.Equal(t, "vAB", rec.InFlight[0].ValveID)

			done := model.DispatchOutcome{
				PlanID: first.PlanID, SourceTank: "A", StartedAt: t0, CompletedAt: t0.Add(3 * time.Second),
				OverallStatus: model.DispatchFailed,
				Commands:      []model.ValveCommand{{ValveID: "vAB", PlanID: first.PlanID, RequestedPercent: 60, Status: model.CommandTimedOut}},
			}
			require.NoError(t, s.AppendDispatchOutcome(ctx, first, done))
			unfinished, err := s.UnfinishedDispatches(ctx)
			require.NoError(t, err)
			assert.Empty(t, unfinished)
		})
	}
}

func TestRecentCyclesNewestFirst(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"c1", "c2", "c3"} {
				require.NoError(t, s.AppendCycleRecord(ctx, model.CycleRecord{
					CycleID:   id,
					Trigger:   model.TriggerTimer,
					StartedAt: t0.Add(time.Duration(i) * time.Minute),
					Outcomes:  map[string]model.DispatchStatus{"p": model.DispatchSuccess},
				}))
			}
			got, err := s.RecentCycles(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "c3", got[0].CycleID)
			assert.Equal(t, "c2", got[1].CycleID)
		})
	}
}

func TestClosedMemoryStoreRejectsWrites(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	err := s.AppendTankReading(context.Background(), model.TankState{ID: "A"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true}, nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendTankReading(ctx, model.TankState{ID: "A", LevelPercent: 81.5, LastUpdated: t0, QualityFlags: model.QualityFlags(0).With(model.QualityTurbid)}))
	require.NoError(t, s.Close())

	s, err = OpenBadger(BadgerConfig{Path: dir}, nil)
	require.NoError(t, err)
	defer s.Close()
	latest, err := s.LatestTankStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 81.5, latest["A"].LevelPercent)
	assert.True(t, latest["A"].QualityFlags.Has(model.QualityTurbid))
}

func TestBadgerOutcomesForPlan(t *testing.T) {
	s, err := OpenBadger(BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	plan := samplePlan()

	require.NoError(t, s.AppendDispatchOutcome(ctx, plan, model.DispatchOutcome{PlanID: plan.PlanID, StartedAt: t0}))
	require.NoError(t, s.AppendDispatchOutcome(ctx, plan, model.DispatchOutcome{PlanID: plan.PlanID, StartedAt: t0, CompletedAt: t0.Add(time.Second), OverallStatus: model.DispatchFailed}))

	outs, err := s.OutcomesForPlan(ctx, plan.PlanID)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, model.DispatchFailed, outs[1].OverallStatus)
}

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p...)
	return f.err
}

func TestInfluxMirrorCopiesReadingsAndOutcomes(t *testing.T) {
	w := &fakeWriter{}
	s := WrapWithWriter(NewMemoryStore(), w, time.Second, nil)
	ctx := context.Background()

	require.NoError(t, s.AppendTankReading(ctx, model.TankState{ID: "A", LevelPercent: 50, LastUpdated: t0}))
	plan := samplePlan()
	require.NoError(t, s.AppendDispatchOutcome(ctx, plan, model.DispatchOutcome{PlanID: plan.PlanID, StartedAt: t0}))
	require.NoError(t, s.AppendDispatchOutcome(ctx, plan, model.DispatchOutcome{
		PlanID: plan.PlanID, StartedAt: t0, CompletedAt: t0.Add(time.Second),
		Commands: []model.ValveCommand{{ValveID: "vAB", Status: model.CommandConfirmed, ActualPercent: 60}},
	}))

	require.Len(t, w.points, 3, "reading, outcome and one command; pending outcomes are not mirrored")
	assert.Equal(t, "tank_level", w.points[0].Name())
	assert.Equal(t, "dispatch_outcome", w.points[1].Name())
	assert.Equal(t, "valve_command", w.points[2].Name())

	latest, err := s.LatestTankStates(ctx)
	require.NoError(t, err)
	assert.Contains(t, latest, "A")
}

func TestInfluxMirrorFailureDoesNotFailPrimary(t *testing.T) {
	w := &fakeWriter{err: errors.New("influx down")}
	s := WrapWithWriter(NewMemoryStore(), w, time.Second, nil)
	require.NoError(t, s.AppendTankReading(context.Background(), model.TankState{ID: "A", LastUpdated: t0}))
}
