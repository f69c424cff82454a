package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/overflow-control/internal/gateway"
	"github.com/signalsfoundry/overflow-control/internal/observability"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

func fastConfig() Config {
	return Config{
		CommandTimeout: 50 * time.Millisecond,
		RetryBackoff:   time.Millisecond,
		FanOut:         4,
	}
}

func twoStepPlan() model.RedirectionPlan {
	return model.RedirectionPlan{
		PlanID:     "plan-A",
		SourceTank: "A",
		Reason:     model.ReasonPredictedOverflow,
		Steps: []model.PlanStep{
			{DestinationTank: "B", ValveID: "vAB", TargetOpenPercent: 60, AllocatedFlowLMin: 120},
			{DestinationTank: "C", ValveID: "vAC", TargetOpenPercent: 25, AllocatedFlowLMin: 25},
		},
	}
}

func commandFor(t *testing.T, out model.DispatchOutcome, valve string) model.ValveCommand {
	t.Helper()
	for _, c := range out.Commands {
		if c.ValveID == valve {
			return c
		}
	}
	t.Fatalf("no command for valve %s in %+v", valve, out.Commands)
	return model.ValveCommand{}
}

func TestExecuteSuccess(t *testing.T) {
	fake := gateway.NewFake()
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewDispatchCollector(reg)
	if err != nil {
		t.Fatalf("NewDispatchCollector: %v", err)
	}
	d := New(fastConfig(), fake, nil, nil, metrics)

	out := d.Execute(context.Background(), twoStepPlan())
	if out.OverallStatus != model.DispatchSuccess {
		t.Fatalf("expected success, got %s (%+v)", out.OverallStatus, out.Commands)
	}
	for _, c := range out.Commands {
		if c.Status != model.CommandConfirmed || c.ActualPercent != c.RequestedPercent || c.Attempts != 1 {
			t.Fatalf("unexpected command %+v", c)
		}
	}
	if fake.Position("vAB") != 60 || fake.Position("vAC") != 25 {
		t.Fatalf("fake positions %v", fake.Positions())
	}
	if out.CompletedAt.Before(out.StartedAt) {
		t.Fatalf("CompletedAt before StartedAt")
	}
	if got := testutil.ToFloat64(metrics.Outcomes.WithLabelValues("success")); got != 1 {
		t.Fatalf("success outcomes = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Commands.WithLabelValues("confirmed")); got != 2 {
		t.Fatalf("confirmed commands = %v", got)
	}
}

func TestExecutePartialOnTimeout(t *testing.T) {
	fake := gateway.NewFake()
	fake.Script("vAC", gateway.Hang())
	d := New(fastConfig(), fake, nil, nil, nil)

	out := d.Execute(context.Background(), twoStepPlan())
	if out.OverallStatus != model.DispatchPartialSuccess {
		t.Fatalf("expected partial success, got %s", out.OverallStatus)
	}
	if c := commandFor(t, out, "vAB"); c.Status != model.CommandConfirmed {
		t.Fatalf("vAB should be confirmed, got %+v", c)
	}
	c := commandFor(t, out, "vAC")
	if c.Status != model.CommandTimedOut || c.Attempts != 3 || c.Error == "" {
		t.Fatalf("vAC should time out after three attempts, got %+v", c)
	}
	if fake.Position("vAC") != 0 {
		t.Fatalf("timed out valve must not be moved")
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	fake := gateway.NewFake()
	fake.Script("vAB", gateway.Unreachable(2))
	fake.Script("vAC", gateway.Unreachable(-1))
	reg := prometheus.NewRegistry()
	metrics, _ := observability.NewDispatchCollector(reg)
	d := New(fastConfig(), fake, nil, nil, metrics)

	out := d.Execute(context.Background(), twoStepPlan())
	if c := commandFor(t, out, "vAB"); c.Status != model.CommandConfirmed || c.Attempts != 3 {
		t.Fatalf("vAB should recover on the third attempt, got %+v", c)
	}
	if c := commandFor(t, out, "vAC"); c.Status != model.CommandFailed || c.Attempts != 3 {
		t.Fatalf("vAC should fail after three attempts, got %+v", c)
	}
	if got := testutil.ToFloat64(metrics.Retries); got != 4 {
		t.Fatalf("retries = %v, want 4", got)
	}
}

func TestRetryBackoffFollowsClock(t *testing.T) {
	clk := timectrl.NewTimeController(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC))
	fake := gateway.NewFake()
	fake.Script("vAB", gateway.Unreachable(1))
	cfg := fastConfig()
	cfg.RetryBackoff = time.Hour
	d := New(cfg, fake, clk, nil, nil)
	plan := twoStepPlan()
	plan.Steps = plan.Steps[:1]

	done := make(chan model.DispatchOutcome, 1)
	go func() { done <- d.Execute(context.Background(), plan) }()

	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("retry never waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case out := <-done:
		t.Fatalf("dispatch finished before the backoff elapsed: %+v", out)
	default:
	}

	clk.Advance(time.Hour)
	select {
	case out := <-done:
		if c := commandFor(t, out, "vAB"); c.Status != model.CommandConfirmed || c.Attempts != 2 {
			t.Fatalf("vAB should confirm on the second attempt, got %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch did not resume after advancing the clock")
	}
}

func TestExecuteRejectedIsNotRetried(t *testing.T) {
	fake := gateway.NewFake()
	fake.Script("vAB", gateway.Reject("maintenance"))
	fake.Script("vAC", gateway.Reject("maintenance"))
	d := New(fastConfig(), fake, nil, nil, nil)

	out := d.Execute(context.Background(), twoStepPlan())
	if out.OverallStatus != model.DispatchFailed {
		t.Fatalf("expected failed, got %s", out.OverallStatus)
	}
	c := commandFor(t, out, "vAB")
	if c.Status != model.CommandFailed || c.Attempts != 1 || !strings.Contains(c.Error, "maintenance") {
		t.Fatalf("unexpected rejected command %+v", c)
	}
	if fake.Calls("vAB") != 1 {
		t.Fatalf("rejected command retried %d times", fake.Calls("vAB"))
	}
}

func TestExecuteTolerance(t *testing.T) {
	fake := gateway.NewFake()
	fake.Script("vAB", gateway.Drift(1))
	fake.Script("vAC", gateway.Drift(-10))
	d := New(fastConfig(), fake, nil, nil, nil)

	out := d.Execute(context.Background(), twoStepPlan())
	if c := commandFor(t, out, "vAB"); c.Status != model.CommandConfirmed || c.ActualPercent != 61 {
		t.Fatalf("small drift should confirm, got %+v", c)
	}
	if c := commandFor(t, out, "vAC"); c.Status != model.CommandFailed || c.ActualPercent != 15 {
		t.Fatalf("large drift should fail and record actual position, got %+v", c)
	}
}

func TestAtMostOneCommandInFlightPerValve(t *testing.T) {
	fake := gateway.NewFake()
	release := make(chan struct{})
	fake.Script("vAB", func(ctx context.Context, _ int, req gateway.Request) (gateway.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return gateway.Response{}, ctx.Err()
		}
		return gateway.Response{Status: gateway.StatusAcknowledged, ActualPercent: req.TargetPercent}, nil
	})
	cfg := fastConfig()
	cfg.CommandTimeout = 5 * time.Second
	d := New(cfg, fake, nil, nil, nil)

	first := model.RedirectionPlan{PlanID: "p1", SourceTank: "A", Steps: []model.PlanStep{{ValveID: "vAB", TargetOpenPercent: 40}}}
	second := model.RedirectionPlan{PlanID: "p2", SourceTank: "A", Steps: []model.PlanStep{{ValveID: "vAB", TargetOpenPercent: 70}}}

	done := make(chan model.DispatchOutcome, 1)
	go func() { done <- d.Execute(context.Background(), first) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.InFlight()["vAB"] != "p1" {
		if time.Now().After(deadline) {
			t.Fatalf("first command never went in flight")
		}
		time.Sleep(time.Millisecond)
	}

	out := d.Execute(context.Background(), second)
	c := commandFor(t, out, "vAB")
	if c.Status != model.CommandFailed || !strings.Contains(c.Error, model.ErrValveBusy.Error()) {
		t.Fatalf("second command should be rejected as busy, got %+v", c)
	}

	close(release)
	if got := <-done; got.OverallStatus != model.DispatchSuccess {
		t.Fatalf("first plan should succeed, got %s", got.OverallStatus)
	}
	if fake.Calls("vAB") != 1 || fake.MaxConcurrent("vAB") != 1 {
		t.Fatalf("gateway saw calls=%d concurrent=%d", fake.Calls("vAB"), fake.MaxConcurrent("vAB"))
	}
	if len(d.InFlight()) != 0 {
		t.Fatalf("in-flight map not cleared: %v", d.InFlight())
	}
}

func TestCancelledContextEndsCommands(t *testing.T) {
	fake := gateway.NewFake()
	fake.Script("vAB", gateway.Unreachable(-1))
	fake.Script("vAC", gateway.Unreachable(-1))
	cfg := fastConfig()
	cfg.RetryBackoff = time.Hour
	d := New(cfg, fake, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := d.Execute(ctx, twoStepPlan())
	for _, c := range out.Commands {
		if !c.Status.Terminal() || c.Attempts != 1 {
			t.Fatalf("command should end after the first attempt, got %+v", c)
		}
	}
}

func TestPendingOutcome(t *testing.T) {
	d := New(Config{}, gateway.NewFake(), nil, nil, nil)
	out := d.PendingOutcome(twoStepPlan())
	if len(out.Pending()) != 2 || out.PlanID != "plan-A" || out.SourceTank != "A" {
		t.Fatalf("unexpected pending outcome %+v", out)
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.CommandTimeout != 30*time.Second || cfg.MaxRetries != 2 || cfg.RetryBackoff != 2*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	cfg = Config{MaxRetries: -1}
	cfg.ApplyDefaults()
	if cfg.MaxRetries != 0 {
		t.Fatalf("negative MaxRetries should disable retries, got %d", cfg.MaxRetries)
	}
}
