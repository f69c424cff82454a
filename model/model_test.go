package model

import (
	"errors"
	"testing"
)

func TestValveCommandTransitions(t *testing.T) {
	cmd := ValveCommand{ValveID: "v1", Status: CommandPending}
	if err := cmd.Transition(CommandConfirmed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> confirmed: expected ErrInvalidTransition, got %v", err)
	}
	if err := cmd.Transition(CommandAcknowledged); err != nil {
		t.Fatalf("pending -> acknowledged: %v", err)
	}
	if err := cmd.Transition(CommandConfirmed); err != nil {
		t.Fatalf("acknowledged -> confirmed: %v", err)
	}
	if !cmd.Status.Terminal() {
		t.Fatalf("confirmed should be terminal")
	}
	for _, next := range []CommandStatus{CommandPending, CommandAcknowledged, CommandFailed, CommandTimedOut} {
		if err := cmd.Transition(next); err == nil {
			t.Fatalf("transition out of terminal state to %s should fail", next)
		}
	}
}

func TestSummarizeCommands(t *testing.T) {
	tests := []struct {
		name string
		cmds []ValveCommand
		want DispatchStatus
	}{
		{"empty", nil, DispatchSuccess},
		{"all confirmed", []ValveCommand{{Status: CommandConfirmed}, {Status: CommandConfirmed}}, DispatchSuccess},
		{"mixed", []ValveCommand{{Status: CommandConfirmed}, {Status: CommandTimedOut}}, DispatchPartialSuccess},
		{"none confirmed", []ValveCommand{{Status: CommandFailed}, {Status: CommandTimedOut}}, DispatchFailed},
	}
	for _, tt := range tests {
		if got := SummarizeCommands(tt.cmds); got != tt.want {
			t.Fatalf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestConfirmedPlanKeepsOnlyConfirmedSteps(t *testing.T) {
	plan := RedirectionPlan{
		PlanID:     "p1",
		SourceTank: "A",
		Steps: []PlanStep{
			{DestinationTank: "B", ValveID: "vB", TargetOpenPercent: 60},
			{DestinationTank: "C", ValveID: "vC", TargetOpenPercent: 20},
		},
	}
	outcome := DispatchOutcome{
		PlanID: "p1",
		Commands: []ValveCommand{
			{ValveID: "vB", Status: CommandConfirmed, RequestedPercent: 60, ActualPercent: 58},
			{ValveID: "vC", Status: CommandTimedOut},
		},
	}
	got := outcome.ConfirmedPlan(plan)
	if len(got.Steps) != 1 || got.Steps[0].ValveID != "vB" {
		t.Fatalf("unexpected steps %+v", got.Steps)
	}
	if got.Steps[0].TargetOpenPercent != 60 {
		t.Fatalf("expected requested target 60, got %d", got.Steps[0].TargetOpenPercent)
	}
	if !SameTargets(got, RedirectionPlan{SourceTank: "A", Steps: plan.Steps[:1]}) {
		t.Fatalf("confirmed plan should match a replan with the same target")
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("original plan must not be modified")
	}
}

func TestSameTargetsIgnoresIdentity(t *testing.T) {
	a := RedirectionPlan{PlanID: "a", SourceTank: "A", Steps: []PlanStep{{ValveID: "v1", TargetOpenPercent: 40}}}
	b := RedirectionPlan{PlanID: "b", SourceTank: "A", Steps: []PlanStep{{ValveID: "v1", TargetOpenPercent: 40}}}
	if !SameTargets(a, b) {
		t.Fatalf("plans with equal targets should match")
	}
	b.Steps[0].TargetOpenPercent = 41
	if SameTargets(a, b) {
		t.Fatalf("plans with different targets should not match")
	}
}

func TestClassifyLevel(t *testing.T) {
	cases := map[float64]AlertLevel{
		40:    AlertNormal,
		85:    AlertWarning,
		92.5:  AlertWarning,
		95:    AlertCritical,
		100:   AlertEmergency,
		104.2: AlertEmergency,
	}
	for level, want := range cases {
		if got := ClassifyLevel(level); got != want {
			t.Fatalf("ClassifyLevel(%v) = %s, want %s", level, got, want)
		}
	}
}

func TestParseQualityFlags(t *testing.T) {
	set, unknown := ParseQualityFlags([]string{"Turbid", "sensor_stale", "foam"})
	if !set.Has(QualityTurbid) || !set.Has(QualitySensorStale) || set.Has(QualityContaminated) {
		t.Fatalf("unexpected flag set %s", set)
	}
	if len(unknown) != 1 || unknown[0] != "foam" {
		t.Fatalf("unexpected unknown flags %v", unknown)
	}
	if got := set.String(); got != "sensor_stale,turbid" {
		t.Fatalf("String() = %q", got)
	}
}

func TestTopologyValidate(t *testing.T) {
	topo := Topology{
		Tanks: map[string]TankSpec{
			"A": {ID: "A", CapacityLiters: 1000, RiskThresholdPercent: 90},
			"B": {ID: "B", CapacityLiters: 1000, RiskThresholdPercent: 90},
		},
		Paths:     []ValvePath{{ValveID: "v1", From: "A", To: "B", MaxFlowLMin: 100, MainLine: "m1"}},
		MainLines: map[string]MainLine{"m1": {ID: "m1", RatedOpenPercent: 100}},
	}
	if err := topo.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	topo.Paths = append(topo.Paths, ValvePath{ValveID: "v2", From: "A", To: "Z", MaxFlowLMin: 10})
	if err := topo.Validate(); !errors.Is(err, ErrUnknownTank) {
		t.Fatalf("expected ErrUnknownTank, got %v", err)
	}
}

func TestUrgencyClampsHorizon(t *testing.T) {
	r := RiskAssessment{OverflowProbability: 1, HorizonMinutes: 0}
	if got := Urgency(r, 90); got != 90 {
		t.Fatalf("Urgency = %v, want 90", got)
	}
	r.HorizonMinutes = 30
	if got := Urgency(r, 90); got != 3 {
		t.Fatalf("Urgency = %v, want 3", got)
	}
}
