package model

import (
	"fmt"
	"time"
)

// CommandStatus is the lifecycle state of a ValveCommand.
type CommandStatus int

const (
	CommandPending CommandStatus = iota
	CommandAcknowledged
	CommandConfirmed
	CommandFailed
	CommandTimedOut
)

func (s CommandStatus) String() string {
	switch s {
	case CommandPending:
		return "pending"
	case CommandAcknowledged:
		return "acknowledged"
	case CommandConfirmed:
		return "confirmed"
	case CommandFailed:
		return "failed"
	case CommandTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are allowed.
func (s CommandStatus) Terminal() bool {
	return s == CommandConfirmed || s == CommandFailed || s == CommandTimedOut
}

var allowedTransitions = map[CommandStatus][]CommandStatus{
	CommandPending:      {CommandAcknowledged, CommandFailed, CommandTimedOut},
	CommandAcknowledged: {CommandConfirmed, CommandFailed, CommandTimedOut},
}

// ValveCommand is a single actuation request. Only the dispatcher creates
// and mutates commands.
type ValveCommand struct {
	ValveID          string
	PlanID           string
	RequestedPercent int
	ActualPercent    int
	IssuedAt         time.Time
	Status           CommandStatus
	Attempts         int
	Error            string
}

// Transition moves the command to next, rejecting illegal changes.
func (c *ValveCommand) Transition(next CommandStatus) error {
	for _, s := range allowedTransitions[c.Status] {
		if s == next {
			c.Status = next
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", c.Status, next, ErrInvalidTransition)
}

// DispatchStatus summarises the commands of one plan.
type DispatchStatus int

const (
	DispatchSuccess DispatchStatus = iota
	DispatchPartialSuccess
	DispatchFailed
)

func (s DispatchStatus) String() string {
	switch s {
	case DispatchSuccess:
		return "success"
	case DispatchPartialSuccess:
		return "partial_success"
	case DispatchFailed:
		return "failed"
	default:
		return fmt.Sprintf("dispatch(%d)", int(s))
	}
}

// DispatchOutcome is the persisted result of executing a plan.
type DispatchOutcome struct {
	PlanID        string
	SourceTank    string
	Reason        PlanReason
	Commands      []ValveCommand
	OverallStatus DispatchStatus
	StartedAt     time.Time
	CompletedAt   time.Time
}

// SummarizeCommands derives the overall status from command statuses. An
// empty command list counts as success.
func SummarizeCommands(cmds []ValveCommand) DispatchStatus {
	confirmed := 0
	for _, c := range cmds {
		if c.Status == CommandConfirmed {
			confirmed++
		}
	}
	switch {
	case confirmed == len(cmds):
		return DispatchSuccess
	case confirmed == 0:
		return DispatchFailed
	default:
		return DispatchPartialSuccess
	}
}

// ConfirmedPlan rebuilds the plan as accepted by the gateway: only steps whose
// command was confirmed are kept, each with the target that was requested.
// A confirmed valve sits within tolerance of that target, so the result
// compares equal to an unchanged replan.
func (o DispatchOutcome) ConfirmedPlan(plan RedirectionPlan) RedirectionPlan {
	confirmed := make(map[string]ValveCommand, len(o.Commands))
	for _, c := range o.Commands {
		if c.Status == CommandConfirmed {
			confirmed[c.ValveID] = c
		}
	}
	out := plan
	out.Steps = make([]PlanStep, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		c, ok := confirmed[s.ValveID]
		if !ok {
			continue
		}
		s.TargetOpenPercent = c.RequestedPercent
		out.Steps = append(out.Steps, s)
	}
	return out
}

// Pending lists commands that never reached a terminal state.
func (o DispatchOutcome) Pending() []ValveCommand {
	var out []ValveCommand
	for _, c := range o.Commands {
		if !c.Status.Terminal() {
			out = append(out, c)
		}
	}
	return out
}
