package model

import (
	"fmt"
	"strings"
	"time"
)

// SignalType classifies a perception event.
type SignalType int

const (
	SignalNormal SignalType = iota
	SignalLeak
	SignalOverflow
)

func (s SignalType) String() string {
	switch s {
	case SignalLeak:
		return "leak"
	case SignalOverflow:
		return "overflow"
	default:
		return "normal"
	}
}

// ParseSignalType accepts the wire names used by perception publishers.
func ParseSignalType(s string) (SignalType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "":
		return SignalNormal, nil
	case "leak":
		return SignalLeak, nil
	case "overflow":
		return SignalOverflow, nil
	default:
		return SignalNormal, fmt.Errorf("unknown signal type %q", s)
	}
}

// LeakSignal is the normalised output of vision-based detection.
type LeakSignal struct {
	TankID    string
	Type      SignalType
	Severity  float64
	Timestamp time.Time
}

// Alarming reports whether the signal describes water escaping.
func (s LeakSignal) Alarming() bool { return s.Type == SignalLeak || s.Type == SignalOverflow }

// CommandIntent is an operator or voice request to move a valve.
type CommandIntent struct {
	TankID          string
	ValveID         string
	DestinationTank string
	TargetPercent   int
	Issuer          string
	Timestamp       time.Time
}

// TriggerKind enumerates TriggerReason variants.
type TriggerKind string

const (
	TriggerTimer          TriggerKind = "timer"
	TriggerVision         TriggerKind = "vision"
	TriggerManualOverride TriggerKind = "manual_override"
	TriggerThreshold      TriggerKind = "threshold"
	TriggerRecovery       TriggerKind = "recovery"
)

// TriggerReason is why a decision cycle runs. The set of implementations is
// closed to this package.
type TriggerReason interface {
	Kind() TriggerKind
	// Tanks limits the cycle to the returned tanks; nil means all tanks.
	Tanks() []string
	isTrigger()
}

// TimerTrigger is the periodic full cycle.
type TimerTrigger struct{ At time.Time }

// RecoveryTrigger is the full cycle scheduled after restart when in-flight
// commands were found.
type RecoveryTrigger struct{ At time.Time }

// VisionTrigger carries an alarming perception signal.
type VisionTrigger struct{ Signal LeakSignal }

// ManualOverrideTrigger carries an operator intent.
type ManualOverrideTrigger struct{ Intent CommandIntent }

// ThresholdTrigger fires when ingest observes a level above the critical
// threshold.
type ThresholdTrigger struct{ State TankState }

func (TimerTrigger) Kind() TriggerKind          { return TriggerTimer }
func (RecoveryTrigger) Kind() TriggerKind       { return TriggerRecovery }
func (VisionTrigger) Kind() TriggerKind         { return TriggerVision }
func (ManualOverrideTrigger) Kind() TriggerKind { return TriggerManualOverride }
func (ThresholdTrigger) Kind() TriggerKind      { return TriggerThreshold }

func (TimerTrigger) Tanks() []string            { return nil }
func (RecoveryTrigger) Tanks() []string         { return nil }
func (t VisionTrigger) Tanks() []string         { return []string{t.Signal.TankID} }
func (t ManualOverrideTrigger) Tanks() []string { return []string{t.Intent.TankID} }
func (t ThresholdTrigger) Tanks() []string      { return []string{t.State.ID} }

func (TimerTrigger) isTrigger()          {}
func (RecoveryTrigger) isTrigger()       {}
func (VisionTrigger) isTrigger()         {}
func (ManualOverrideTrigger) isTrigger() {}
func (ThresholdTrigger) isTrigger()      {}
