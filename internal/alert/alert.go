// Package alert delivers operator alerts without ever blocking the control
// loop. Delivery is best effort: failures are logged and counted, never
// retried.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/overflow-control/model"
)

// Kind distinguishes why an alert was raised.
type Kind string

const (
	KindInfeasible     Kind = "plan_infeasible"
	KindActiveOverflow Kind = "active_overflow"
	KindPartialSuccess Kind = "partial_dispatch"
	KindDispatchFailed Kind = "dispatch_failed"
	KindLevel          Kind = "level"
	KindRecovery       Kind = "recovery"
)

// Alert is one notification for operators.
type Alert struct {
	ID       string
	Kind     Kind
	Severity model.AlertLevel
	TankID   string
	PlanID   string
	Message  string
	At       time.Time
}

// Wire is the JSON form published to NATS and Redis.
type Wire struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"`
	TankID   string    `json:"tankId,omitempty"`
	PlanID   string    `json:"planId,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// ToWire renders a in its published form.
func (a Alert) ToWire() Wire {
	return Wire{
		ID:       a.ID,
		Kind:     string(a.Kind),
		Severity: a.Severity.String(),
		TankID:   a.TankID,
		PlanID:   a.PlanID,
		Message:  a.Message,
		At:       a.At,
	}
}

// New builds an alert with a fresh ID.
func New(kind Kind, sev model.AlertLevel, tankID, message string, at time.Time) Alert {
	return Alert{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: sev,
		TankID:   tankID,
		Message:  message,
		At:       at,
	}
}

// SeverityFor escalates with urgency: Warning by default, Critical at twice
// the urgency threshold, Emergency for an overflow already in progress.
func SeverityFor(urgency, threshold float64, active bool) model.AlertLevel {
	switch {
	case active:
		return model.AlertEmergency
	case threshold > 0 && urgency >= 2*threshold:
		return model.AlertCritical
	default:
		return model.AlertWarning
	}
}

// LevelMessage renders the operator message for a tank level.
func LevelMessage(tankID string, levelPercent float64, action string) string {
	msg := fmt.Sprintf("Alert: water level at %s is %.1f%%.", tankID, levelPercent)
	if action = strings.TrimSpace(action); action != "" {
		msg += " " + action
	}
	return msg
}

// ActionFor suggests an operator action for a level classification.
func ActionFor(level model.AlertLevel) string {
	switch level {
	case model.AlertEmergency:
		return "Overflow in progress, verify redirection valves on site."
	case model.AlertCritical:
		return "Redirection under way, stand by for manual control."
	case model.AlertWarning:
		return "Monitor inflow."
	default:
		return ""
	}
}
