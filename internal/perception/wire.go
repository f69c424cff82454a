package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/messaging"
	"github.com/signalsfoundry/overflow-control/model"
)

const (
	DefaultSignalSubject = "water.perception.signal"
	DefaultIntentSubject = "water.perception.intent"
)

var validate = validator.New()

// SignalMessage is the JSON shape of a vision signal.
type SignalMessage struct {
	TankID     string    `json:"tankId" validate:"required"`
	SignalType string    `json:"signalType" validate:"omitempty,oneof=normal leak overflow Normal Leak Overflow"`
	Severity   float64   `json:"severity" validate:"gte=0,lte=1"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToSignal validates and converts the message.
func (m SignalMessage) ToSignal() (model.LeakSignal, error) {
	if err := validate.Struct(m); err != nil {
		return model.LeakSignal{}, fmt.Errorf("invalid signal: %w", err)
	}
	typ, err := model.ParseSignalType(m.SignalType)
	if err != nil {
		return model.LeakSignal{}, err
	}
	return model.LeakSignal{TankID: m.TankID, Type: typ, Severity: m.Severity, Timestamp: m.Timestamp}, nil
}

// IntentMessage is the JSON shape of a manual valve intent.
type IntentMessage struct {
	TankID          string    `json:"tankId" validate:"required"`
	ValveID         string    `json:"valveId" validate:"required"`
	DestinationTank string    `json:"destinationTank,omitempty"`
	TargetPercent   *int      `json:"targetPercent" validate:"required,gte=0,lte=100"`
	Issuer          string    `json:"issuer,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ToIntent validates and converts the message.
func (m IntentMessage) ToIntent() (model.CommandIntent, error) {
	if err := validate.Struct(m); err != nil {
		return model.CommandIntent{}, fmt.Errorf("invalid intent: %w", err)
	}
	return model.CommandIntent{
		TankID:          m.TankID,
		ValveID:         m.ValveID,
		DestinationTank: m.DestinationTank,
		TargetPercent:   *m.TargetPercent,
		Issuer:          m.Issuer,
		Timestamp:       m.Timestamp,
	}, nil
}

// Subscribe feeds signals and intents published on the configured subjects
// into b. Malformed messages count as "no new signal": they are logged and
// dropped.
func Subscribe(bus messaging.Bus, b *Board) ([]messaging.Subscription, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus is nil")
	}
	sigSub, err := bus.Subscribe(b.cfg.SignalSubject, func(subject string, data []byte) {
		ctx := context.Background()
		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.count("signal", "invalid")
			b.log.Warn(ctx, "malformed perception signal", logging.String("subject", subject), logging.Err(err))
			return
		}
		sig, err := msg.ToSignal()
		if err != nil {
			b.count("signal", "invalid")
			b.log.Warn(ctx, "malformed perception signal", logging.String("subject", subject), logging.Err(err))
			return
		}
		if err := b.Record(ctx, sig); err != nil {
			b.log.Debug(ctx, "perception signal dropped", logging.Err(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.cfg.SignalSubject, err)
	}

	intentSub, err := bus.Subscribe(b.cfg.IntentSubject, func(subject string, data []byte) {
		ctx := context.Background()
		var msg IntentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.count("intent", "invalid")
			b.log.Warn(ctx, "malformed command intent", logging.String("subject", subject), logging.Err(err))
			return
		}
		in, err := msg.ToIntent()
		if err != nil {
			b.count("intent", "invalid")
			b.log.Warn(ctx, "malformed command intent", logging.String("subject", subject), logging.Err(err))
			return
		}
		if err := b.SubmitIntent(ctx, in); err != nil {
			b.log.Debug(ctx, "command intent dropped", logging.Err(err))
		}
	})
	if err != nil {
		_ = sigSub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", b.cfg.IntentSubject, err)
	}
	return []messaging.Subscription{sigSub, intentSub}, nil
}
