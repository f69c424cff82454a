package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/messaging"
	"github.com/signalsfoundry/overflow-control/model"
)

// DefaultSubject carries telemetry readings.
const DefaultSubject = "water.telemetry.reading"

var validate = validator.New()

// ReadingMessage is the JSON shape of a telemetry reading on the wire.
type ReadingMessage struct {
	TankID         string    `json:"tankId" validate:"required"`
	LevelPercent   *float64  `json:"levelPercent" validate:"required,gte=0"`
	FlowRateInLMin float64   `json:"flowRateInLMin" validate:"gte=0"`
	QualityFlags   []string  `json:"qualityFlags,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source,omitempty"`
}

// ToReading validates the message and converts it.
func (m ReadingMessage) ToReading() (model.TankReading, error) {
	if err := validate.Struct(m); err != nil {
		return model.TankReading{}, fmt.Errorf("invalid reading: %w", err)
	}
	flags, unknown := model.ParseQualityFlags(m.QualityFlags)
	if len(unknown) > 0 {
		return model.TankReading{}, fmt.Errorf("invalid reading: unknown quality flags %v", unknown)
	}
	return model.TankReading{
		TankID:         m.TankID,
		LevelPercent:   *m.LevelPercent,
		FlowRateInLMin: m.FlowRateInLMin,
		QualityFlags:   flags,
		Timestamp:      m.Timestamp,
		Source:         m.Source,
	}, nil
}

// MessageFromState renders a state in wire form.
func MessageFromState(s model.TankState) ReadingMessage {
	level := s.LevelPercent
	return ReadingMessage{
		TankID:         s.ID,
		LevelPercent:   &level,
		FlowRateInLMin: s.FlowRateInLMin,
		QualityFlags:   s.QualityFlags.Names(),
		Timestamp:      s.LastUpdated,
		Source:         s.Source,
	}
}

// MessageFromReading renders a reading in wire form.
func MessageFromReading(r model.TankReading) ReadingMessage {
	level := r.LevelPercent
	return ReadingMessage{
		TankID:         r.TankID,
		LevelPercent:   &level,
		FlowRateInLMin: r.FlowRateInLMin,
		QualityFlags:   r.QualityFlags.Names(),
		Timestamp:      r.Timestamp,
		Source:         r.Source,
	}
}

// Subscribe feeds readings published on subject into st. Malformed and
// stale messages are logged and dropped.
func Subscribe(bus messaging.Bus, subject string, st *Store, log logging.Logger) (messaging.Subscription, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus is nil")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = logging.Noop()
	}
	return bus.Subscribe(subject, func(_ string, data []byte) {
		ctx := context.Background()
		var msg ReadingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			st.count("invalid")
			log.Warn(ctx, "dropping undecodable reading", logging.Err(err))
			return
		}
		r, err := msg.ToReading()
		if err != nil {
			st.count("invalid")
			log.Warn(ctx, "dropping invalid reading", logging.String("tank_id", msg.TankID), logging.Err(err))
			return
		}
		if _, err := st.Ingest(ctx, r); err != nil {
			if errors.Is(err, model.ErrDuplicateReading) {
				return
			}
			log.Warn(ctx, "reading rejected", logging.String("tank_id", r.TankID), logging.Err(err))
		}
	})
}
