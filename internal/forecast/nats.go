package forecast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/signalsfoundry/overflow-control/internal/ingest"
	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/messaging"
	"github.com/signalsfoundry/overflow-control/model"
)

// DefaultSubject is the request/reply subject of the forecaster.
const DefaultSubject = "water.forecast.predict"

// Request is the JSON body sent to the forecaster.
type Request struct {
	TankID         string                  `json:"tankId"`
	RecentReadings []ingest.ReadingMessage `json:"recentReadings"`
}

// Reply is the forecaster's JSON answer. A non-empty Error marks failure.
type Reply struct {
	OverflowProbability float64 `json:"overflowProbability"`
	HorizonMinutes      float64 `json:"horizonMinutes"`
	Confidence          float64 `json:"confidence"`
	Error               string  `json:"error,omitempty"`
}

// BusPredictor calls a forecaster over NATS request/reply.
type BusPredictor struct {
	bus     messaging.Bus
	subject string
}

// NewBusPredictor returns a predictor that sends requests on subject.
func NewBusPredictor(bus messaging.Bus, subject string) *BusPredictor {
	if subject == "" {
		subject = DefaultSubject
	}
	return &BusPredictor{bus: bus, subject: subject}
}

// Predict implements Predictor.
func (p *BusPredictor) Predict(ctx context.Context, tankID string, recent []model.TankReading) (Prediction, error) {
	req := Request{TankID: tankID, RecentReadings: make([]ingest.ReadingMessage, len(recent))}
	for i, r := range recent {
		req.RecentReadings[i] = ingest.MessageFromReading(r)
	}
	raw, err := p.bus.Request(ctx, p.subject, req)
	if err != nil {
		return Prediction{}, err
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Prediction{}, fmt.Errorf("decode forecast reply: %w", err)
	}
	if reply.Error != "" {
		return Prediction{}, fmt.Errorf("forecaster: %s", reply.Error)
	}
	return Prediction{
		OverflowProbability: reply.OverflowProbability,
		HorizonMinutes:      reply.HorizonMinutes,
		Confidence:          reply.Confidence,
	}, nil
}

// Serve answers forecast requests on subject using p. It lets the local
// trend estimator stand in for a remote forecaster.
func Serve(bus messaging.Bus, subject string, p Predictor, log logging.Logger) (messaging.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = logging.Noop()
	}
	return bus.Respond(subject, func(ctx context.Context, data []byte) ([]byte, error) {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return json.Marshal(Reply{Error: "malformed request: " + err.Error()})
		}
		recent := make([]model.TankReading, 0, len(req.RecentReadings))
		for _, m := range req.RecentReadings {
			r, err := m.ToReading()
			if err != nil {
				log.Debug(ctx, "dropping malformed reading in forecast request", logging.Err(err))
				continue
			}
			recent = append(recent, r)
		}
		pred, err := p.Predict(ctx, req.TankID, recent)
		if err != nil {
			return json.Marshal(Reply{Error: err.Error()})
		}
		return json.Marshal(Reply{
			OverflowProbability: pred.OverflowProbability,
			HorizonMinutes:      pred.HorizonMinutes,
			Confidence:          pred.Confidence,
		})
	})
}
