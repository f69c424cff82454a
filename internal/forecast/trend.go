package forecast

import (
	"context"
	"fmt"
	"math"

	"github.com/signalsfoundry/overflow-control/model"
)

// TrendPredictor extrapolates the level trend of recent readings linearly to
// the overflow point.
type TrendPredictor struct {
	// LookaheadMinutes is the horizon at which probability reaches zero.
	LookaheadMinutes float64
	// FullConfidenceSamples is the number of readings needed for confidence 1.
	FullConfidenceSamples int
}

// NewTrendPredictor returns a predictor with a 120 minute lookahead that is
// fully confident after 6 readings.
func NewTrendPredictor() *TrendPredictor {
	return &TrendPredictor{LookaheadMinutes: 120, FullConfidenceSamples: 6}
}

// Predict implements Predictor. Readings are expected oldest first.
func (t *TrendPredictor) Predict(_ context.Context, tankID string, recent []model.TankReading) (Prediction, error) {
	if len(recent) == 0 {
		return Prediction{}, fmt.Errorf("no readings for tank %s", tankID)
	}
	last := recent[len(recent)-1]
	if last.LevelPercent >= 100 {
		return Prediction{OverflowProbability: 1, HorizonMinutes: 0, Confidence: 1}, nil
	}

	slope := levelSlope(recent)
	confidence := math.Min(1, float64(len(recent))/float64(t.FullConfidenceSamples))
	if last.QualityFlags.Has(model.QualitySensorStale) {
		confidence /= 2
	}
	if slope <= 0 {
		return Prediction{OverflowProbability: 0, HorizonMinutes: t.LookaheadMinutes, Confidence: confidence}, nil
	}

	horizon := (100 - last.LevelPercent) / slope
	p := 1 - horizon/t.LookaheadMinutes
	p = math.Max(0, math.Min(1, p))
	return Prediction{OverflowProbability: p, HorizonMinutes: horizon, Confidence: confidence}, nil
}

// levelSlope is the least-squares slope of level over time, in percent per
// minute.
func levelSlope(rs []model.TankReading) float64 {
	if len(rs) < 2 {
		return 0
	}
	t0 := rs[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(rs))
	for _, r := range rs {
		x := r.Timestamp.Sub(t0).Minutes()
		y := r.LevelPercent
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}
