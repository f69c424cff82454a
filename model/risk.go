package model

import "time"

// RiskOrigin records where a RiskAssessment came from.
type RiskOrigin string

const (
	RiskFromForecast     RiskOrigin = "forecast"
	RiskFromLastKnown    RiskOrigin = "last_known"
	RiskFromConservative RiskOrigin = "conservative"
	RiskFromFastPath     RiskOrigin = "fast_path"
)

// RiskAssessment is the overflow risk for a single tank. It is ephemeral and
// superseded by the next forecast.
type RiskAssessment struct {
	TankID string
	// OverflowProbability is in [0,1].
	OverflowProbability float64
	HorizonMinutes      float64
	// Confidence is in [0,1].
	Confidence  float64
	GeneratedAt time.Time
	Origin      RiskOrigin
}

// Active reports whether the assessment describes an overflow already in
// progress rather than a prediction.
func (r RiskAssessment) Active() bool { return r.Origin == RiskFromFastPath }

// Urgency combines probability, level and horizon into a single ranking score.
// Horizons under one minute are treated as one minute.
func Urgency(r RiskAssessment, levelPercent float64) float64 {
	h := r.HorizonMinutes
	if h < 1 {
		h = 1
	}
	return r.OverflowProbability * levelPercent / h
}
