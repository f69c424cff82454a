// Package forecast wraps the external overflow predictor and supplies the
// fallbacks used when it cannot answer in time.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/observability"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

// Prediction is the predictor's answer for one tank.
type Prediction struct {
	OverflowProbability float64
	HorizonMinutes      float64
	Confidence          float64
}

// Validate checks the value ranges.
func (p Prediction) Validate() error {
	switch {
	case p.OverflowProbability < 0 || p.OverflowProbability > 1:
		return fmt.Errorf("overflowProbability %v outside [0,1]", p.OverflowProbability)
	case p.Confidence < 0 || p.Confidence > 1:
		return fmt.Errorf("confidence %v outside [0,1]", p.Confidence)
	case p.HorizonMinutes < 0:
		return fmt.Errorf("horizonMinutes %v negative", p.HorizonMinutes)
	}
	return nil
}

// Predictor estimates overflow risk from recent readings.
type Predictor interface {
	Predict(ctx context.Context, tankID string, recent []model.TankReading) (Prediction, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, tankID string, recent []model.TankReading) (Prediction, error)

func (f PredictorFunc) Predict(ctx context.Context, tankID string, recent []model.TankReading) (Prediction, error) {
	return f(ctx, tankID, recent)
}

// Config tunes forecast calls and fallbacks.
type Config struct {
	// Kind is "nats" to call a remote forecaster or "trend" for the local
	// linear-trend estimator.
	Kind        string        `yaml:"kind" validate:"omitempty,oneof=nats trend"`
	Subject     string        `yaml:"subject"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries" validate:"gte=0"`
	Concurrency int           `yaml:"concurrency" validate:"gte=0"`
	// StaleAfter bounds how old a last-known assessment may be to stand in
	// for a failed call.
	StaleAfter             time.Duration `yaml:"stale_after"`
	FallbackHorizonMinutes float64       `yaml:"fallback_horizon_minutes" validate:"gte=0"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Kind == "" {
		c.Kind = "nats"
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.FallbackHorizonMinutes <= 0 {
		c.FallbackHorizonMinutes = 60
	}
}

// History supplies recent readings for a tank.
type History func(tankID string) []model.TankReading

// Adapter calls a Predictor with timeouts and retries, and falls back to the
// last-known or a conservative assessment on failure.
type Adapter struct {
	cfg       Config
	predictor Predictor
	cache     *LastKnownCache
	clock     timectrl.Clock
	log       logging.Logger
}

// Option configures an Adapter.
type Option func(*adapterOptions)

type adapterOptions struct {
	cacheMetrics CacheRecorder
}

// WithCacheMetrics counts last-known cache hits and misses.
func WithCacheMetrics(m CacheRecorder) Option {
	return func(o *adapterOptions) { o.cacheMetrics = m }
}

// NewAdapter constructs an Adapter. clock and log may be nil.
func NewAdapter(cfg Config, p Predictor, clock timectrl.Clock, log logging.Logger, opts ...Option) *Adapter {
	cfg.ApplyDefaults()
	if clock == nil {
		clock = timectrl.System{}
	}
	if log == nil {
		log = logging.Noop()
	}
	var o adapterOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Adapter{
		cfg:       cfg,
		predictor: p,
		cache:     NewLastKnownCache(cfg.StaleAfter, clock, o.cacheMetrics),
		clock:     clock,
		log:       log,
	}
}

// Cache exposes the last-known cache.
func (a *Adapter) Cache() *LastKnownCache { return a.cache }

// Assess asks the predictor for tankID. Every failure, including timeouts
// and malformed answers, is reported as ErrForecastUnavailable.
func (a *Adapter) Assess(ctx context.Context, tankID string, recent []model.TankReading) (model.RiskAssessment, error) {
	ctx, span := observability.StartSpan(ctx, "forecast.assess", tankID)
	var lastErr error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		p, err := a.call(ctx, tankID, recent)
		if err == nil {
			r := model.RiskAssessment{
				TankID:              tankID,
				OverflowProbability: p.OverflowProbability,
				HorizonMinutes:      p.HorizonMinutes,
				Confidence:          p.Confidence,
				GeneratedAt:         a.clock.Now(),
				Origin:              model.RiskFromForecast,
			}
			a.cache.Put(r)
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			observability.EndSpan(span, nil)
			return r, nil
		}
		lastErr = err
	}
	err := fmt.Errorf("%w: tank %s: %v", model.ErrForecastUnavailable, tankID, lastErr)
	observability.EndSpan(span, err)
	return model.RiskAssessment{}, err
}

func (a *Adapter) call(ctx context.Context, tankID string, recent []model.TankReading) (Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	p, err := a.predictor.Predict(ctx, tankID, recent)
	if err != nil {
		return Prediction{}, err
	}
	if err := p.Validate(); err != nil {
		return Prediction{}, err
	}
	return p, nil
}

// Fallback returns the last-known assessment if it is younger than
// StaleAfter, otherwise a conservative one (p=1, confidence 0).
func (a *Adapter) Fallback(tankID string) model.RiskAssessment {
	if r, ok := a.cache.Get(tankID); ok {
		r.Origin = model.RiskFromLastKnown
		return r
	}
	return model.RiskAssessment{
		TankID:              tankID,
		OverflowProbability: 1.0,
		HorizonMinutes:      a.cfg.FallbackHorizonMinutes,
		Confidence:          0,
		GeneratedAt:         a.clock.Now(),
		Origin:              model.RiskFromConservative,
	}
}

// AssessAll assesses tanks concurrently, bounded by Concurrency. A tank
// whose forecast fails gets its fallback; one tank's failure never affects
// another. When ctx ends, tanks not yet answered fall back as well.
func (a *Adapter) AssessAll(ctx context.Context, tanks []string, history History) map[string]model.RiskAssessment {
	out := make(map[string]model.RiskAssessment, len(tanks))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for _, id := range tanks {
		g.Go(func() error {
			var recent []model.TankReading
			if history != nil {
				recent = history(id)
			}
			r, err := a.Assess(ctx, id, recent)
			if err != nil {
				r = a.Fallback(id)
				level := a.log.Warn
				if errors.Is(err, context.Canceled) {
					level = a.log.Debug
				}
				level(ctx, "forecast unavailable, using fallback",
					logging.String("tank_id", id),
					logging.String("origin", string(r.Origin)),
					logging.Err(err))
			}
			mu.Lock()
			out[id] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
