package forecast

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/overflow-control/internal/messaging"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

var start = time.Date(2025, time.April, 2, 12, 0, 0, 0, time.UTC)

func fixed(p Prediction) Predictor {
	return PredictorFunc(func(context.Context, string, []model.TankReading) (Prediction, error) {
		return p, nil
	})
}

func hanging() Predictor {
	return PredictorFunc(func(ctx context.Context, _ string, _ []model.TankReading) (Prediction, error) {
		<-ctx.Done()
		return Prediction{}, ctx.Err()
	})
}

func TestAssessSuccessIsCached(t *testing.T) {
	clock := timectrl.NewTimeController(start)
	a := NewAdapter(Config{}, fixed(Prediction{OverflowProbability: 0.7, HorizonMinutes: 25, Confidence: 0.8}), clock, nil)

	r, err := a.Assess(context.Background(), "A", nil)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if r.Origin != model.RiskFromForecast || r.OverflowProbability != 0.7 || !r.GeneratedAt.Equal(start) {
		t.Fatalf("unexpected assessment %+v", r)
	}
	if cached, ok := a.Cache().Get("A"); !ok || cached.HorizonMinutes != 25 {
		t.Fatalf("assessment not cached: %+v %v", cached, ok)
	}
}

func TestAssessTimeoutIsUnavailable(t *testing.T) {
	a := NewAdapter(Config{Timeout: 20 * time.Millisecond}, hanging(), nil, nil)
	_, err := a.Assess(context.Background(), "A", nil)
	if !errors.Is(err, model.ErrForecastUnavailable) {
		t.Fatalf("expected ErrForecastUnavailable, got %v", err)
	}
}

func TestAssessRejectsOutOfRangePrediction(t *testing.T) {
	a := NewAdapter(Config{}, fixed(Prediction{OverflowProbability: 1.4, HorizonMinutes: 5, Confidence: 1}), nil, nil)
	if _, err := a.Assess(context.Background(), "A", nil); !errors.Is(err, model.ErrForecastUnavailable) {
		t.Fatalf("expected ErrForecastUnavailable, got %v", err)
	}
}

func TestAssessRetries(t *testing.T) {
	var calls atomic.Int32
	p := PredictorFunc(func(context.Context, string, []model.TankReading) (Prediction, error) {
		if calls.Add(1) == 1 {
			return Prediction{}, errors.New("transient")
		}
		return Prediction{OverflowProbability: 0.2, HorizonMinutes: 90, Confidence: 0.9}, nil
	})
	a := NewAdapter(Config{Retries: 1}, p, nil, nil)
	if _, err := a.Assess(context.Background(), "A", nil); err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestFallbackLastKnownThenConservative(t *testing.T) {
	clock := timectrl.NewTimeController(start)
	var fail atomic.Bool
	p := PredictorFunc(func(context.Context, string, []model.TankReading) (Prediction, error) {
		if fail.Load() {
			return Prediction{}, errors.New("down")
		}
		return Prediction{OverflowProbability: 0.4, HorizonMinutes: 30, Confidence: 0.7}, nil
	})
	a := NewAdapter(Config{StaleAfter: 15 * time.Minute, FallbackHorizonMinutes: 45}, p, clock, nil)

	if _, err := a.Assess(context.Background(), "A", nil); err != nil {
		t.Fatalf("Assess: %v", err)
	}
	fail.Store(true)
	clock.Advance(10 * time.Minute)
	got := a.AssessAll(context.Background(), []string{"A"}, nil)["A"]
	if got.Origin != model.RiskFromLastKnown || got.OverflowProbability != 0.4 {
		t.Fatalf("expected last-known fallback, got %+v", got)
	}

	clock.Advance(6 * time.Minute)
	got = a.AssessAll(context.Background(), []string{"A"}, nil)["A"]
	if got.Origin != model.RiskFromConservative || got.OverflowProbability != 1 || got.Confidence != 0 || got.HorizonMinutes != 45 {
		t.Fatalf("expected conservative fallback, got %+v", got)
	}
}

type cacheCounts map[string]int

func (c cacheCounts) IncForecastCache(result string) { c[result]++ }

func TestFallbackCountsCacheLookups(t *testing.T) {
	clock := timectrl.NewTimeController(start)
	counts := cacheCounts{}
	a := NewAdapter(Config{StaleAfter: 15 * time.Minute}, fixed(Prediction{OverflowProbability: 0.4, HorizonMinutes: 30, Confidence: 0.7}),
		clock, nil, WithCacheMetrics(counts))

	if got := a.Fallback("A"); got.Origin != model.RiskFromConservative {
		t.Fatalf("expected conservative fallback before any forecast, got %+v", got)
	}
	if _, err := a.Assess(context.Background(), "A", nil); err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if got := a.Fallback("A"); got.Origin != model.RiskFromLastKnown {
		t.Fatalf("expected last-known fallback, got %+v", got)
	}
	clock.Advance(16 * time.Minute)
	a.Fallback("A")

	if counts["hit"] != 1 || counts["miss"] != 2 {
		t.Fatalf("cache lookups = %v, want 1 hit and 2 misses", counts)
	}
}

func TestAssessAllIsolatesFailures(t *testing.T) {
	p := PredictorFunc(func(ctx context.Context, tank string, _ []model.TankReading) (Prediction, error) {
		if tank == "slow" {
			<-ctx.Done()
			return Prediction{}, ctx.Err()
		}
		return Prediction{OverflowProbability: 0.1, HorizonMinutes: 100, Confidence: 0.9}, nil
	})
	a := NewAdapter(Config{Timeout: 30 * time.Millisecond}, p, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	begin := time.Now()
	got := a.AssessAll(ctx, []string{"A", "slow", "B"}, func(string) []model.TankReading { return nil })
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("AssessAll took %s", elapsed)
	}
	if len(got) != 3 {
		t.Fatalf("expected three assessments, got %d", len(got))
	}
	if got["A"].Origin != model.RiskFromForecast || got["B"].Origin != model.RiskFromForecast {
		t.Fatalf("healthy tanks must keep their forecast: %+v", got)
	}
	if got["slow"].Origin != model.RiskFromConservative {
		t.Fatalf("slow tank should fall back, got %+v", got["slow"])
	}
}

func TestBusRoundTripWithTrendPredictor(t *testing.T) {
	bus := messaging.NewMemoryBus()
	sub, err := Serve(bus, "", NewTrendPredictor(), nil)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer sub.Unsubscribe()

	recent := []model.TankReading{
		{TankID: "A", LevelPercent: 80, Timestamp: start},
		{TankID: "A", LevelPercent: 82, Timestamp: start.Add(time.Minute)},
		{TankID: "A", LevelPercent: 84, Timestamp: start.Add(2 * time.Minute)},
	}
	a := NewAdapter(Config{}, NewBusPredictor(bus, ""), nil, nil)
	r, err := a.Assess(context.Background(), "A", recent)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if math.Abs(r.HorizonMinutes-8) > 1e-9 {
		t.Fatalf("horizon = %v, want 8", r.HorizonMinutes)
	}
	if math.Abs(r.OverflowProbability-(1-8.0/120)) > 1e-9 || r.Confidence != 0.5 {
		t.Fatalf("unexpected assessment %+v", r)
	}
}

func TestBusWithoutResponderIsUnavailable(t *testing.T) {
	a := NewAdapter(Config{}, NewBusPredictor(messaging.NewMemoryBus(), ""), nil, nil)
	if _, err := a.Assess(context.Background(), "A", nil); !errors.Is(err, model.ErrForecastUnavailable) {
		t.Fatalf("expected ErrForecastUnavailable, got %v", err)
	}
}

func TestTrendPredictor(t *testing.T) {
	tp := NewTrendPredictor()
	flat := []model.TankReading{
		{LevelPercent: 50, Timestamp: start},
		{LevelPercent: 50, Timestamp: start.Add(time.Minute)},
	}
	p, err := tp.Predict(context.Background(), "A", flat)
	if err != nil || p.OverflowProbability != 0 {
		t.Fatalf("flat level should not overflow: %+v %v", p, err)
	}
	full := []model.TankReading{{LevelPercent: 101, Timestamp: start}}
	if p, _ := tp.Predict(context.Background(), "A", full); p.OverflowProbability != 1 || p.HorizonMinutes != 0 {
		t.Fatalf("full tank should be certain: %+v", p)
	}
	if _, err := tp.Predict(context.Background(), "A", nil); err == nil {
		t.Fatalf("expected error without readings")
	}
}
