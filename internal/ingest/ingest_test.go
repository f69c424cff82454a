package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/overflow-control/internal/messaging"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

var base = time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)

type recordingPersister struct {
	mu     sync.Mutex
	states []model.TankState
	err    error
}

func (p *recordingPersister) AppendTankReading(_ context.Context, s model.TankState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.states = append(p.states, s)
	return nil
}

func reading(tank string, level float64, at time.Time) model.TankReading {
	return model.TankReading{TankID: tank, LevelPercent: level, FlowRateInLMin: 100, Timestamp: at, Source: "sensor-1"}
}

func TestOutOfOrderReadingsKeepNewest(t *testing.T) {
	clock := timectrl.NewTimeController(base)
	p := &recordingPersister{}
	st := NewStore(Config{}, clock, nil, WithPersister(p))
	ctx := context.Background()

	t1, t2, t3 := base.Add(time.Second), base.Add(2*time.Second), base.Add(3*time.Second)

	if _, err := st.Ingest(ctx, reading("A", 70, t3)); err != nil {
		t.Fatalf("t3: %v", err)
	}
	if _, err := st.Ingest(ctx, reading("A", 60, t1)); !errors.Is(err, model.ErrStaleReading) {
		t.Fatalf("t1: expected ErrStaleReading, got %v", err)
	}
	if _, err := st.Ingest(ctx, reading("A", 65, t2)); !errors.Is(err, model.ErrStaleReading) {
		t.Fatalf("t2: expected ErrStaleReading, got %v", err)
	}

	got, ok := st.Latest("A")
	if !ok || !got.LastUpdated.Equal(t3) || got.LevelPercent != 70 {
		t.Fatalf("Latest = %+v, want t3 reading", got)
	}
	if len(p.states) != 1 {
		t.Fatalf("persisted %d readings, want 1", len(p.states))
	}
}

func TestEqualTimestampDuplicateAndConflict(t *testing.T) {
	st := NewStore(Config{}, timectrl.NewTimeController(base), nil)
	ctx := context.Background()
	at := base.Add(time.Minute)

	if _, err := st.Ingest(ctx, reading("A", 50, at)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := st.Ingest(ctx, reading("A", 50, at)); !errors.Is(err, model.ErrDuplicateReading) {
		t.Fatalf("expected ErrDuplicateReading, got %v", err)
	}
	if _, err := st.Ingest(ctx, reading("A", 51, at)); !errors.Is(err, model.ErrStaleReading) {
		t.Fatalf("conflicting reading at same timestamp should be stale, got %v", err)
	}
}

func TestZeroTimestampIsStamped(t *testing.T) {
	clock := timectrl.NewTimeController(base)
	st := NewStore(Config{}, clock, nil)

	got, err := st.Ingest(context.Background(), reading("A", 40, time.Time{}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !got.LastUpdated.Equal(base) {
		t.Fatalf("LastUpdated = %v, want clock time %v", got.LastUpdated, base)
	}
}

func TestInvalidReadingsRejected(t *testing.T) {
	st := NewStore(Config{}, timectrl.NewTimeController(base), nil, WithKnownTanks(func(id string) bool { return id != "ghost" }))
	ctx := context.Background()
	for name, r := range map[string]model.TankReading{
		"no tank":      reading("", 10, base),
		"negative":     reading("A", -1, base),
		"implausible":  reading("A", 400, base),
		"unknown tank": reading("ghost", 10, base),
	} {
		if _, err := st.Ingest(ctx, r); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := st.Ingest(ctx, reading("ghost", 10, base)); !errors.Is(err, model.ErrUnknownTank) {
		t.Fatalf("expected ErrUnknownTank, got %v", err)
	}
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	p := &recordingPersister{err: errors.New("disk full")}
	st := NewStore(Config{}, timectrl.NewTimeController(base), nil, WithPersister(p))
	if _, err := st.Ingest(context.Background(), reading("A", 40, base)); err == nil {
		t.Fatalf("expected persistence error")
	}
	if _, ok := st.Latest("A"); ok {
		t.Fatalf("state must not be visible when persistence failed")
	}
}

func TestSnapshotMarksStaleSensors(t *testing.T) {
	clock := timectrl.NewTimeController(base)
	st := NewStore(Config{StaleAfter: time.Minute}, clock, nil)
	ctx := context.Background()

	_, _ = st.Ingest(ctx, reading("A", 40, base))
	_, _ = st.Ingest(ctx, reading("B", 40, base.Add(90*time.Second)))
	clock.Advance(2 * time.Minute)

	snap := st.Snapshot()
	if !snap["A"].QualityFlags.Has(model.QualitySensorStale) {
		t.Fatalf("A should be stale: %+v", snap["A"])
	}
	if snap["B"].QualityFlags.Has(model.QualitySensorStale) {
		t.Fatalf("B should be fresh: %+v", snap["B"])
	}
}

func TestHistoryIsBounded(t *testing.T) {
	st := NewStore(Config{HistorySize: 3}, timectrl.NewTimeController(base), nil)
	for i := 0; i < 5; i++ {
		if _, err := st.Ingest(context.Background(), reading("A", float64(50+i), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	h := st.History("A")
	if len(h) != 3 || h[0].LevelPercent != 52 || h[2].LevelPercent != 54 {
		t.Fatalf("History = %+v", h)
	}
}

func TestConcurrentTanksIngestIndependently(t *testing.T) {
	st := NewStore(Config{}, timectrl.NewTimeController(base), nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		tank := fmt.Sprintf("T%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 1; j <= 50; j++ {
				if _, err := st.Ingest(context.Background(), reading(tank, float64(j), base.Add(time.Duration(j)*time.Second))); err != nil {
					t.Errorf("%s/%d: %v", tank, j, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	snap := st.Snapshot()
	if len(snap) != 8 {
		t.Fatalf("snapshot has %d tanks, want 8", len(snap))
	}
	for id, s := range snap {
		if s.LevelPercent != 50 {
			t.Fatalf("%s level = %v, want 50", id, s.LevelPercent)
		}
	}
}

func TestSubscribersSeeAcceptedStates(t *testing.T) {
	st := NewStore(Config{}, timectrl.NewTimeController(base), nil)
	var seen []model.TankState
	st.Subscribe(func(s model.TankState) { seen = append(seen, s) })

	_, _ = st.Ingest(context.Background(), reading("A", 96, base.Add(time.Second)))
	_, _ = st.Ingest(context.Background(), reading("A", 90, base))

	if len(seen) != 1 || seen[0].LevelPercent != 96 {
		t.Fatalf("subscriber saw %+v", seen)
	}
}

func TestSubscribeFeedsReadingsFromBus(t *testing.T) {
	bus := messaging.NewMemoryBus()
	st := NewStore(Config{}, timectrl.NewTimeController(base), nil)
	if _, err := Subscribe(bus, "", st, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_ = bus.PublishRaw(DefaultSubject, []byte(`{"tankId":"WS_TANK_001","levelPercent":92.5,"flowRateInLMin":450,"qualityFlags":["turbid"],"timestamp":"2025-03-03T12:00:05Z"}`))
	_ = bus.PublishRaw(DefaultSubject, []byte(`{"tankId":"WS_TANK_001"}`))
	_ = bus.PublishRaw(DefaultSubject, []byte(`not json`))

	got, ok := st.Latest("WS_TANK_001")
	if !ok || got.LevelPercent != 92.5 || !got.QualityFlags.Has(model.QualityTurbid) {
		t.Fatalf("Latest = %+v, ok=%v", got, ok)
	}
}
