package perception

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/overflow-control/internal/messaging"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

var start = time.Date(2025, time.July, 9, 17, 0, 0, 0, time.UTC)

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) IncSignal(kind, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[kind+"/"+result]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func TestAlarmingSignalFiresVisionTrigger(t *testing.T) {
	clock := timectrl.NewTimeController(start)
	b := NewBoard(Config{}, clock, nil, nil)
	var got []model.TriggerReason
	b.OnTrigger(func(r model.TriggerReason) { got = append(got, r) })

	ctx := context.Background()
	if err := b.Record(ctx, model.LeakSignal{TankID: "A", Type: model.SignalLeak, Severity: 0.5, Timestamp: start}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("low severity signal must not trigger")
	}
	if b.FastPath("A") {
		t.Fatalf("low severity signal must not take the fast path")
	}
	if err := b.Record(ctx, model.LeakSignal{TankID: "A", Type: model.SignalOverflow, Severity: 0.9, Timestamp: start.Add(time.Second)}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(got) != 1 || got[0].Kind() != model.TriggerVision || got[0].Tanks()[0] != "A" {
		t.Fatalf("expected one vision trigger for A, got %+v", got)
	}
	if !b.FastPath("A") {
		t.Fatalf("severe signal should take the fast path")
	}
}

func TestSignalsExpireAndNormalClears(t *testing.T) {
	clock := timectrl.NewTimeController(start)
	b := NewBoard(Config{SignalTTL: time.Minute}, clock, nil, nil)
	ctx := context.Background()

	_ = b.Record(ctx, model.LeakSignal{TankID: "A", Type: model.SignalLeak, Severity: 0.9, Timestamp: start})
	_ = b.Record(ctx, model.LeakSignal{TankID: "B", Type: model.SignalLeak, Severity: 0.9, Timestamp: start})
	if len(b.ActiveSignals()) != 2 {
		t.Fatalf("expected two active signals")
	}
	_ = b.Record(ctx, model.LeakSignal{TankID: "B", Type: model.SignalNormal, Timestamp: start.Add(time.Second)})
	if _, ok := b.Active("B"); ok {
		t.Fatalf("normal signal should clear B")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := b.Active("A"); ok {
		t.Fatalf("signal should expire after the TTL")
	}
}

func TestOlderSignalRejected(t *testing.T) {
	b := NewBoard(Config{}, timectrl.NewTimeController(start), nil, nil)
	ctx := context.Background()
	_ = b.Record(ctx, model.LeakSignal{TankID: "A", Type: model.SignalLeak, Severity: 0.3, Timestamp: start.Add(time.Minute)})
	err := b.Record(ctx, model.LeakSignal{TankID: "A", Type: model.SignalNormal, Timestamp: start})
	if !errors.Is(err, model.ErrStaleReading) {
		t.Fatalf("expected ErrStaleReading, got %v", err)
	}
}

func TestIntentsQueueAndTake(t *testing.T) {
	clock := timectrl.NewTimeController(start)
	b := NewBoard(Config{MaxPendingIntents: 2}, clock, nil, nil)
	var kinds []model.TriggerKind
	b.OnTrigger(func(r model.TriggerReason) { kinds = append(kinds, r.Kind()) })

	ctx := context.Background()
	for i, tank := range []string{"A", "B", "A"} {
		in := model.CommandIntent{TankID: tank, ValveID: "v" + tank, TargetPercent: 10 * (i + 1), Timestamp: start.Add(time.Duration(i) * time.Second)}
		if err := b.SubmitIntent(ctx, in); err != nil {
			t.Fatalf("SubmitIntent: %v", err)
		}
	}
	if len(kinds) != 3 || kinds[0] != model.TriggerManualOverride {
		t.Fatalf("expected three override triggers, got %v", kinds)
	}
	if len(b.PendingIntents()) != 2 {
		t.Fatalf("queue should be bounded at 2, got %d", len(b.PendingIntents()))
	}
	taken := b.TakeIntents(func(id string) bool { return id == "A" })
	if len(taken) != 1 || taken[0].TargetPercent != 30 {
		t.Fatalf("unexpected taken intents %+v", taken)
	}
	if rest := b.PendingIntents(); len(rest) != 1 || rest[0].TankID != "B" {
		t.Fatalf("unexpected remaining intents %+v", rest)
	}
	if err := b.SubmitIntent(ctx, model.CommandIntent{TankID: "A", ValveID: "v", TargetPercent: 120}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSubscribeHandlesMalformedMessages(t *testing.T) {
	bus := messaging.NewMemoryBus()
	metrics := &countingMetrics{}
	b := NewBoard(Config{}, timectrl.NewTimeController(start), nil, metrics)
	subs, err := Subscribe(bus, b)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()

	_ = bus.PublishRaw(DefaultSignalSubject, []byte("{not json"))
	_ = bus.Publish(context.Background(), DefaultSignalSubject, map[string]any{"tankId": "A", "signalType": "flood", "severity": 0.9})
	_ = bus.Publish(context.Background(), DefaultSignalSubject, SignalMessage{TankID: "A", SignalType: "overflow", Severity: 0.95, Timestamp: start})
	pct := 40
	_ = bus.Publish(context.Background(), DefaultIntentSubject, IntentMessage{TankID: "A", ValveID: "vAB", TargetPercent: &pct, Issuer: "voice"})
	_ = bus.Publish(context.Background(), DefaultIntentSubject, map[string]any{"tankId": "A", "valveId": "vAB"})

	if metrics.get("signal/invalid") != 2 || metrics.get("signal/accepted") != 1 {
		t.Fatalf("unexpected signal counts %v", metrics.counts)
	}
	if metrics.get("intent/invalid") != 1 || metrics.get("intent/accepted") != 1 {
		t.Fatalf("unexpected intent counts %v", metrics.counts)
	}
	if !b.FastPath("A") {
		t.Fatalf("overflow signal should be active")
	}
	if in := b.PendingIntents(); len(in) != 1 || in[0].Issuer != "voice" || in[0].TargetPercent != 40 {
		t.Fatalf("unexpected intents %+v", in)
	}
}
