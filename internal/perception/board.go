// Package perception collects vision signals and manual valve intents and
// turns the alarming ones into fast-path triggers.
package perception

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

// Config controls signal retention and the fast-path severity.
type Config struct {
	SignalSubject string `yaml:"signal_subject"`
	IntentSubject string `yaml:"intent_subject"`
	// SignalTTL is how long a leak or overflow signal stays active without
	// being repeated.
	SignalTTL time.Duration `yaml:"signal_ttl"`
	// FastPathSeverity is the severity at or above which an alarming signal
	// triggers an immediate cycle.
	FastPathSeverity float64 `yaml:"fast_path_severity" validate:"gte=0,lte=1"`
	// MaxPendingIntents bounds the override queue; the oldest are dropped.
	MaxPendingIntents int `yaml:"max_pending_intents" validate:"gte=0"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.SignalSubject == "" {
		c.SignalSubject = DefaultSignalSubject
	}
	if c.IntentSubject == "" {
		c.IntentSubject = DefaultIntentSubject
	}
	if c.SignalTTL <= 0 {
		c.SignalTTL = 5 * time.Minute
	}
	if c.FastPathSeverity == 0 {
		c.FastPathSeverity = 0.8
	}
	if c.MaxPendingIntents <= 0 {
		c.MaxPendingIntents = 64
	}
}

// MetricsRecorder counts perception messages.
type MetricsRecorder interface {
	IncSignal(kind, result string)
}

// Board holds the latest signal per tank and the queue of manual intents.
type Board struct {
	cfg     Config
	clock   timectrl.Clock
	log     logging.Logger
	metrics MetricsRecorder

	mu       sync.Mutex
	signals  map[string]model.LeakSignal
	intents  []model.CommandIntent
	triggers []func(model.TriggerReason)
}

// NewBoard constructs a Board. clock, log and metrics may be nil.
func NewBoard(cfg Config, clock timectrl.Clock, log logging.Logger, metrics MetricsRecorder) *Board {
	cfg.ApplyDefaults()
	if clock == nil {
		clock = timectrl.System{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Board{
		cfg:     cfg,
		clock:   clock,
		log:     log,
		metrics: metrics,
		signals: make(map[string]model.LeakSignal),
	}
}

// Config returns the effective configuration.
func (b *Board) Config() Config { return b.cfg }

// OnTrigger registers fn to receive fast-path triggers. fn must not block.
func (b *Board) OnTrigger(fn func(model.TriggerReason)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.triggers = append(b.triggers, fn)
}

// Record stores sig if it is newer than the tank's current signal. An
// alarming signal at or above FastPathSeverity fires a VisionTrigger.
func (b *Board) Record(ctx context.Context, sig model.LeakSignal) error {
	if sig.TankID == "" {
		b.count("signal", "invalid")
		return fmt.Errorf("signal without tank id: %w", model.ErrInvalidInput)
	}
	if math.IsNaN(sig.Severity) || sig.Severity < 0 || sig.Severity > 1 {
		b.count("signal", "invalid")
		return fmt.Errorf("tank %s: severity %v outside [0,1]: %w", sig.TankID, sig.Severity, model.ErrInvalidInput)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = b.clock.Now()
	}

	b.mu.Lock()
	if prev, ok := b.signals[sig.TankID]; ok && sig.Timestamp.Before(prev.Timestamp) {
		b.mu.Unlock()
		b.count("signal", "stale")
		return fmt.Errorf("tank %s: %w", sig.TankID, model.ErrStaleReading)
	}
	b.signals[sig.TankID] = sig
	triggers := append([]func(model.TriggerReason){}, b.triggers...)
	b.mu.Unlock()

	b.count("signal", "accepted")
	if sig.Alarming() && sig.Severity >= b.cfg.FastPathSeverity {
		b.log.Warn(ctx, "alarming perception signal",
			logging.String("tank_id", sig.TankID),
			logging.String("type", sig.Type.String()),
			logging.Float("severity", sig.Severity))
		for _, fn := range triggers {
			fn(model.VisionTrigger{Signal: sig})
		}
	}
	return nil
}

// Active returns the tank's alarming signal if it has not expired.
func (b *Board) Active(tankID string) (model.LeakSignal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sig, ok := b.signals[tankID]
	if !ok || !sig.Alarming() || b.clock.Now().Sub(sig.Timestamp) > b.cfg.SignalTTL {
		return model.LeakSignal{}, false
	}
	return sig, true
}

// ActiveSignals returns every unexpired alarming signal.
func (b *Board) ActiveSignals() map[string]model.LeakSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	out := make(map[string]model.LeakSignal)
	for id, sig := range b.signals {
		if sig.Alarming() && now.Sub(sig.Timestamp) <= b.cfg.SignalTTL {
			out[id] = sig
		}
	}
	return out
}

// FastPath reports whether the tank's active signal is severe enough to
// bypass forecasting.
func (b *Board) FastPath(tankID string) bool {
	sig, ok := b.Active(tankID)
	return ok && sig.Severity >= b.cfg.FastPathSeverity
}

// SubmitIntent queues a manual valve intent and fires a
// ManualOverrideTrigger.
func (b *Board) SubmitIntent(ctx context.Context, in model.CommandIntent) error {
	if in.TankID == "" || in.ValveID == "" {
		b.count("intent", "invalid")
		return fmt.Errorf("intent requires tank and valve: %w", model.ErrInvalidInput)
	}
	if in.TargetPercent < 0 || in.TargetPercent > 100 {
		b.count("intent", "invalid")
		return fmt.Errorf("intent target %d outside 0-100: %w", in.TargetPercent, model.ErrInvalidInput)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = b.clock.Now()
	}

	b.mu.Lock()
	b.intents = append(b.intents, in)
	if over := len(b.intents) - b.cfg.MaxPendingIntents; over > 0 {
		b.log.Warn(ctx, "override queue full, dropping oldest intents", logging.Int("dropped", over))
		b.intents = append([]model.CommandIntent(nil), b.intents[over:]...)
	}
	triggers := append([]func(model.TriggerReason){}, b.triggers...)
	b.mu.Unlock()

	b.count("intent", "accepted")
	b.log.Info(ctx, "manual override queued",
		logging.String("tank_id", in.TankID),
		logging.String("valve_id", in.ValveID),
		logging.Int("target_percent", in.TargetPercent),
		logging.String("issuer", in.Issuer))
	for _, fn := range triggers {
		fn(model.ManualOverrideTrigger{Intent: in})
	}
	return nil
}

// TakeIntents removes and returns the queued intents accepted by match, in
// submission order. A nil match takes all of them.
func (b *Board) TakeIntents(match func(tankID string) bool) []model.CommandIntent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var taken, kept []model.CommandIntent
	for _, in := range b.intents {
		if match == nil || match(in.TankID) {
			taken = append(taken, in)
		} else {
			kept = append(kept, in)
		}
	}
	b.intents = kept
	sort.SliceStable(taken, func(i, j int) bool { return taken[i].Timestamp.Before(taken[j].Timestamp) })
	return taken
}

// PendingIntents returns a copy of the queue.
func (b *Board) PendingIntents() []model.CommandIntent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.CommandIntent(nil), b.intents...)
}

func (b *Board) count(kind, result string) {
	if b.metrics != nil {
		b.metrics.IncSignal(kind, result)
	}
}
