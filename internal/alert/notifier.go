package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/model"
)

// Config controls queueing, rate limiting and the sinks in use.
type Config struct {
	// Sinks lists the enabled sinks: log, nats, redis.
	Sinks     []string `yaml:"sinks" validate:"dive,oneof=log nats redis"`
	QueueSize int      `yaml:"queue_size" validate:"gte=0"`
	// MinInterval is the sustained spacing between level alerts for one
	// tank. Emergency alerts and cycle outcome alerts are never rate limited.
	MinInterval   time.Duration `yaml:"min_interval"`
	Burst         int           `yaml:"burst" validate:"gte=0"`
	RecentSize    int           `yaml:"recent_size" validate:"gte=0"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Redis         RedisConfig   `yaml:"redis"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if len(c.Sinks) == 0 {
		c.Sinks = []string{"log"}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.RecentSize <= 0 {
		c.RecentSize = 100
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	c.Redis.ApplyDefaults()
}

// MetricsRecorder counts alert deliveries.
type MetricsRecorder interface {
	IncAlert(kind, result string)
}

// Notifier queues alerts and delivers them on its own goroutine.
type Notifier struct {
	cfg     Config
	sink    Sink
	log     logging.Logger
	metrics MetricsRecorder
	queue   chan Alert

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	recent   []Alert
	next     int
	filled   bool
}

// NewNotifier constructs a Notifier. log and metrics may be nil.
func NewNotifier(cfg Config, sink Sink, log logging.Logger, metrics MetricsRecorder) *Notifier {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	return &Notifier{
		cfg:      cfg,
		sink:     sink,
		log:      log,
		metrics:  metrics,
		queue:    make(chan Alert, cfg.QueueSize),
		limiters: make(map[string]*rate.Limiter),
		recent:   make([]Alert, cfg.RecentSize),
	}
}

// Notify enqueues a for delivery and returns immediately. Level alerts over
// the per-tank rate and alerts beyond the queue capacity are dropped.
func (n *Notifier) Notify(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if limited(a) && !n.allow(a) {
		n.count(a, "rate_limited")
		return
	}
	n.remember(a)
	select {
	case n.queue <- a:
	default:
		n.count(a, "dropped")
		n.log.Warn(ctx, "alert queue full, dropping alert",
			logging.String("kind", string(a.Kind)),
			logging.String("tank_id", a.TankID))
	}
}

// limited reports whether a is subject to the per-tank rate limit. Outcome
// alerts report a distinct cycle result each time and always go out.
func limited(a Alert) bool {
	return a.Kind == KindLevel && a.Severity != model.AlertEmergency
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.queue:
			n.deliver(ctx, a)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, a Alert) {
	if n.sink == nil {
		n.count(a, "delivered")
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	defer cancel()
	if err := n.sink.Send(sendCtx, a); err != nil {
		n.count(a, "failed")
		n.log.Warn(ctx, "alert delivery failed",
			logging.String("alert_id", a.ID),
			logging.String("sink", n.sink.Name()),
			logging.Err(err))
		return
	}
	n.count(a, "delivered")
}

// Recent returns the most recent alerts, newest first, including ones whose
// delivery is still pending or failed.
func (n *Notifier) Recent(limit int) []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	size := n.next
	if n.filled {
		size = len(n.recent)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Alert, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (n.next - 1 - i + len(n.recent)) % len(n.recent)
		out = append(out, n.recent[idx])
	}
	return out
}

func (n *Notifier) allow(a Alert) bool {
	key := string(a.Kind) + "/" + a.TankID
	n.mu.Lock()
	lim, ok := n.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(n.cfg.MinInterval), n.cfg.Burst)
		n.limiters[key] = lim
	}
	n.mu.Unlock()
	return lim.AllowN(a.At, 1)
}

func (n *Notifier) remember(a Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recent[n.next] = a
	n.next++
	if n.next == len(n.recent) {
		n.next = 0
		n.filled = true
	}
}

func (n *Notifier) count(a Alert, result string) {
	if n.metrics != nil {
		n.metrics.IncAlert(string(a.Kind), result)
	}
}
