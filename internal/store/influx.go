package store

import (
	"context"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/model"
)

// InfluxConfig configures the time-series mirror.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"-"` // INFLUXDB_TOKEN
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	// WriteTimeout bounds each mirrored write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ApplyDefaults fills unset fields from the environment and defaults.
func (c *InfluxConfig) ApplyDefaults() {
	if c.Token == "" {
		c.Token = os.Getenv("INFLUXDB_TOKEN")
	}
	if c.Org == "" {
		c.Org = "water-ops"
	}
	if c.Bucket == "" {
		c.Bucket = "overflow-control"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
}

// PointWriter is the blocking write surface of the InfluxDB client.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxMirror decorates a StateStore, copying tank readings and dispatch
// outcomes into InfluxDB for dashboards. Mirror failures are logged and never
// fail the primary write.
type InfluxMirror struct {
	StateStore

	writer  PointWriter
	timeout time.Duration
	log     logging.Logger
	closeFn func()
}

// NewInfluxMirror connects to InfluxDB and wraps inner.
func NewInfluxMirror(inner StateStore, cfg InfluxConfig, log logging.Logger) *InfluxMirror {
	cfg.ApplyDefaults()
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	m := WrapWithWriter(inner, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.WriteTimeout, log)
	m.closeFn = client.Close
	return m
}

// WrapWithWriter wraps inner with an arbitrary point writer.
func WrapWithWriter(inner StateStore, w PointWriter, timeout time.Duration, log logging.Logger) *InfluxMirror {
	if log == nil {
		log = logging.Noop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &InfluxMirror{StateStore: inner, writer: w, timeout: timeout, log: log}
}

func (m *InfluxMirror) AppendTankReading(ctx context.Context, s model.TankState) error {
	if err := m.StateStore.AppendTankReading(ctx, s); err != nil {
		return err
	}
	p := influxdb2.NewPointWithMeasurement("tank_level").
		AddTag("tank_id", s.ID).
		AddTag("source", s.Source).
		AddField("level_percent", s.LevelPercent).
		AddField("flow_rate_in_lmin", s.FlowRateInLMin).
		AddField("quality_flags", s.QualityFlags.String()).
		SetTime(s.LastUpdated)
	m.mirror(ctx, p)
	return nil
}

func (m *InfluxMirror) AppendDispatchOutcome(ctx context.Context, plan model.RedirectionPlan, o model.DispatchOutcome) error {
	if err := m.StateStore.AppendDispatchOutcome(ctx, plan, o); err != nil {
		return err
	}
	if o.CompletedAt.IsZero() {
		return nil
	}
	points := make([]*write.Point, 0, len(o.Commands)+1)
	points = append(points, influxdb2.NewPointWithMeasurement("dispatch_outcome").
		AddTag("source_tank", o.SourceTank).
		AddTag("reason", o.Reason.String()).
		AddTag("status", o.OverallStatus.String()).
		AddField("plan_id", o.PlanID).
		AddField("commands", len(o.Commands)).
		AddField("total_flow_lmin", plan.TotalFlowLMin()).
		AddField("duration_ms", o.CompletedAt.Sub(o.StartedAt).Milliseconds()).
		SetTime(o.CompletedAt))
	for _, c := range o.Commands {
		points = append(points, influxdb2.NewPointWithMeasurement("valve_command").
			AddTag("valve_id", c.ValveID).
			AddTag("status", c.Status.String()).
			AddField("plan_id", c.PlanID).
			AddField("requested_percent", c.RequestedPercent).
			AddField("actual_percent", c.ActualPercent).
			AddField("attempts", c.Attempts).
			SetTime(o.CompletedAt))
	}
	m.mirror(ctx, points...)
	return nil
}

func (m *InfluxMirror) mirror(ctx context.Context, points ...*write.Point) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.writer.WritePoint(ctx, points...); err != nil {
		m.log.Warn(ctx, "influx mirror write failed", logging.Int("points", len(points)), logging.Err(err))
	}
}

// Close closes the InfluxDB client and the wrapped store.
func (m *InfluxMirror) Close() error {
	if m.closeFn != nil {
		m.closeFn()
	}
	return m.StateStore.Close()
}
