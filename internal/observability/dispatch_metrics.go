package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchCollector exposes actuation-specific Prometheus metrics.
type DispatchCollector struct {
	gatherer prometheus.Gatherer

	Commands        *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	InFlight        prometheus.Gauge
	Retries         prometheus.Counter
	BusyRejections  prometheus.Counter
	Outcomes        *prometheus.CounterVec
}

// NewDispatchCollector registers dispatcher metrics against the provided registerer.
func NewDispatchCollector(reg prometheus.Registerer) (*DispatchCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	commands, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_valve_commands_total",
		Help: "Valve commands finished, labeled by terminal status.",
	}, []string{"status"}), "overflow_valve_commands_total")
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "overflow_valve_command_duration_seconds",
		Help:    "Time from issuing a valve command to its terminal status, retries included.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}), "overflow_valve_command_duration_seconds")
	if err != nil {
		return nil, err
	}

	inFlight, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "overflow_valve_commands_in_flight",
		Help: "Valve commands currently awaiting a gateway response.",
	}), "overflow_valve_commands_in_flight")
	if err != nil {
		return nil, err
	}

	retries, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overflow_valve_command_retries_total",
		Help: "Gateway attempts repeated after a transient failure.",
	}), "overflow_valve_command_retries_total")
	if err != nil {
		return nil, err
	}

	busy, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overflow_valve_busy_rejections_total",
		Help: "Commands rejected because the valve already had a command in flight.",
	}), "overflow_valve_busy_rejections_total")
	if err != nil {
		return nil, err
	}

	outcomes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_dispatch_outcomes_total",
		Help: "Plan executions, labeled by overall status.",
	}, []string{"status"}), "overflow_dispatch_outcomes_total")
	if err != nil {
		return nil, err
	}

	return &DispatchCollector{
		gatherer:        gatherer,
		Commands:        commands,
		CommandDuration: duration,
		InFlight:        inFlight,
		Retries:         retries,
		BusyRejections:  busy,
		Outcomes:        outcomes,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *DispatchCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveCommand records a command reaching a terminal status.
func (c *DispatchCollector) ObserveCommand(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(status).Inc()
	c.CommandDuration.Observe(d.Seconds())
}

// AddInFlight adjusts the in-flight gauge by delta.
func (c *DispatchCollector) AddInFlight(delta int) {
	if c == nil {
		return
	}
	c.InFlight.Add(float64(delta))
}

// IncRetries increments the retry counter.
func (c *DispatchCollector) IncRetries() {
	if c == nil {
		return
	}
	c.Retries.Inc()
}

// IncBusy increments the busy-valve rejection counter.
func (c *DispatchCollector) IncBusy() {
	if c == nil {
		return
	}
	c.BusyRejections.Inc()
}

// IncOutcome counts a finished plan execution.
func (c *DispatchCollector) IncOutcome(status string) {
	if c == nil {
		return
	}
	c.Outcomes.WithLabelValues(status).Inc()
}
