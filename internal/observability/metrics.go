package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ControlCollector bundles Prometheus metrics for the decision loop, the
// ingest and perception adapters, alerting and the operator HTTP surface.
type ControlCollector struct {
	gatherer prometheus.Gatherer

	Cycles          *prometheus.CounterVec
	CycleDurations  *prometheus.HistogramVec
	ForecastRisk    *prometheus.CounterVec
	ForecastCache   *prometheus.CounterVec
	Plans           *prometheus.CounterVec
	PlansDeduped    prometheus.Counter
	PlansInfeasible prometheus.Counter
	TankLevels      *prometheus.GaugeVec
	Readings        *prometheus.CounterVec
	Signals         *prometheus.CounterVec
	Alerts          *prometheus.CounterVec

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec

	GatewayRPCs         *prometheus.CounterVec
	GatewayRPCDurations *prometheus.HistogramVec
}

// NewControlCollector registers control-loop metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewControlCollector(reg prometheus.Registerer) (*ControlCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &ControlCollector{gatherer: gatherer}
	var err error

	if c.Cycles, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_cycles_total",
		Help: "Decision cycles run, labeled by trigger kind and result.",
	}, []string{"trigger", "result"}), "overflow_cycles_total"); err != nil {
		return nil, err
	}
	if c.CycleDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "overflow_cycle_duration_seconds",
		Help:    "Decision cycle latency in seconds, dispatch included.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"trigger"}), "overflow_cycle_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ForecastRisk, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_risk_assessments_total",
		Help: "Risk assessments used for planning, labeled by origin (forecast, last_known, conservative, fast_path).",
	}, []string{"origin"}), "overflow_risk_assessments_total"); err != nil {
		return nil, err
	}
	if c.ForecastCache, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_forecast_cache_lookups_total",
		Help: "Last-known forecast cache lookups on predictor failure, labeled by result (hit, miss).",
	}, []string{"result"}), "overflow_forecast_cache_lookups_total"); err != nil {
		return nil, err
	}
	if c.Plans, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_plans_total",
		Help: "Redirection plans produced, labeled by reason.",
	}, []string{"reason"}), "overflow_plans_total"); err != nil {
		return nil, err
	}
	if c.PlansDeduped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overflow_plans_deduplicated_total",
		Help: "Plans not dispatched because they match the last confirmed valve targets.",
	}), "overflow_plans_deduplicated_total"); err != nil {
		return nil, err
	}
	if c.PlansInfeasible, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overflow_plans_infeasible_total",
		Help: "Urgent tanks for which no feasible redirection existed.",
	}), "overflow_plans_infeasible_total"); err != nil {
		return nil, err
	}
	if c.TankLevels, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "overflow_tank_level_percent",
		Help: "Latest accepted fill level per tank.",
	}, []string{"tank"}), "overflow_tank_level_percent"); err != nil {
		return nil, err
	}
	if c.Readings, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_readings_total",
		Help: "Telemetry readings received, labeled by result (accepted, stale, duplicate, invalid).",
	}, []string{"result"}), "overflow_readings_total"); err != nil {
		return nil, err
	}
	if c.Signals, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_perception_signals_total",
		Help: "Perception messages received, labeled by kind and result.",
	}, []string{"kind", "result"}), "overflow_perception_signals_total"); err != nil {
		return nil, err
	}
	if c.Alerts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_alerts_total",
		Help: "Alerts raised, labeled by kind and delivery result.",
	}, []string{"kind", "result"}), "overflow_alerts_total"); err != nil {
		return nil, err
	}
	if c.HTTPRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_http_requests_total",
		Help: "Operator API requests, labeled by method, route and status code.",
	}, []string{"method", "route", "code"}), "overflow_http_requests_total"); err != nil {
		return nil, err
	}
	if c.HTTPDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "overflow_http_request_duration_seconds",
		Help:    "Operator API latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"method", "route"}), "overflow_http_request_duration_seconds"); err != nil {
		return nil, err
	}
	if c.GatewayRPCs, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overflow_gateway_rpcs_total",
		Help: "Actuation gateway RPCs issued, labeled by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}), "overflow_gateway_rpcs_total"); err != nil {
		return nil, err
	}
	if c.GatewayRPCDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "overflow_gateway_rpc_duration_seconds",
		Help:    "Actuation gateway RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"service", "method"}), "overflow_gateway_rpc_duration_seconds"); err != nil {
		return nil, err
	}

	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ControlCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveCycle records a completed, abandoned or skipped cycle.
func (c *ControlCollector) ObserveCycle(trigger, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Cycles.WithLabelValues(trigger, result).Inc()
	c.CycleDurations.WithLabelValues(trigger).Observe(d.Seconds())
}

// IncRiskOrigin counts an assessment used for planning.
func (c *ControlCollector) IncRiskOrigin(origin string) {
	if c == nil {
		return
	}
	c.ForecastRisk.WithLabelValues(origin).Inc()
}

// IncForecastCache counts a last-known cache lookup.
func (c *ControlCollector) IncForecastCache(result string) {
	if c == nil {
		return
	}
	c.ForecastCache.WithLabelValues(result).Inc()
}

// IncPlan counts a plan handed to the dispatcher.
func (c *ControlCollector) IncPlan(reason string) {
	if c == nil {
		return
	}
	c.Plans.WithLabelValues(reason).Inc()
}

// IncDeduplicated counts a plan suppressed by idempotence.
func (c *ControlCollector) IncDeduplicated() {
	if c == nil {
		return
	}
	c.PlansDeduped.Inc()
}

// IncInfeasible counts an urgent tank without a feasible plan.
func (c *ControlCollector) IncInfeasible() {
	if c == nil {
		return
	}
	c.PlansInfeasible.Inc()
}

// SetTankLevel updates the level gauge for a tank.
func (c *ControlCollector) SetTankLevel(tank string, level float64) {
	if c == nil {
		return
	}
	c.TankLevels.WithLabelValues(tank).Set(level)
}

// IncReading counts an ingest result.
func (c *ControlCollector) IncReading(result string) {
	if c == nil {
		return
	}
	c.Readings.WithLabelValues(result).Inc()
}

// IncSignal counts a perception message.
func (c *ControlCollector) IncSignal(kind, result string) {
	if c == nil {
		return
	}
	c.Signals.WithLabelValues(kind, result).Inc()
}

// IncAlert counts an alert delivery attempt.
func (c *ControlCollector) IncAlert(kind, result string) {
	if c == nil {
		return
	}
	c.Alerts.WithLabelValues(kind, result).Inc()
}

// ObserveHTTP records an operator API request.
func (c *ControlCollector) ObserveHTTP(method, route string, code int, d time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(method, route, fmt.Sprintf("%d", code)).Inc()
	c.HTTPDurations.WithLabelValues(method, route).Observe(d.Seconds())
}

// UnaryClientInterceptor records request counts and durations for RPCs sent
// to the actuation gateway.
func (c *ControlCollector) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, fullMethod string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, fullMethod, req, reply, cc, opts...)

		if c == nil {
			return err
		}

		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.GatewayRPCs != nil {
			c.GatewayRPCs.WithLabelValues(service, method, code).Inc()
		}
		if c.GatewayRPCDurations != nil {
			c.GatewayRPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}
		return err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ControlCollector) Handler() http.Handler {
	var gatherer prometheus.Gatherer
	if c != nil {
		gatherer = c.gatherer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// register adds collector to reg, reusing an already registered collector of
// the same type so that several components can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, collector C, name string) (C, error) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero C
		return zero, err
	}
	return collector, nil
}
