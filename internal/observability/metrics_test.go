package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClientInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}

	interceptor := collector.UnaryClientInterceptor()
	err = interceptor(context.Background(), "/overflow.gateway.v1.ValveGateway/SetValve", struct{}{}, struct{}{}, nil,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		})
	if err != nil {
		t.Fatalf("interceptor returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.GatewayRPCs.WithLabelValues("ValveGateway", "SetValve", "OK")); got != 1 {
		t.Fatalf("overflow_gateway_rpcs_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "overflow_gateway_rpc_duration_seconds", map[string]string{
		"service": "ValveGateway",
		"method":  "SetValve",
	}); count != 1 {
		t.Fatalf("overflow_gateway_rpc_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestClientInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}

	interceptor := collector.UnaryClientInterceptor()
	_ = interceptor(context.Background(), "/overflow.gateway.v1.ValveGateway/SetValve", nil, nil, nil,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			return status.Error(codes.Unavailable, "down")
		})

	if got := testutil.ToFloat64(collector.GatewayRPCs.WithLabelValues("ValveGateway", "SetValve", "Unavailable")); got != 1 {
		t.Fatalf("error label = %v, want 1", got)
	}
}

func TestCollectorsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("first NewControlCollector: %v", err)
	}
	second, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("second NewControlCollector: %v", err)
	}
	first.IncPlan("active_overflow")
	second.IncPlan("active_overflow")
	if got := testutil.ToFloat64(first.Plans.WithLabelValues("active_overflow")); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var c *ControlCollector
	c.ObserveCycle("timer", "completed", time.Second)
	c.SetTankLevel("A", 50)
	c.IncAlert("plan_infeasible", "sent")
	c.IncForecastCache("hit")
	var d *DispatchCollector
	d.ObserveCommand("confirmed", time.Second)
	d.AddInFlight(1)
	d.IncOutcome("success")
}

func TestDispatchCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	d, err := NewDispatchCollector(reg)
	if err != nil {
		t.Fatalf("NewDispatchCollector: %v", err)
	}
	d.AddInFlight(2)
	d.AddInFlight(-1)
	d.ObserveCommand("timed_out", 3*time.Second)
	d.IncBusy()

	if got := testutil.ToFloat64(d.InFlight); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}
	if got := testutil.ToFloat64(d.Commands.WithLabelValues("timed_out")); got != 1 {
		t.Fatalf("timed_out commands = %v, want 1", got)
	}
	if got := testutil.ToFloat64(d.BusyRejections); got != 1 {
		t.Fatalf("busy rejections = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesControlMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}
	collector.SetTankLevel("WS_TANK_001", 92.5)
	collector.ObserveCycle("timer", "completed", 20*time.Millisecond)
	collector.IncRiskOrigin("conservative")
	collector.IncForecastCache("miss")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"overflow_tank_level_percent",
		"overflow_cycles_total",
		"overflow_cycle_duration_seconds",
		"overflow_risk_assessments_total",
		"overflow_forecast_cache_lookups_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
	if !strings.Contains(body, `overflow_tank_level_percent{tank="WS_TANK_001"} 92.5`) {
		t.Fatalf("/metrics output missing tank gauge value: %s", body)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                                          {"unknown", "unknown"},
		"/overflow.gateway.v1.ValveGateway/SetValve": {"ValveGateway", "SetValve"},
		"broken": {"unknown", "unknown"},
	}
	for in, want := range cases {
		svc, m := SplitMethod(in)
		if svc != want[0] || m != want[1] {
			t.Fatalf("SplitMethod(%q) = %s/%s, want %s/%s", in, svc, m, want[0], want[1])
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
