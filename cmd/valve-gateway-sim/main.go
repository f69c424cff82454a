// Command valve-gateway-sim serves the valve gateway protocol over gRPC on top
// of an in-memory valve bank, for bench testing overflowd without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/overflow-control/internal/gateway"
	"github.com/signalsfoundry/overflow-control/internal/logging"
)

// Config controls the simulated gateway.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	// Delay is how long every valve takes to reach its position.
	Delay time.Duration
	// Reject lists valves that refuse every command.
	Reject []string
	// Drift offsets the reported position of every valve from the target.
	Drift     int
	LogLevel  string
	LogFormat string
}

func main() {
	var (
		cfg    Config
		reject string
	)
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":7443", "TCP address the gateway gRPC server listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9091", "HTTP address for Prometheus /metrics (empty disables)")
	flag.DurationVar(&cfg.Delay, "delay", 500*time.Millisecond, "simulated valve travel time")
	flag.StringVar(&reject, "reject", "", "comma-separated valve ids that reject every command")
	flag.IntVar(&cfg.Drift, "drift", 0, "percentage points the reported position misses the target by")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	flag.StringVar(&cfg.LogFormat, "log-format", "json", "log format (json or text)")
	flag.Parse()
	cfg.Reject = splitList(reject)

	log := logging.NewFromEnv(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(context.Background(), "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(context.Background(), "gateway simulator failed", logging.Err(err))
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// newBank builds the simulated valve bank from cfg.
func newBank(cfg Config) *gateway.Fake {
	bank := gateway.NewFake()
	bank.Delay = cfg.Delay
	for _, v := range cfg.Reject {
		bank.Script(v, gateway.Reject("valve locked out"))
	}
	return bank
}

// driftGateway reports positions offset from what the bank reached.
type driftGateway struct {
	gateway.Gateway
	offset int
}

func (d driftGateway) SetValve(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	resp, err := d.Gateway.SetValve(ctx, req)
	if err != nil || resp.Status != gateway.StatusAcknowledged {
		return resp, err
	}
	resp.ActualPercent = min(100, max(0, resp.ActualPercent+d.offset))
	return resp, nil
}

type simMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

func newSimMetrics() *simMetrics {
	m := &simMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "valve_gateway_sim",
			Name:      "requests_total",
			Help:      "SetValve calls by gRPC status code.",
		}, []string{"code"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "valve_gateway_sim",
			Name:      "request_duration_seconds",
			Help:      "SetValve handling time.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.requests, m.latency)
	return m
}

func (m *simMetrics) interceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.requests.WithLabelValues(status.Code(err).String()).Inc()
		m.latency.Observe(time.Since(start).Seconds())
		return resp, err
	}
}

func serveMetrics(addr string, m *simMetrics, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// run serves the gateway on lis until ctx is cancelled.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	metrics := newSimMetrics()
	metricsSrv := serveMetrics(cfg.MetricsAddress, metrics, log)

	var impl gateway.Gateway = newBank(cfg)
	if cfg.Drift != 0 {
		impl = driftGateway{Gateway: impl, offset: cfg.Drift}
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			gateway.RequestIDUnaryServerInterceptor(log),
			metrics.interceptor(),
		),
	)
	gateway.Register(server, impl)

	serveErr := make(chan error, 1)
	log.Info(ctx, "starting valve gateway simulator",
		logging.String("addr", lis.Addr().String()),
		logging.Duration("delay", cfg.Delay),
		logging.Int("rejecting", len(cfg.Reject)))
	go func() { serveErr <- server.Serve(lis) }()

	var err error
	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutting down valve gateway simulator")
		server.GracefulStop()
	case err = <-serveErr:
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}
