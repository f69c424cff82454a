package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
topology:
  path: topology.yaml
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Orchestrator.Period != 30*time.Second || cfg.Orchestrator.CycleDeadline != 10*time.Second {
		t.Fatalf("orchestrator defaults not applied: %+v", cfg.Orchestrator)
	}
	if cfg.Forecast.Kind != "trend" {
		t.Fatalf("forecast should default to trend without NATS, got %q", cfg.Forecast.Kind)
	}
	if cfg.Store.Kind != "memory" || cfg.Gateway.Kind != "grpc" || cfg.Gateway.Address == "" {
		t.Fatalf("store/gateway defaults: %+v %+v", cfg.Store, cfg.Gateway)
	}
	if cfg.Dispatch.MaxRetries != 2 || cfg.Planner.UrgencyThreshold != 1 {
		t.Fatalf("component defaults not applied")
	}
	if len(cfg.Alert.Sinks) != 1 || cfg.Alert.Sinks[0] != "log" {
		t.Fatalf("alert sinks = %v", cfg.Alert.Sinks)
	}
}

func TestParseFullFile(t *testing.T) {
	raw := `
logging:
  level: debug
  format: json
nats:
  url: nats://localhost:4222
topology:
  path: /etc/overflow/topology.yaml
  watch: true
forecast:
  kind: nats
  timeout: 1500ms
  retries: 1
planner:
  urgency_threshold: 1.5
dispatch:
  command_timeout: 10s
  fan_out: 8
alert:
  sinks: [log, nats, redis]
  redis:
    addr: redis:6379
store:
  kind: badger
  badger:
    path: /var/lib/overflowd
orchestrator:
  period: 1m
  cycle_deadline: 5s
api:
  addr: ":9000"
`
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Forecast.Timeout != 1500*time.Millisecond || cfg.Forecast.Kind != "nats" {
		t.Fatalf("forecast section: %+v", cfg.Forecast)
	}
	if cfg.Orchestrator.Period != time.Minute || cfg.API.Addr != ":9000" {
		t.Fatalf("orchestrator/api: %+v %+v", cfg.Orchestrator, cfg.API)
	}
	if cfg.Store.Badger.Path != "/var/lib/overflowd" || cfg.Alert.Redis.Addr != "redis:6379" {
		t.Fatalf("store/redis: %+v %+v", cfg.Store, cfg.Alert.Redis)
	}
	if cfg.Planner.UrgencyThreshold != 1.5 || cfg.Dispatch.FanOut != 8 {
		t.Fatalf("planner/dispatch: %+v %+v", cfg.Planner, cfg.Dispatch)
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":          minimal + "bogus: 1\n",
		"missing topology":     "logging:\n  level: info\n",
		"bad store kind":       minimal + "store:\n  kind: sqlite\n",
		"badger without path":  minimal + "store:\n  kind: badger\n",
		"nats forecast no url": minimal + "forecast:\n  kind: nats\n",
		"nats sink no url":     minimal + "alert:\n  sinks: [nats]\n",
		"bad sink":             minimal + "alert:\n  sinks: [pager]\n",
		"deadline over period": minimal + "orchestrator:\n  period: 5s\n  cycle_deadline: 10s\n",
		"coverage above one":   minimal + "planner:\n  min_coverage: 1.5\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); err == nil {
				t.Fatalf("expected error for %q", raw)
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://bus:4222")
	t.Setenv(EnvRedisPassword, "s3cret")
	t.Setenv(EnvTopologyPath, "/override/topology.yaml")
	t.Setenv("OVERFLOW_TRACING_ENABLED", "true")

	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.NATS.URL != "nats://bus:4222" || cfg.Alert.Redis.Password != "s3cret" {
		t.Fatalf("env not applied: nats=%q redis=%q", cfg.NATS.URL, cfg.Alert.Redis.Password)
	}
	if cfg.Topology.Path != "/override/topology.yaml" || !cfg.Tracing.Enabled {
		t.Fatalf("env not applied: topology=%q tracing=%v", cfg.Topology.Path, cfg.Tracing.Enabled)
	}
	// With a bus configured the forecast defaults to the remote forecaster.
	if cfg.Forecast.Kind != "nats" {
		t.Fatalf("forecast kind = %q", cfg.Forecast.Kind)
	}
}

func TestLoadFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overflowd.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Topology.Path != "topology.yaml" {
		t.Fatalf("topology path = %q", cfg.Topology.Path)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("expected read error naming the file, got %v", err)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	t.Setenv(EnvNATSURL, "")
	cfg, err := Load(filepath.Join("..", "..", "configs", "overflowd.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Kind != "badger" || cfg.Forecast.Kind != "nats" || len(cfg.Alert.Sinks) != 3 {
		t.Fatalf("unexpected shipped config: store=%q forecast=%q sinks=%v", cfg.Store.Kind, cfg.Forecast.Kind, cfg.Alert.Sinks)
	}
}
