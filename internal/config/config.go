// Package config loads the overflowd configuration file. Every component
// owns its own section type; this package only aggregates them, applies
// environment overrides and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/overflow-control/internal/alert"
	"github.com/signalsfoundry/overflow-control/internal/api"
	"github.com/signalsfoundry/overflow-control/internal/dispatch"
	"github.com/signalsfoundry/overflow-control/internal/forecast"
	"github.com/signalsfoundry/overflow-control/internal/gateway"
	"github.com/signalsfoundry/overflow-control/internal/ingest"
	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/messaging"
	"github.com/signalsfoundry/overflow-control/internal/observability"
	"github.com/signalsfoundry/overflow-control/internal/orchestrator"
	"github.com/signalsfoundry/overflow-control/internal/perception"
	"github.com/signalsfoundry/overflow-control/internal/planner"
	"github.com/signalsfoundry/overflow-control/internal/store"
)

// Environment variables read by Load.
const (
	EnvConfigPath    = "OVERFLOW_CONFIG"
	EnvNATSURL       = "OVERFLOW_NATS_URL"
	EnvRedisPassword = "OVERFLOW_REDIS_PASSWORD"
	EnvTopologyPath  = "OVERFLOW_TOPOLOGY"
)

// TopologyConfig points at the network description.
type TopologyConfig struct {
	Path string `yaml:"path" validate:"required"`
	// Watch reloads the file when it changes.
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Kind   string             `yaml:"kind" validate:"omitempty,oneof=memory badger"`
	Badger store.BadgerConfig `yaml:"badger"`
	// Influx mirrors readings and outcomes when URL is set.
	Influx store.InfluxConfig `yaml:"influx"`
}

// Config is the complete overflowd configuration.
type Config struct {
	Logging      logging.Config              `yaml:"logging"`
	Tracing      observability.TracingConfig `yaml:"tracing"`
	NATS         messaging.Config            `yaml:"nats"`
	Topology     TopologyConfig              `yaml:"topology"`
	Ingest       ingest.Config               `yaml:"ingest"`
	Perception   perception.Config           `yaml:"perception"`
	Forecast     forecast.Config             `yaml:"forecast"`
	Planner      planner.Config              `yaml:"planner"`
	Dispatch     dispatch.Config             `yaml:"dispatch"`
	Gateway      gateway.Config              `yaml:"gateway"`
	Alert        alert.Config                `yaml:"alert"`
	Store        StoreConfig                 `yaml:"store"`
	Orchestrator orchestrator.Config         `yaml:"orchestrator"`
	API          api.Config                  `yaml:"api"`
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	c.Tracing.ApplyDefaults()
	c.NATS.ApplyDefaults()
	if c.Topology.Debounce <= 0 {
		c.Topology.Debounce = 500 * time.Millisecond
	}
	c.Ingest.ApplyDefaults()
	c.Perception.ApplyDefaults()
	if c.Forecast.Kind == "" && c.NATS.URL == "" {
		c.Forecast.Kind = "trend"
	}
	c.Forecast.ApplyDefaults()
	c.Planner.ApplyDefaults()
	c.Dispatch.ApplyDefaults()
	c.Gateway.ApplyDefaults()
	c.Alert.ApplyDefaults()
	if c.Store.Kind == "" {
		c.Store.Kind = "memory"
	}
	c.Store.Badger.ApplyDefaults()
	if c.Store.Influx.URL != "" {
		c.Store.Influx.ApplyDefaults()
	}
	c.Orchestrator.ApplyDefaults()
	c.API.ApplyDefaults()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and cross-section requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if c.Store.Kind == "badger" && !c.Store.Badger.InMemory && c.Store.Badger.Path == "" {
		errs = append(errs, errors.New("store.badger.path is required for the badger store"))
	}
	if c.Forecast.Kind == "nats" && c.NATS.URL == "" {
		errs = append(errs, errors.New("forecast.kind nats requires nats.url"))
	}
	for _, sink := range c.Alert.Sinks {
		if sink == "nats" && c.NATS.URL == "" {
			errs = append(errs, errors.New("alert sink nats requires nats.url"))
		}
	}
	if c.Orchestrator.CycleDeadline >= c.Orchestrator.Period {
		errs = append(errs, fmt.Errorf("orchestrator.cycle_deadline %s must be shorter than the period %s",
			c.Orchestrator.CycleDeadline, c.Orchestrator.Period))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Load reads path, or $OVERFLOW_CONFIG when path is empty, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Config{}, fmt.Errorf("no config file given and %s is unset", EnvConfigPath)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML. Unknown keys are rejected.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays secrets and deployment-specific settings.
func (c *Config) applyEnv() {
	if url := os.Getenv(EnvNATSURL); url != "" {
		c.NATS.URL = url
	}
	if pw := os.Getenv(EnvRedisPassword); pw != "" {
		c.Alert.Redis.Password = pw
	}
	if path := os.Getenv(EnvTopologyPath); path != "" {
		c.Topology.Path = path
	}
	c.Tracing = observability.TracingConfigFromEnv(c.Tracing)
}
