// Package api is the operator HTTP surface: read views over tanks, valves,
// plans and alerts, plus endpoints that feed readings, vision signals and
// manual overrides into the control plane.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/overflow-control/internal/alert"
	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/observability"
	"github.com/signalsfoundry/overflow-control/internal/store"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

// Config configures the HTTP listener.
type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RecentLimit caps list endpoints when the caller sends no limit.
	RecentLimit int `yaml:"recent_limit" validate:"omitempty,gt=0"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 50
	}
}

// Readings accepts telemetry and serves the latest tank states.
type Readings interface {
	Ingest(ctx context.Context, r model.TankReading) (model.TankState, error)
	Snapshot() map[string]model.TankState
}

// Perception accepts vision signals and manual intents.
type Perception interface {
	Record(ctx context.Context, sig model.LeakSignal) error
	SubmitIntent(ctx context.Context, in model.CommandIntent) error
	ActiveSignals() map[string]model.LeakSignal
	PendingIntents() []model.CommandIntent
}

// TopologySource returns the current network description.
type TopologySource interface {
	Snapshot() model.Topology
}

// AlertHistory returns recently delivered alerts, newest first.
type AlertHistory interface {
	Recent(limit int) []alert.Alert
}

// CycleTrigger queues an on-demand decision cycle.
type CycleTrigger interface {
	Trigger(tr model.TriggerReason) bool
}

// Deps are the components the API reads from and writes to.
type Deps struct {
	Readings   Readings
	Perception Perception
	Topology   TopologySource
	Alerts     AlertHistory
	Cycles     CycleTrigger
	Store      store.StateStore
	Metrics    *observability.ControlCollector
	Clock      timectrl.Clock
	Log        logging.Logger
}

// Server serves the operator API.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
}

// New builds the router. Every dependency except Metrics is required.
func New(cfg Config, deps Deps) (*Server, error) {
	cfg.ApplyDefaults()
	switch {
	case deps.Readings == nil:
		return nil, errors.New("api: readings source is required")
	case deps.Perception == nil:
		return nil, errors.New("api: perception board is required")
	case deps.Topology == nil:
		return nil, errors.New("api: topology source is required")
	case deps.Alerts == nil:
		return nil, errors.New("api: alert history is required")
	case deps.Cycles == nil:
		return nil, errors.New("api: cycle trigger is required")
	case deps.Store == nil:
		return nil, errors.New("api: state store is required")
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.System{}
	}
	if deps.Log == nil {
		deps.Log = logging.Noop()
	}

	s := &Server{cfg: cfg, deps: deps, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestID(deps.Log), observe(deps.Metrics))
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	v1 := s.engine.Group("/v1")
	v1.GET("/tanks", s.listTanks)
	v1.GET("/topology", s.topology)
	v1.GET("/valves", s.listValves)
	v1.GET("/alerts", s.listAlerts)
	v1.GET("/signals", s.listSignals)
	v1.GET("/plans/:tank/last", s.lastPlan)
	v1.GET("/outcomes/last", s.lastOutcome)
	v1.GET("/cycles", s.listCycles)
	v1.GET("/overrides", s.listOverrides)

	v1.POST("/readings", s.postReading)
	v1.POST("/signals", s.postSignal)
	v1.POST("/overrides", s.postOverride)
	v1.POST("/cycles", s.postCycle)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on the configured address until ctx is done, then drains
// in-flight requests for at most ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.deps.Log.Info(ctx, "serving operator API", logging.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("operator API on %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.deps.Log.Warn(shutdownCtx, "operator API shutdown", logging.Err(err))
	}
	return nil
}
