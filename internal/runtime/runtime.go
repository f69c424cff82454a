// Package runtime assembles the control plane from configuration and owns
// its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/overflow-control/internal/alert"
	"github.com/signalsfoundry/overflow-control/internal/api"
	"github.com/signalsfoundry/overflow-control/internal/config"
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
	"github.com/signalsfoundry/overflow-control/kb"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

// Runtime holds every component of a running overflowd.
type Runtime struct {
	Config config.Config

	Registry        *prometheus.Registry
	Metrics         *observability.ControlCollector
	DispatchMetrics *observability.DispatchCollector

	Topology     *kb.KnowledgeBase
	Store        store.StateStore
	Tanks        *ingest.Store
	Board        *perception.Board
	Forecast     *forecast.Adapter
	Planner      *planner.Planner
	Gateway      gateway.Gateway
	Dispatcher   *dispatch.Dispatcher
	Alerts       *alert.Notifier
	Orchestrator *orchestrator.Orchestrator
	API          *api.Server
	Bus          messaging.Bus

	log     logging.Logger
	clock   timectrl.Clock
	subs    []messaging.Subscription
	closers []func() error

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	clock    timectrl.Clock
	bus      messaging.Bus
	gateway  gateway.Gateway
	registry *prometheus.Registry
}

// Option overrides a component Build would otherwise create from config.
type Option func(*options)

// WithClock replaces the system clock.
func WithClock(c timectrl.Clock) Option { return func(o *options) { o.clock = c } }

// WithBus uses bus instead of connecting to NATS.
func WithBus(b messaging.Bus) Option { return func(o *options) { o.bus = b } }

// WithGateway uses gw instead of the configured gateway.
func WithGateway(gw gateway.Gateway) Option { return func(o *options) { o.gateway = gw } }

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option { return func(o *options) { o.registry = reg } }

// Build creates and wires all components. Nothing runs until Run is called.
// On error every resource opened so far is released.
func Build(cfg config.Config, log logging.Logger, opts ...Option) (rt *Runtime, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = timectrl.System{}
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if log == nil {
		log = logging.Noop()
	}

	r := &Runtime{Config: cfg, Registry: o.registry, log: log, clock: o.clock}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if r.Metrics, err = observability.NewControlCollector(o.registry); err != nil {
		return nil, err
	}
	if r.DispatchMetrics, err = observability.NewDispatchCollector(o.registry); err != nil {
		return nil, err
	}

	r.Topology = kb.NewKnowledgeBase()
	if err = r.Topology.LoadFile(cfg.Topology.Path); err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}

	if err = r.openBus(o.bus); err != nil {
		return nil, err
	}
	if err = r.openStore(); err != nil {
		return nil, err
	}
	if err = r.openGateway(o.gateway); err != nil {
		return nil, err
	}

	r.Tanks = ingest.NewStore(cfg.Ingest, r.clock, log.With(logging.String("component", "ingest")),
		ingest.WithPersister(r.Store),
		ingest.WithMetricsRecorder(r.Metrics),
		ingest.WithKnownTanks(func(id string) bool { _, ok := r.Topology.Tank(id); return ok }))
	r.Board = perception.NewBoard(cfg.Perception, r.clock, log.With(logging.String("component", "perception")), r.Metrics)

	var predictor forecast.Predictor
	switch cfg.Forecast.Kind {
	case "trend":
		predictor = forecast.NewTrendPredictor()
	default:
		predictor = forecast.NewBusPredictor(r.Bus, cfg.Forecast.Subject)
	}
	r.Forecast = forecast.NewAdapter(cfg.Forecast, predictor, r.clock, log.With(logging.String("component", "forecast")),
		forecast.WithCacheMetrics(r.Metrics))
	r.Planner = planner.New(cfg.Planner)
	r.Dispatcher = dispatch.New(cfg.Dispatch, r.Gateway, r.clock, log.With(logging.String("component", "dispatch")), r.DispatchMetrics)

	sink, err := r.alertSink()
	if err != nil {
		return nil, err
	}
	r.Alerts = alert.NewNotifier(cfg.Alert, sink, log.With(logging.String("component", "alert")), r.Metrics)

	r.Orchestrator, err = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Tanks:    r.Tanks,
		Topology: r.Topology,
		Forecast: r.Forecast,
		Signals:  r.Board,
		Planner:  r.Planner,
		Dispatch: r.Dispatcher,
		Store:    r.Store,
		Alerts:   r.Alerts,
		Metrics:  r.Metrics,
		Clock:    r.clock,
		Log:      log.With(logging.String("component", "orchestrator")),
	})
	if err != nil {
		return nil, err
	}
	r.Tanks.Subscribe(r.Orchestrator.ObserveState)
	r.Board.OnTrigger(func(tr model.TriggerReason) { r.Orchestrator.Trigger(tr) })

	if err = r.subscribe(); err != nil {
		return nil, err
	}

	r.API, err = api.New(cfg.API, api.Deps{
		Readings:   r.Tanks,
		Perception: r.Board,
		Topology:   r.Topology,
		Alerts:     r.Alerts,
		Cycles:     r.Orchestrator,
		Store:      r.Store,
		Metrics:    r.Metrics,
		Clock:      r.clock,
		Log:        log.With(logging.String("component", "api")),
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) openBus(bus messaging.Bus) error {
	if bus != nil {
		r.Bus = bus
		return nil
	}
	if r.Config.NATS.URL == "" {
		r.log.Info(context.Background(), "no NATS url configured, using in-process bus")
		r.Bus = messaging.NewMemoryBus()
		return nil
	}
	client, err := messaging.NewClient(r.Config.NATS, r.log.With(logging.String("component", "nats")))
	if err != nil {
		return err
	}
	r.Bus = client
	r.closers = append(r.closers, client.Close)
	return nil
}

func (r *Runtime) openStore() error {
	var inner store.StateStore
	switch r.Config.Store.Kind {
	case "badger":
		bs, err := store.OpenBadger(r.Config.Store.Badger, r.log)
		if err != nil {
			return err
		}
		inner = bs
	default:
		inner = store.NewMemoryStore()
	}
	if r.Config.Store.Influx.URL != "" {
		inner = store.NewInfluxMirror(inner, r.Config.Store.Influx, r.log.With(logging.String("component", "influx")))
	}
	r.Store = inner
	r.closers = append(r.closers, inner.Close)
	return nil
}

func (r *Runtime) openGateway(gw gateway.Gateway) error {
	switch {
	case gw != nil:
		r.Gateway = gw
	case r.Config.Gateway.Kind == "fake":
		r.log.Warn(context.Background(), "using in-process fake valve gateway")
		r.Gateway = gateway.NewFake()
	default:
		client, err := gateway.Dial(r.Config.Gateway.Address,
			[]grpc.UnaryClientInterceptor{r.Metrics.UnaryClientInterceptor()})
		if err != nil {
			return err
		}
		r.Gateway = client
		r.closers = append(r.closers, client.Close)
	}
	return nil
}

func (r *Runtime) alertSink() (alert.Sink, error) {
	var sinks alert.Fanout
	for _, name := range r.Config.Alert.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, alert.LogSink{Log: r.log.With(logging.String("component", "alert"))})
		case "nats":
			sinks = append(sinks, alert.BusSink{Bus: r.Bus, Prefix: r.Config.Alert.SubjectPrefix})
		case "redis":
			client := alert.NewRedisClient(r.Config.Alert.Redis)
			r.closers = append(r.closers, client.Close)
			sinks = append(sinks, alert.NewRedisSink(client, r.Config.Alert.Redis))
		default:
			return nil, fmt.Errorf("unknown alert sink %q", name)
		}
	}
	return sinks, nil
}

func (r *Runtime) subscribe() error {
	sub, err := ingest.Subscribe(r.Bus, ingest.DefaultSubject, r.Tanks, r.log.With(logging.String("component", "ingest")))
	if err != nil {
		return fmt.Errorf("subscribe telemetry: %w", err)
	}
	r.subs = append(r.subs, sub)
	psubs, err := perception.Subscribe(r.Bus, r.Board)
	if err != nil {
		return fmt.Errorf("subscribe perception: %w", err)
	}
	r.subs = append(r.subs, psubs...)
	return nil
}

// Restore rebuilds in-memory state from the store and queues a recovery
// cycle when a dispatch was interrupted.
func (r *Runtime) Restore(ctx context.Context) error {
	rec, err := r.Orchestrator.Restore(ctx)
	r.Tanks.Restore(rec.TankStates)
	return err
}

// Run restores state and runs every long-lived component until ctx is done
// or one of them fails. Resources are released before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	defer func() { _ = r.Close() }()
	if err := r.Restore(ctx); err != nil {
		r.log.Warn(ctx, "state restore incomplete", logging.Err(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Alerts.Run(ctx) })
	g.Go(func() error { return r.Orchestrator.Run(ctx) })
	g.Go(func() error { return r.API.Run(ctx) })
	if r.Config.Topology.Watch {
		g.Go(func() error {
			return r.Topology.Watch(ctx, r.Config.Topology.Path, r.Config.Topology.Debounce, r.log.With(logging.String("component", "kb")))
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close unsubscribes from the bus and releases resources in reverse order
// of acquisition. It is safe to call more than once.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		var errs []error
		for _, s := range r.subs {
			if err := s.Unsubscribe(); err != nil {
				errs = append(errs, err)
			}
		}
		for i := len(r.closers) - 1; i >= 0; i-- {
			if err := r.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}
