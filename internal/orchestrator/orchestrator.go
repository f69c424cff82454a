// Package orchestrator runs the decision cycle: it gathers tank states,
// obtains overflow risk, asks the planner for redirection plans and hands
// them to the dispatcher. Cycles are serialized per tank; the timer cycle and
// the fast path run side by side against one Orchestrator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/overflow-control/internal/alert"
	"github.com/signalsfoundry/overflow-control/internal/forecast"
	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/observability"
	"github.com/signalsfoundry/overflow-control/internal/planner"
	"github.com/signalsfoundry/overflow-control/internal/store"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

// ErrCycleAbandoned is returned when a cycle overran its deadline before
// planning. Nothing is dispatched and the last confirmed valve positions
// stand.
var ErrCycleAbandoned = errors.New("decision cycle abandoned")

// Config tunes the decision loop.
type Config struct {
	// Period is the spacing of timer cycles.
	Period time.Duration `yaml:"period"`
	// CycleDeadline bounds everything up to and including planning.
	// Dispatch is not covered.
	CycleDeadline time.Duration `yaml:"cycle_deadline"`
	// CriticalLevelPercent sends a tank down the fast path.
	CriticalLevelPercent float64 `yaml:"critical_level_percent" validate:"gte=0"`
	// FastPathQueue bounds triggers waiting for a fast-path cycle.
	FastPathQueue int `yaml:"fast_path_queue" validate:"gte=0"`
	// FastPathWorkers bounds concurrently running fast-path cycles.
	FastPathWorkers int `yaml:"fast_path_workers" validate:"gte=0"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.CycleDeadline <= 0 {
		c.CycleDeadline = 10 * time.Second
	}
	if c.CriticalLevelPercent <= 0 {
		c.CriticalLevelPercent = model.CriticalLevelPercent
	}
	if c.FastPathQueue <= 0 {
		c.FastPathQueue = 64
	}
	if c.FastPathWorkers <= 0 {
		c.FastPathWorkers = 4
	}
}

// TankSource provides the latest tank states and recent readings.
type TankSource interface {
	Snapshot() map[string]model.TankState
	History(id string) []model.TankReading
}

// TopologySource provides the current network description.
type TopologySource interface {
	Snapshot() model.Topology
}

// Forecaster assesses overflow risk. It must return an assessment for every
// requested tank, falling back when the forecast is unavailable.
type Forecaster interface {
	AssessAll(ctx context.Context, tanks []string, history forecast.History) map[string]model.RiskAssessment
}

// SignalSource exposes perception state.
type SignalSource interface {
	FastPath(tankID string) bool
	TakeIntents(match func(tankID string) bool) []model.CommandIntent
}

// Executor drives plans to the valves.
type Executor interface {
	PendingOutcome(plan model.RedirectionPlan) model.DispatchOutcome
	Execute(ctx context.Context, plan model.RedirectionPlan) model.DispatchOutcome
}

// Alerter accepts operator alerts without blocking.
type Alerter interface {
	Notify(ctx context.Context, a alert.Alert)
}

// Deps are the collaborators of an Orchestrator. Signals, Alerts, Metrics,
// Clock and Log are optional.
type Deps struct {
	Tanks    TankSource
	Topology TopologySource
	Forecast Forecaster
	Signals  SignalSource
	Planner  *planner.Planner
	Dispatch Executor
	Store    store.StateStore
	Alerts   Alerter
	Metrics  *observability.ControlCollector
	Clock    timectrl.Clock
	Log      logging.Logger
}

// Orchestrator owns the decision cycle lifecycle.
type Orchestrator struct {
	cfg Config
	Deps

	locks *tankLocks
	fast  chan model.TriggerReason

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// New validates deps and constructs an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	switch {
	case deps.Tanks == nil:
		return nil, fmt.Errorf("orchestrator: tank source is required")
	case deps.Topology == nil:
		return nil, fmt.Errorf("orchestrator: topology source is required")
	case deps.Forecast == nil:
		return nil, fmt.Errorf("orchestrator: forecaster is required")
	case deps.Planner == nil:
		return nil, fmt.Errorf("orchestrator: planner is required")
	case deps.Dispatch == nil:
		return nil, fmt.Errorf("orchestrator: dispatcher is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator: state store is required")
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.System{}
	}
	if deps.Log == nil {
		deps.Log = logging.Noop()
	}
	return &Orchestrator{
		cfg:     cfg,
		Deps:    deps,
		locks:   newTankLocks(),
		fast:    make(chan model.TriggerReason, cfg.FastPathQueue),
		pending: make(map[string]struct{}),
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// cycle carries the working set of one RunCycle call.
type cycle struct {
	rec      model.CycleRecord
	states   map[string]model.TankState
	topo     model.Topology
	scope    []string
	held     []string
	risks    map[string]model.RiskAssessment
	manual   []model.RedirectionPlan
	auto     planner.Result
	position map[string]int
}

// RunCycle runs one decision cycle for trigger. Timer cycles skip tanks held
// by another cycle; every other trigger waits for its tanks until the cycle
// deadline. The returned record is also appended to the state store.
func (o *Orchestrator) RunCycle(ctx context.Context, trigger model.TriggerReason) (model.CycleRecord, error) {
	start := time.Now()
	ctx, log := logging.WithCycleLogger(ctx, o.Log)
	ctx, span := observability.StartSpan(ctx, "orchestrator.cycle", "",
		attribute.String("trigger", string(trigger.Kind())))

	c := &cycle{
		rec: model.CycleRecord{
			CycleID:   logging.CycleIDFromContext(ctx),
			Trigger:   trigger.Kind(),
			StartedAt: o.Clock.Now(),
		},
		states: o.Tanks.Snapshot(),
		topo:   o.Topology.Snapshot(),
	}

	planCtx, cancel := context.WithTimeout(ctx, o.cfg.CycleDeadline)
	defer cancel()

	scope := o.scope(trigger, c)
	c.scope = scope
	if trigger.Kind() == model.TriggerTimer {
		var busy []string
		c.held, busy = o.locks.tryLock(scope)
		if len(busy) > 0 {
			log.Debug(ctx, "skipping tanks busy in another cycle", logging.Any("tanks", busy))
		}
	} else {
		held, err := o.locks.lock(planCtx, scope)
		if err != nil {
			return o.abandon(ctx, c, start, span, fmt.Errorf("waiting for tanks %v: %w", scope, err))
		}
		c.held = held
	}
	defer func() { o.locks.unlock(c.held) }()
	c.rec.Tanks = c.held

	if len(c.held) == 0 {
		return o.finish(ctx, c, start, span, "skipped")
	}

	o.takeOverrides(ctx, c)
	o.assess(planCtx, c)
	if err := planCtx.Err(); err != nil {
		return o.abandon(ctx, c, start, span, fmt.Errorf("assessing risk: %w", err))
	}

	o.plan(ctx, c)
	if err := planCtx.Err(); err != nil {
		return o.abandon(ctx, c, start, span, fmt.Errorf("planning: %w", err))
	}
	cancel()
	o.releaseNonSources(c)

	o.raiseInfeasible(ctx, c)
	for _, plan := range append(append([]model.RedirectionPlan(nil), c.manual...), c.auto.Plans...) {
		o.dispatchPlan(ctx, c, plan)
	}
	o.raiseLevels(ctx, c)

	return o.finish(ctx, c, start, span, "ok")
}

// scope resolves the tanks a trigger covers. Triggers without tanks cover
// every topology tank with a known state.
func (o *Orchestrator) scope(trigger model.TriggerReason, c *cycle) []string {
	ids := trigger.Tanks()
	all := ids == nil
	if all {
		ids = c.topo.TankIDs()
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.topo.Tank(id); !ok {
			continue
		}
		if _, ok := c.states[id]; all && !ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) valvePositions(ctx context.Context) map[string]int {
	positions, err := o.Store.ValvePositions(ctx)
	if err != nil {
		logging.LoggerFromContext(ctx, o.Log).Warn(ctx, "valve positions unavailable, assuming closed", logging.Err(err))
		return map[string]int{}
	}
	if positions == nil {
		positions = map[string]int{}
	}
	return positions
}

// releaseNonSources drops the locks of held tanks that source no plan in this
// cycle, so cycles for those tanks can run while the plans are dispatched.
func (o *Orchestrator) releaseNonSources(c *cycle) {
	sources := make(map[string]struct{}, len(c.manual)+len(c.auto.Plans))
	for _, p := range c.manual {
		sources[p.SourceTank] = struct{}{}
	}
	for _, p := range c.auto.Plans {
		sources[p.SourceTank] = struct{}{}
	}
	keep := make([]string, 0, len(sources))
	var free []string
	for _, id := range c.held {
		if _, ok := sources[id]; ok {
			keep = append(keep, id)
		} else {
			free = append(free, id)
		}
	}
	o.locks.unlock(free)
	c.held = keep
}

// takeOverrides turns queued operator intents for held tanks into
// ManualOverride plans. An overridden source is not planned automatically in
// the same cycle, and its new valve target counts against main line ratings.
func (o *Orchestrator) takeOverrides(ctx context.Context, c *cycle) {
	c.position = o.valvePositions(ctx)
	if o.Signals == nil {
		return
	}
	held := make(map[string]struct{}, len(c.held))
	for _, id := range c.held {
		held[id] = struct{}{}
	}
	intents := o.Signals.TakeIntents(func(id string) bool {
		_, ok := held[id]
		return ok
	})
	log := logging.LoggerFromContext(ctx, o.Log)
	for _, in := range intents {
		plan, err := o.Planner.Override(in, planner.Input{
			States:         c.states,
			Topology:       c.topo,
			ValvePositions: c.position,
			Now:            o.Clock.Now(),
		})
		if err != nil {
			log.Warn(ctx, "manual override refused",
				logging.String("tank_id", in.TankID),
				logging.String("valve_id", in.ValveID),
				logging.String("issuer", in.Issuer),
				logging.Err(err))
			o.notify(ctx, alert.New(alert.KindInfeasible, model.AlertWarning, in.TankID,
				fmt.Sprintf("Manual override of valve %s refused: %v", in.ValveID, err), o.Clock.Now()))
			continue
		}
		// Later intents for the same valve supersede earlier ones.
		c.manual = replacePlanForValve(c.manual, plan)
		c.position[in.ValveID] = in.TargetPercent
	}
}

func replacePlanForValve(plans []model.RedirectionPlan, plan model.RedirectionPlan) []model.RedirectionPlan {
	valve := plan.Steps[0].ValveID
	for i, p := range plans {
		if p.Steps[0].ValveID == valve {
			plans[i] = plan
			return plans
		}
	}
	return append(plans, plan)
}

func (c *cycle) overridden(id string) bool {
	for _, p := range c.manual {
		if p.SourceTank == id {
			return true
		}
	}
	return false
}

// activeOverflow reports whether a tank belongs on the fast path.
func (o *Orchestrator) activeOverflow(id string, st model.TankState) bool {
	return st.LevelPercent >= o.cfg.CriticalLevelPercent || (o.Signals != nil && o.Signals.FastPath(id))
}

// assess builds the risk of every held tank: a synthetic certain overflow on
// the fast path, a forecast (or its fallback) otherwise.
func (o *Orchestrator) assess(ctx context.Context, c *cycle) {
	c.risks = make(map[string]model.RiskAssessment, len(c.held))
	now := o.Clock.Now()
	var forecastFor []string
	for _, id := range c.held {
		st, ok := c.states[id]
		if !ok || c.overridden(id) {
			continue
		}
		if o.activeOverflow(id, st) {
			c.risks[id] = model.RiskAssessment{
				TankID:              id,
				OverflowProbability: 1,
				HorizonMinutes:      1,
				Confidence:          1,
				GeneratedAt:         now,
				Origin:              model.RiskFromFastPath,
			}
			c.rec.FastPath = append(c.rec.FastPath, id)
			continue
		}
		forecastFor = append(forecastFor, id)
	}

	if len(forecastFor) > 0 {
		for id, r := range o.Forecast.AssessAll(ctx, forecastFor, o.Tanks.History) {
			c.risks[id] = r
			if r.Origin != model.RiskFromForecast {
				if c.rec.Fallbacks == nil {
					c.rec.Fallbacks = make(map[string]model.RiskOrigin)
				}
				c.rec.Fallbacks[id] = r.Origin
			}
		}
	}
	for _, r := range c.risks {
		o.Metrics.IncRiskOrigin(string(r.Origin))
	}
}

func (o *Orchestrator) plan(ctx context.Context, c *cycle) {
	_, span := observability.StartSpan(ctx, "planner.plan", "", attribute.Int("sources", len(c.risks)))
	in := planner.Input{
		States:         c.states,
		Risks:          c.risks,
		Topology:       c.topo,
		ValvePositions: c.position,
		Now:            o.Clock.Now(),
	}
	c.auto = o.Planner.Plan(in)
	span.SetAttributes(attribute.Int("plans", len(c.auto.Plans)), attribute.Int("infeasible", len(c.auto.Infeasible)))
	observability.EndSpan(span, nil)
}

func (o *Orchestrator) raiseInfeasible(ctx context.Context, c *cycle) {
	log := logging.LoggerFromContext(ctx, o.Log)
	threshold := o.Planner.Config().UrgencyThreshold
	for _, inf := range c.auto.Infeasible {
		c.rec.Infeasible = append(c.rec.Infeasible, inf.TankID)
		o.Metrics.IncInfeasible()
		log.Warn(ctx, "no feasible redirection",
			logging.String("tank_id", inf.TankID),
			logging.Float("urgency", inf.Urgency),
			logging.Bool("active", inf.Active),
			logging.String("reason", inf.Reason))

		kind := alert.KindInfeasible
		if inf.Active {
			kind = alert.KindActiveOverflow
		}
		msg := alert.LevelMessage(inf.TankID, c.states[inf.TankID].LevelPercent,
			fmt.Sprintf("No feasible redirection: %s.", inf.Reason))
		o.notify(ctx, alert.New(kind, alert.SeverityFor(inf.Urgency, threshold, inf.Active), inf.TankID, msg, o.Clock.Now()))
	}
}

// dispatchPlan issues plan unless it repeats the last confirmed targets for
// its source. The all-pending outcome is stored before the gateway is
// contacted so that a crash mid-dispatch is visible on restart.
func (o *Orchestrator) dispatchPlan(ctx context.Context, c *cycle, plan model.RedirectionPlan) {
	log := logging.LoggerFromContext(ctx, o.Log).With(
		logging.String("plan_id", plan.PlanID),
		logging.String("source_tank", plan.SourceTank))

	last, ok, err := o.Store.LastConfirmedPlanFor(ctx, plan.SourceTank)
	if err != nil {
		log.Warn(ctx, "last confirmed plan unavailable", logging.Err(err))
	}
	if ok && model.SameTargets(last, plan) {
		c.rec.Skipped = append(c.rec.Skipped, plan.SourceTank)
		o.Metrics.IncDeduplicated()
		log.Debug(ctx, "plan matches confirmed valve positions, not re-issued")
		return
	}

	o.Metrics.IncPlan(plan.Reason.String())
	persistCtx := context.WithoutCancel(ctx)
	if err := o.Store.AppendDispatchOutcome(persistCtx, plan, o.Dispatch.PendingOutcome(plan)); err != nil {
		log.Error(ctx, "failed to record pending dispatch", logging.Err(err))
	}
	out := o.Dispatch.Execute(ctx, plan)
	if err := o.Store.AppendDispatchOutcome(persistCtx, plan, out); err != nil {
		log.Error(ctx, "failed to record dispatch outcome", logging.Err(err))
	}

	c.rec.PlanIDs = append(c.rec.PlanIDs, plan.PlanID)
	if c.rec.Outcomes == nil {
		c.rec.Outcomes = make(map[string]model.DispatchStatus)
	}
	c.rec.Outcomes[plan.PlanID] = out.OverallStatus
	o.raiseOutcome(ctx, plan, out)
}

func (o *Orchestrator) raiseOutcome(ctx context.Context, plan model.RedirectionPlan, out model.DispatchOutcome) {
	active := plan.Reason == model.ReasonActiveOverflow
	var (
		kind alert.Kind
		sev  model.AlertLevel
	)
	switch out.OverallStatus {
	case model.DispatchPartialSuccess:
		kind, sev = alert.KindPartialSuccess, model.AlertWarning
		if active {
			sev = model.AlertCritical
		}
	case model.DispatchFailed:
		kind, sev = alert.KindDispatchFailed, model.AlertCritical
		if active {
			sev = model.AlertEmergency
		}
	default:
		return
	}
	confirmed := 0
	for _, cmd := range out.Commands {
		if cmd.Status == model.CommandConfirmed {
			confirmed++
		}
	}
	a := alert.New(kind, sev, plan.SourceTank,
		fmt.Sprintf("Redirection for %s %s: %d of %d valve commands confirmed.",
			plan.SourceTank, out.OverallStatus, confirmed, len(out.Commands)),
		o.Clock.Now())
	a.PlanID = plan.PlanID
	o.notify(ctx, a)
}

// raiseLevels reports covered tanks at or above the warning level. The
// notifier's rate limit keeps repeated cycles from flooding operators.
func (o *Orchestrator) raiseLevels(ctx context.Context, c *cycle) {
	for _, id := range c.rec.Tanks {
		st, ok := c.states[id]
		if !ok {
			continue
		}
		level := model.ClassifyLevel(st.LevelPercent)
		if level == model.AlertNormal {
			continue
		}
		o.notify(ctx, alert.New(alert.KindLevel, level, id,
			alert.LevelMessage(id, st.LevelPercent, alert.ActionFor(level)), o.Clock.Now()))
	}
}

func (o *Orchestrator) notify(ctx context.Context, a alert.Alert) {
	if o.Alerts != nil {
		o.Alerts.Notify(ctx, a)
	}
}

func (o *Orchestrator) abandon(ctx context.Context, c *cycle, start time.Time, span trace.Span, cause error) (model.CycleRecord, error) {
	c.rec.Abandoned = true
	err := fmt.Errorf("%w: %v", ErrCycleAbandoned, cause)
	logging.LoggerFromContext(ctx, o.Log).Warn(ctx, "cycle abandoned, last confirmed positions stand",
		logging.String("trigger", string(c.rec.Trigger)),
		logging.Duration("deadline", o.cfg.CycleDeadline),
		logging.Err(cause))
	covered := c.rec.Tanks
	if covered == nil {
		covered = c.scope
	}
	for _, id := range covered {
		st, ok := c.states[id]
		if !ok || !o.activeOverflow(id, st) {
			continue
		}
		o.notify(ctx, alert.New(alert.KindActiveOverflow, model.AlertEmergency, id,
			alert.LevelMessage(id, st.LevelPercent, "Decision cycle abandoned, no redirection issued."), o.Clock.Now()))
	}
	rec, _ := o.finish(ctx, c, start, nil, "abandoned")
	observability.EndSpan(span, err)
	return rec, err
}

func (o *Orchestrator) finish(ctx context.Context, c *cycle, start time.Time, span trace.Span, result string) (model.CycleRecord, error) {
	c.rec.CompletedAt = o.Clock.Now()
	sort.Strings(c.rec.FastPath)
	sort.Strings(c.rec.Infeasible)
	if err := o.Store.AppendCycleRecord(context.WithoutCancel(ctx), c.rec); err != nil {
		logging.LoggerFromContext(ctx, o.Log).Error(ctx, "failed to record cycle", logging.Err(err))
	}
	o.Metrics.ObserveCycle(string(c.rec.Trigger), result, time.Since(start))
	logging.LoggerFromContext(ctx, o.Log).Info(ctx, "cycle finished",
		logging.String("trigger", string(c.rec.Trigger)),
		logging.String("result", result),
		logging.Int("tanks", len(c.rec.Tanks)),
		logging.Int("plans", len(c.rec.PlanIDs)),
		logging.Int("skipped", len(c.rec.Skipped)),
		logging.Int("infeasible", len(c.rec.Infeasible)),
		logging.Duration("elapsed", time.Since(start)))
	if span != nil {
		observability.EndSpan(span, nil)
	}
	return c.rec, nil
}
