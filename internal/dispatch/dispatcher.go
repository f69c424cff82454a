// Package dispatch turns redirection plans into valve commands and drives
// them through the gateway.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/overflow-control/internal/gateway"
	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/observability"
	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

// Config tunes command timeouts, retries and fan-out.
type Config struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// MaxRetries is the number of attempts after the first one for
	// transient failures.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`
	// RetryBackoff is the wait before the first retry; each further retry
	// doubles it.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	FanOut       int           `yaml:"fan_out" validate:"gte=0"`
	// TolerancePercent is the allowed gap between requested and actual
	// position for an acknowledged command to count as confirmed.
	TolerancePercent int `yaml:"tolerance_percent" validate:"gte=0,lte=100"`
}

// ApplyDefaults fills zero values. MaxRetries and TolerancePercent keep an
// explicit zero when set negative beforehand.
func (c *Config) ApplyDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.FanOut <= 0 {
		c.FanOut = 4
	}
	if c.TolerancePercent == 0 {
		c.TolerancePercent = 2
	} else if c.TolerancePercent < 0 {
		c.TolerancePercent = 0
	}
}

// Dispatcher executes plans. It is the only component that creates or
// mutates ValveCommands, and it keeps at most one command per valve in
// flight.
type Dispatcher struct {
	cfg     Config
	gw      gateway.Gateway
	clock   timectrl.Clock
	log     logging.Logger
	metrics *observability.DispatchCollector

	mu       sync.Mutex
	inFlight map[string]string
}

// New constructs a Dispatcher. clock, log and metrics may be nil.
func New(cfg Config, gw gateway.Gateway, clock timectrl.Clock, log logging.Logger, metrics *observability.DispatchCollector) *Dispatcher {
	cfg.ApplyDefaults()
	if clock == nil {
		clock = timectrl.System{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Dispatcher{
		cfg:      cfg,
		gw:       gw,
		clock:    clock,
		log:      log,
		metrics:  metrics,
		inFlight: make(map[string]string),
	}
}

// PendingOutcome returns the outcome Execute starts from: one Pending
// command per plan step. Persisting it before Execute lets recovery detect
// commands interrupted by a crash.
func (d *Dispatcher) PendingOutcome(plan model.RedirectionPlan) model.DispatchOutcome {
	now := d.clock.Now()
	out := model.DispatchOutcome{
		PlanID:     plan.PlanID,
		SourceTank: plan.SourceTank,
		Reason:     plan.Reason,
		StartedAt:  now,
		Commands:   make([]model.ValveCommand, len(plan.Steps)),
	}
	for i, step := range plan.Steps {
		out.Commands[i] = model.ValveCommand{
			ValveID:          step.ValveID,
			PlanID:           plan.PlanID,
			RequestedPercent: step.TargetOpenPercent,
			IssuedAt:         now,
			Status:           model.CommandPending,
		}
	}
	return out
}

// Execute issues every step of plan concurrently, bounded by FanOut, and
// waits for each command to reach a terminal state. Partial failures are
// reported, never rolled back.
func (d *Dispatcher) Execute(ctx context.Context, plan model.RedirectionPlan) model.DispatchOutcome {
	ctx, span := observability.StartSpan(ctx, "dispatch.execute", plan.SourceTank,
		attribute.String("plan_id", plan.PlanID),
		attribute.Int("steps", len(plan.Steps)))
	log := logging.LoggerFromContext(ctx, d.log).With(
		logging.String("plan_id", plan.PlanID),
		logging.String("source_tank", plan.SourceTank))

	out := d.PendingOutcome(plan)

	var g errgroup.Group
	g.SetLimit(d.cfg.FanOut)
	for i := range out.Commands {
		cmd := &out.Commands[i]
		g.Go(func() error {
			d.run(ctx, cmd, log)
			return nil
		})
	}
	_ = g.Wait()

	out.OverallStatus = model.SummarizeCommands(out.Commands)
	out.CompletedAt = d.clock.Now()
	d.metrics.IncOutcome(out.OverallStatus.String())

	var err error
	if out.OverallStatus != model.DispatchSuccess {
		err = fmt.Errorf("dispatch %s: %s", plan.PlanID, out.OverallStatus)
		log.Warn(ctx, "plan dispatched with failures",
			logging.String("status", out.OverallStatus.String()),
			logging.Int("commands", len(out.Commands)))
	} else {
		log.Info(ctx, "plan dispatched", logging.Int("commands", len(out.Commands)))
	}
	observability.EndSpan(span, err)
	return out
}

// InFlight returns valve -> plan ID for commands currently being driven.
func (d *Dispatcher) InFlight() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.inFlight))
	for k, v := range d.inFlight {
		out[k] = v
	}
	return out
}

func (d *Dispatcher) acquire(valve, planID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[valve]; busy {
		return false
	}
	d.inFlight[valve] = planID
	return true
}

func (d *Dispatcher) release(valve string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, valve)
}

func (d *Dispatcher) run(ctx context.Context, cmd *model.ValveCommand, log logging.Logger) {
	log = log.With(logging.String("valve_id", cmd.ValveID), logging.Int("requested_percent", cmd.RequestedPercent))
	start := time.Now()

	if !d.acquire(cmd.ValveID, cmd.PlanID) {
		d.finish(cmd, model.CommandFailed, model.ErrValveBusy)
		d.metrics.IncBusy()
		d.metrics.ObserveCommand(cmd.Status.String(), time.Since(start))
		log.Warn(ctx, "valve busy, command rejected")
		return
	}
	defer d.release(cmd.ValveID)

	d.metrics.AddInFlight(1)
	defer d.metrics.AddInFlight(-1)

	ctx, span := observability.StartSpan(ctx, "dispatch.command", "",
		attribute.String("valve_id", cmd.ValveID),
		attribute.Int("requested_percent", cmd.RequestedPercent))

	err := d.drive(ctx, cmd, log)
	d.metrics.ObserveCommand(cmd.Status.String(), time.Since(start))
	observability.EndSpan(span, err)
}

// drive sends cmd until it reaches a terminal state.
func (d *Dispatcher) drive(ctx context.Context, cmd *model.ValveCommand, log logging.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d.metrics.IncRetries()
			backoff := d.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			log.Debug(ctx, "retrying valve command",
				logging.Int("attempt", attempt+1),
				logging.Duration("backoff", backoff),
				logging.Err(lastErr))
			if err := d.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}

		cmd.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
		resp, err := d.gw.SetValve(attemptCtx, gateway.Request{
			ValveID:       cmd.ValveID,
			TargetPercent: cmd.RequestedPercent,
			PlanID:        cmd.PlanID,
		})
		if err == nil && attemptCtx.Err() != nil {
			err = fmt.Errorf("%w: %v", model.ErrCommandTimedOut, attemptCtx.Err())
		}
		cancel()

		if err == nil {
			return d.settle(ctx, cmd, resp, log)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", model.ErrCommandTimedOut, err)
		}
		lastErr = err
		if ctx.Err() != nil || !transient(err) {
			break
		}
	}

	status := model.CommandFailed
	if errors.Is(lastErr, model.ErrCommandTimedOut) || errors.Is(lastErr, context.DeadlineExceeded) {
		status = model.CommandTimedOut
	}
	d.finish(cmd, status, lastErr)
	log.Warn(ctx, "valve command did not complete",
		logging.String("status", cmd.Status.String()),
		logging.Int("attempts", cmd.Attempts),
		logging.Err(lastErr))
	return lastErr
}

func (d *Dispatcher) settle(ctx context.Context, cmd *model.ValveCommand, resp gateway.Response, log logging.Logger) error {
	if resp.Status == gateway.StatusRejected {
		err := fmt.Errorf("%w: rejected by gateway: %s", model.ErrCommandFailed, resp.Message)
		d.finish(cmd, model.CommandFailed, err)
		log.Warn(ctx, "valve command rejected", logging.String("message", resp.Message))
		return err
	}

	_ = cmd.Transition(model.CommandAcknowledged)
	cmd.ActualPercent = resp.ActualPercent
	if gap := resp.ActualPercent - cmd.RequestedPercent; gap > d.cfg.TolerancePercent || -gap > d.cfg.TolerancePercent {
		err := fmt.Errorf("%w: valve settled at %d%%, requested %d%%", model.ErrCommandFailed, resp.ActualPercent, cmd.RequestedPercent)
		d.finish(cmd, model.CommandFailed, err)
		log.Warn(ctx, "valve position outside tolerance", logging.Int("actual_percent", resp.ActualPercent))
		return err
	}
	_ = cmd.Transition(model.CommandConfirmed)
	log.Debug(ctx, "valve command confirmed",
		logging.Int("actual_percent", resp.ActualPercent),
		logging.Int("attempts", cmd.Attempts))
	return nil
}

func (d *Dispatcher) finish(cmd *model.ValveCommand, status model.CommandStatus, err error) {
	if terr := cmd.Transition(status); terr != nil {
		d.log.Error(context.Background(), "illegal command transition",
			logging.String("valve_id", cmd.ValveID),
			logging.String("from", cmd.Status.String()),
			logging.String("to", status.String()))
	}
	if err != nil {
		cmd.Error = err.Error()
	}
}

func transient(err error) bool {
	return errors.Is(err, model.ErrGatewayUnreachable) ||
		errors.Is(err, model.ErrCommandTimedOut) ||
		errors.Is(err, context.DeadlineExceeded)
}

// sleep waits out a retry backoff on the dispatcher's clock.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(dur):
		return nil
	}
}
