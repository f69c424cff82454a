package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/overflow-control/internal/ingest"
	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/internal/perception"
	"github.com/signalsfoundry/overflow-control/model"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listTanks(c *gin.Context) {
	states := s.deps.Readings.Snapshot()
	out := make([]tankView, 0, len(states))
	for _, st := range states {
		out = append(out, newTankView(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, out)
}

func (s *Server) topology(c *gin.Context) {
	c.JSON(http.StatusOK, newTopologyView(s.deps.Topology.Snapshot(), s.deps.Readings.Snapshot()))
}

func (s *Server) listValves(c *gin.Context) {
	positions, err := s.deps.Store.ValvePositions(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, newValveViews(s.deps.Topology.Snapshot(), positions))
}

func (s *Server) listAlerts(c *gin.Context) {
	limit, err := s.limit(c)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, newAlertViews(s.deps.Alerts.Recent(limit)))
}

func (s *Server) listSignals(c *gin.Context) {
	active := s.deps.Perception.ActiveSignals()
	out := make([]signalView, 0, len(active))
	for _, sig := range active {
		out = append(out, signalView{TankID: sig.TankID, Type: sig.Type.String(), Severity: sig.Severity, Timestamp: sig.Timestamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TankID < out[j].TankID })
	c.JSON(http.StatusOK, out)
}

func (s *Server) lastPlan(c *gin.Context) {
	tankID := c.Param("tank")
	if _, ok := s.deps.Topology.Snapshot().Tank(tankID); !ok {
		abort(c, fmt.Errorf("tank %s: %w", tankID, model.ErrUnknownTank))
		return
	}
	plan, ok, err := s.deps.Store.LastConfirmedPlanFor(c.Request.Context(), tankID)
	if err != nil {
		abort(c, err)
		return
	}
	if !ok {
		abort(c, fmt.Errorf("no confirmed plan for tank %s: %w", tankID, errNotFound))
		return
	}
	c.JSON(http.StatusOK, newPlanView(plan))
}

func (s *Server) lastOutcome(c *gin.Context) {
	plan, outcome, ok, err := s.deps.Store.LastDispatchOutcome(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	if !ok {
		abort(c, fmt.Errorf("no dispatch recorded: %w", errNotFound))
		return
	}
	c.JSON(http.StatusOK, newOutcomeView(plan, outcome))
}

func (s *Server) listCycles(c *gin.Context) {
	limit, err := s.limit(c)
	if err != nil {
		abort(c, err)
		return
	}
	records, err := s.deps.Store.RecentCycles(c.Request.Context(), limit)
	if err != nil {
		abort(c, err)
		return
	}
	out := make([]cycleView, 0, len(records))
	for _, r := range records {
		out = append(out, newCycleView(r))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listOverrides(c *gin.Context) {
	pending := s.deps.Perception.PendingIntents()
	out := make([]intentView, 0, len(pending))
	for _, in := range pending {
		out = append(out, intentView(in))
	}
	c.JSON(http.StatusOK, out)
}

// postReading applies one telemetry reading. A repeat of the stored reading
// is accepted without effect.
func (s *Server) postReading(c *gin.Context) {
	var msg ingest.ReadingMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	r, err := msg.ToReading()
	if err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	st, err := s.deps.Readings.Ingest(c.Request.Context(), r)
	switch {
	case errors.Is(err, model.ErrDuplicateReading):
		c.JSON(http.StatusOK, gin.H{"duplicate": true, "state": newTankView(st)})
	case err != nil:
		abort(c, err)
	default:
		c.JSON(http.StatusAccepted, gin.H{"state": newTankView(st)})
	}
}

func (s *Server) postSignal(c *gin.Context) {
	var msg perception.SignalMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	sig, err := msg.ToSignal()
	if err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if _, ok := s.deps.Topology.Snapshot().Tank(sig.TankID); !ok {
		abort(c, fmt.Errorf("tank %s: %w", sig.TankID, model.ErrUnknownTank))
		return
	}
	if err := s.deps.Perception.Record(c.Request.Context(), sig); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// postOverride queues a manual valve intent. The valve must lead out of the
// named tank; the planner still validates capacity when the cycle runs.
func (s *Server) postOverride(c *gin.Context) {
	var msg perception.IntentMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	in, err := msg.ToIntent()
	if err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	topo := s.deps.Topology.Snapshot()
	if _, ok := topo.Tank(in.TankID); !ok {
		abort(c, fmt.Errorf("tank %s: %w", in.TankID, model.ErrUnknownTank))
		return
	}
	path, ok := topo.Path(in.ValveID)
	if !ok {
		abort(c, fmt.Errorf("valve %s: %w", in.ValveID, model.ErrUnknownValve))
		return
	}
	if path.From != in.TankID {
		abort(c, fmt.Errorf("valve %s drains %s, not %s: %w", in.ValveID, path.From, in.TankID, model.ErrInvalidInput))
		return
	}
	if in.DestinationTank == "" {
		in.DestinationTank = path.To
	} else if in.DestinationTank != path.To {
		abort(c, fmt.Errorf("valve %s leads to %s, not %s: %w", in.ValveID, path.To, in.DestinationTank, model.ErrInvalidInput))
		return
	}
	if in.Issuer == "" {
		in.Issuer = "api"
	}

	if err := s.deps.Perception.SubmitIntent(c.Request.Context(), in); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, intentView(in))
}

// postCycle requests an immediate full cycle. It answers 409 when one is
// already waiting in the queue.
func (s *Server) postCycle(c *gin.Context) {
	ctx := c.Request.Context()
	if !s.deps.Cycles.Trigger(model.TimerTrigger{At: s.deps.Clock.Now()}) {
		c.JSON(http.StatusConflict, gin.H{"error": "a full cycle is already queued"})
		return
	}
	logging.LoggerFromContext(ctx, s.deps.Log).Info(ctx, "on-demand cycle queued")
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (s *Server) limit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return s.cfg.RecentLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	return n, nil
}
