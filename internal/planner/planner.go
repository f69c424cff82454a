// Package planner turns tank states and overflow risk into redirection plans.
// Planning is a pure function of its Input: it performs no I/O and identical
// inputs yield identical results, plan IDs included.
package planner

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/overflow-control/model"
)

// Config holds the tunable urgency and allocation constants.
type Config struct {
	// UrgencyThreshold is the score above which a source is planned for.
	UrgencyThreshold float64 `yaml:"urgency_threshold" validate:"gte=0"`
	// TargetLevelPercent is the level a source is drained towards.
	TargetLevelPercent float64 `yaml:"target_level_percent" validate:"gte=0,lte=100"`
	// DrainWindowMinutes is the period over which excess volume is moved.
	DrainWindowMinutes float64 `yaml:"drain_window_minutes" validate:"gte=0"`
	// MinCoverage is the smallest share of predicted excess that is
	// redirected regardless of forecast confidence.
	MinCoverage float64 `yaml:"min_coverage" validate:"gte=0,lte=1"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.UrgencyThreshold == 0 {
		c.UrgencyThreshold = 1.0
	}
	if c.TargetLevelPercent == 0 {
		c.TargetLevelPercent = 70
	}
	if c.DrainWindowMinutes == 0 {
		c.DrainWindowMinutes = 30
	}
	if c.MinCoverage == 0 {
		c.MinCoverage = 0.5
	}
}

// Input is everything a planning pass looks at.
type Input struct {
	States   map[string]model.TankState
	Risks    map[string]model.RiskAssessment
	Topology model.Topology
	// ValvePositions holds the last confirmed percent-open per valve.
	ValvePositions map[string]int
	Now            time.Time
}

// Result is the output of a planning pass. Plans are ordered by urgency,
// highest first.
type Result struct {
	Plans      []model.RedirectionPlan
	Infeasible []model.Infeasibility
}

// Planner builds redirection plans.
type Planner struct {
	cfg Config
}

// New returns a Planner using cfg with defaults applied.
func New(cfg Config) *Planner {
	cfg.ApplyDefaults()
	return &Planner{cfg: cfg}
}

// Config returns the effective configuration.
func (p *Planner) Config() Config { return p.cfg }

type source struct {
	spec    model.TankSpec
	state   model.TankState
	risk    model.RiskAssessment
	urgency float64
}

// UrgentSources returns the tank IDs whose urgency exceeds the threshold, in
// planning order.
func (p *Planner) UrgentSources(in Input) []string {
	srcs := p.rank(in)
	ids := make([]string, len(srcs))
	for i, s := range srcs {
		ids[i] = s.spec.ID
	}
	return ids
}

func (p *Planner) rank(in Input) []source {
	var out []source
	for id, risk := range in.Risks {
		spec, ok := in.Topology.Tank(id)
		if !ok {
			continue
		}
		st, ok := in.States[id]
		if !ok {
			continue
		}
		u := model.Urgency(risk, st.LevelPercent)
		if u <= p.cfg.UrgencyThreshold {
			continue
		}
		out = append(out, source{spec: spec, state: st, risk: risk, urgency: u})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.urgency != b.urgency {
			return a.urgency > b.urgency
		}
		if a.risk.Confidence != b.risk.Confidence {
			return a.risk.Confidence < b.risk.Confidence
		}
		return a.spec.ID < b.spec.ID
	})
	return out
}

// Plan ranks urgent sources and greedily allocates destination headroom and
// main line capacity to them.
func (p *Planner) Plan(in Input) Result {
	var res Result
	srcs := p.rank(in)
	if len(srcs) == 0 {
		return res
	}

	urgent := make(map[string]struct{}, len(srcs))
	for _, s := range srcs {
		urgent[s.spec.ID] = struct{}{}
	}
	ledger := newLedger(in)

	for _, src := range srcs {
		required := p.requiredFlow(src)
		if required <= 0 {
			continue
		}
		steps := p.allocate(src, required, urgent, ledger, in.Topology)
		if len(steps) == 0 {
			res.Infeasible = append(res.Infeasible, model.Infeasibility{
				TankID:  src.spec.ID,
				Urgency: src.urgency,
				Active:  src.risk.Active(),
				Reason:  infeasibleReason(src.spec.ID, in.Topology, urgent),
			})
			continue
		}
		reason := model.ReasonPredictedOverflow
		if src.risk.Active() {
			reason = model.ReasonActiveOverflow
		}
		plan := model.RedirectionPlan{
			SourceTank: src.spec.ID,
			Steps:      steps,
			Reason:     reason,
			CreatedAt:  in.Now,
		}
		plan.PlanID = PlanID(plan)
		res.Plans = append(res.Plans, plan)
	}
	return res
}

// requiredFlow converts a source's predicted excess volume into the flow in
// L/min that must leave it over the drain window.
func (p *Planner) requiredFlow(src source) float64 {
	horizon := math.Max(src.risk.HorizonMinutes, 1)
	excess := math.Max(0, src.state.LevelPercent-p.cfg.TargetLevelPercent) / 100 * src.spec.CapacityLiters
	excess += src.risk.OverflowProbability * src.state.FlowRateInLMin * horizon
	if !src.risk.Active() {
		excess *= math.Max(p.cfg.MinCoverage, src.risk.Confidence)
	}
	flow := excess / p.cfg.DrainWindowMinutes
	if limit := src.spec.OutflowCapacityLMin; limit > 0 && flow > limit {
		flow = limit
	}
	return flow
}

func (p *Planner) allocate(src source, required float64, urgent map[string]struct{}, l *ledger, topo model.Topology) []model.PlanStep {
	paths := p.destinations(src.spec.ID, urgent, l, topo)
	var steps []model.PlanStep
	remaining := required
	for _, path := range paths {
		if remaining <= flowEpsilon {
			break
		}
		flow := math.Min(path.MaxFlowLMin, l.headroom[path.To]/p.cfg.DrainWindowMinutes)
		flow = math.Min(flow, remaining)
		pct := percentFor(flow, path.MaxFlowLMin)
		if avail, limited := l.lineAvailable(path, topo); limited && pct > avail {
			pct = avail
		}
		if pct <= 0 {
			continue
		}
		flow = float64(pct) / 100 * path.MaxFlowLMin
		l.commit(path, pct, flow*p.cfg.DrainWindowMinutes)
		remaining -= flow
		steps = append(steps, model.PlanStep{
			DestinationTank:   path.To,
			ValveID:           path.ValveID,
			TargetOpenPercent: pct,
			AllocatedFlowLMin: flow,
		})
	}
	return steps
}

// destinations returns the usable paths out of source: drain class last,
// otherwise by remaining headroom, class priority and tank ID.
func (p *Planner) destinations(sourceID string, urgent map[string]struct{}, l *ledger, topo model.Topology) []model.ValvePath {
	var out []model.ValvePath
	for _, path := range topo.PathsFrom(sourceID) {
		if _, busy := urgent[path.To]; busy {
			continue
		}
		if l.headroom[path.To] <= 0 {
			continue
		}
		out = append(out, path)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := topo.Tank(out[i].To)
		b, _ := topo.Tank(out[j].To)
		aDrain, bDrain := a.Class == model.ClassDrain, b.Class == model.ClassDrain
		if aDrain != bDrain {
			return bDrain
		}
		ha, hb := l.headroom[out[i].To], l.headroom[out[j].To]
		if ha != hb {
			return ha > hb
		}
		if a.Class.Priority() != b.Class.Priority() {
			return a.Class.Priority() < b.Class.Priority()
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].ValveID < out[j].ValveID
	})
	return out
}

func infeasibleReason(id string, topo model.Topology, urgent map[string]struct{}) string {
	paths := topo.PathsFrom(id)
	if len(paths) == 0 {
		return "no valve path leaves the tank"
	}
	allUrgent := true
	for _, p := range paths {
		if _, ok := urgent[p.To]; !ok {
			allUrgent = false
			break
		}
	}
	if allUrgent {
		return "every destination is itself at risk"
	}
	return "no destination headroom or main line capacity left"
}

const flowEpsilon = 1e-9

// percentFor floors flow as a share of maxFlow to a whole percent.
func percentFor(flow, maxFlow float64) int {
	if maxFlow <= 0 || flow <= 0 {
		return 0
	}
	pct := int(math.Floor(flow/maxFlow*100 + flowEpsilon))
	if pct > 100 {
		pct = 100
	}
	return pct
}

var planNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:overflow-control:plan"))

// PlanID derives a stable identifier from the plan's content.
func PlanID(plan model.RedirectionPlan) string {
	var b strings.Builder
	b.WriteString(plan.SourceTank)
	b.WriteByte('|')
	b.WriteString(plan.Reason.String())
	b.WriteByte('|')
	b.WriteString(plan.CreatedAt.UTC().Format(time.RFC3339Nano))
	for _, s := range plan.Steps {
		fmt.Fprintf(&b, "|%s>%s@%d:%s", s.ValveID, s.DestinationTank, s.TargetOpenPercent,
			strconv.FormatFloat(s.AllocatedFlowLMin, 'g', -1, 64))
	}
	return uuid.NewSHA1(planNamespace, []byte(b.String())).String()
}
