package api

import (
	"sort"
	"time"

	"github.com/signalsfoundry/overflow-control/internal/alert"
	"github.com/signalsfoundry/overflow-control/model"
)

type tankView struct {
	ID             string    `json:"id"`
	LevelPercent   float64   `json:"levelPercent"`
	FlowRateInLMin float64   `json:"flowRateInLMin"`
	AlertLevel     string    `json:"alertLevel"`
	QualityFlags   []string  `json:"qualityFlags,omitempty"`
	LastUpdated    time.Time `json:"lastUpdated"`
	Source         string    `json:"source,omitempty"`
}

func newTankView(s model.TankState) tankView {
	return tankView{
		ID:             s.ID,
		LevelPercent:   s.LevelPercent,
		FlowRateInLMin: s.FlowRateInLMin,
		AlertLevel:     model.ClassifyLevel(s.LevelPercent).String(),
		QualityFlags:   s.QualityFlags.Names(),
		LastUpdated:    s.LastUpdated,
		Source:         s.Source,
	}
}

type capacityView struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name,omitempty"`
	Class                string   `json:"class"`
	CapacityLiters       float64  `json:"capacityLiters"`
	RiskThresholdPercent float64  `json:"riskThresholdPercent"`
	LevelPercent         *float64 `json:"levelPercent,omitempty"`
	HeadroomLiters       *float64 `json:"headroomLiters,omitempty"`
}

type pathView struct {
	ValveID     string  `json:"valveId"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	MaxFlowLMin float64 `json:"maxFlowLMin"`
	MainLine    string  `json:"mainLine,omitempty"`
}

type topologyView struct {
	Tanks     []capacityView `json:"tanks"`
	Paths     []pathView     `json:"paths"`
	MainLines map[string]int `json:"mainLines"`
}

// newTopologyView lists capacity per tank. Headroom is only reported for
// tanks with a known level.
func newTopologyView(topo model.Topology, states map[string]model.TankState) topologyView {
	v := topologyView{MainLines: make(map[string]int, len(topo.MainLines))}
	for _, id := range topo.TankIDs() {
		spec := topo.Tanks[id]
		cv := capacityView{
			ID:                   spec.ID,
			Name:                 spec.Name,
			Class:                string(spec.Class),
			CapacityLiters:       spec.CapacityLiters,
			RiskThresholdPercent: spec.RiskThresholdPercent,
		}
		if st, ok := states[id]; ok {
			level := st.LevelPercent
			headroom := spec.HeadroomLiters(level)
			cv.LevelPercent, cv.HeadroomLiters = &level, &headroom
		}
		v.Tanks = append(v.Tanks, cv)
	}
	for _, p := range topo.Paths {
		v.Paths = append(v.Paths, pathView{ValveID: p.ValveID, From: p.From, To: p.To, MaxFlowLMin: p.MaxFlowLMin, MainLine: p.MainLine})
	}
	for id, line := range topo.MainLines {
		v.MainLines[id] = line.RatedOpenPercent
	}
	return v
}

type valveView struct {
	pathView
	// OpenPercent is the last confirmed position; nil when never confirmed.
	OpenPercent *int `json:"openPercent"`
}

func newValveViews(topo model.Topology, positions map[string]int) []valveView {
	out := make([]valveView, 0, len(topo.Paths))
	for _, p := range topo.Paths {
		v := valveView{pathView: pathView{ValveID: p.ValveID, From: p.From, To: p.To, MaxFlowLMin: p.MaxFlowLMin, MainLine: p.MainLine}}
		if pos, ok := positions[p.ValveID]; ok {
			v.OpenPercent = &pos
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValveID < out[j].ValveID })
	return out
}

type stepView struct {
	DestinationTank   string  `json:"destinationTank"`
	ValveID           string  `json:"valveId"`
	TargetOpenPercent int     `json:"targetOpenPercent"`
	AllocatedFlowLMin float64 `json:"allocatedFlowLMin"`
}

type planView struct {
	PlanID     string     `json:"planId"`
	SourceTank string     `json:"sourceTank"`
	Reason     string     `json:"reason"`
	Steps      []stepView `json:"steps"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func newPlanView(p model.RedirectionPlan) planView {
	v := planView{PlanID: p.PlanID, SourceTank: p.SourceTank, Reason: p.Reason.String(), CreatedAt: p.CreatedAt, Steps: []stepView{}}
	for _, s := range p.Steps {
		v.Steps = append(v.Steps, stepView(s))
	}
	return v
}

type commandView struct {
	ValveID          string    `json:"valveId"`
	RequestedPercent int       `json:"requestedPercent"`
	ActualPercent    int       `json:"actualPercent"`
	Status           string    `json:"status"`
	Attempts         int       `json:"attempts"`
	IssuedAt         time.Time `json:"issuedAt"`
	Error            string    `json:"error,omitempty"`
}

type outcomeView struct {
	Plan          planView      `json:"plan"`
	OverallStatus string        `json:"overallStatus"`
	Commands      []commandView `json:"commands"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   time.Time     `json:"completedAt"`
}

func newOutcomeView(p model.RedirectionPlan, o model.DispatchOutcome) outcomeView {
	v := outcomeView{
		Plan:          newPlanView(p),
		OverallStatus: o.OverallStatus.String(),
		Commands:      make([]commandView, 0, len(o.Commands)),
		StartedAt:     o.StartedAt,
		CompletedAt:   o.CompletedAt,
	}
	for _, c := range o.Commands {
		v.Commands = append(v.Commands, commandView{
			ValveID:          c.ValveID,
			RequestedPercent: c.RequestedPercent,
			ActualPercent:    c.ActualPercent,
			Status:           c.Status.String(),
			Attempts:         c.Attempts,
			IssuedAt:         c.IssuedAt,
			Error:            c.Error,
		})
	}
	return v
}

type cycleView struct {
	CycleID     string            `json:"cycleId"`
	Trigger     string            `json:"trigger"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
	Tanks       []string          `json:"tanks"`
	FastPath    []string          `json:"fastPath,omitempty"`
	Fallbacks   map[string]string `json:"fallbacks,omitempty"`
	PlanIDs     []string          `json:"planIds,omitempty"`
	Skipped     []string          `json:"skipped,omitempty"`
	Infeasible  []string          `json:"infeasible,omitempty"`
	Outcomes    map[string]string `json:"outcomes,omitempty"`
	Abandoned   bool              `json:"abandoned"`
}

func newCycleView(r model.CycleRecord) cycleView {
	v := cycleView{
		CycleID:     r.CycleID,
		Trigger:     string(r.Trigger),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Tanks:       r.Tanks,
		FastPath:    r.FastPath,
		PlanIDs:     r.PlanIDs,
		Skipped:     r.Skipped,
		Infeasible:  r.Infeasible,
		Abandoned:   r.Abandoned,
	}
	if len(r.Fallbacks) > 0 {
		v.Fallbacks = make(map[string]string, len(r.Fallbacks))
		for id, origin := range r.Fallbacks {
			v.Fallbacks[id] = string(origin)
		}
	}
	if len(r.Outcomes) > 0 {
		v.Outcomes = make(map[string]string, len(r.Outcomes))
		for id, st := range r.Outcomes {
			v.Outcomes[id] = st.String()
		}
	}
	return v
}

type signalView struct {
	TankID    string    `json:"tankId"`
	Type      string    `json:"signalType"`
	Severity  float64   `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

type intentView struct {
	TankID          string    `json:"tankId"`
	ValveID         string    `json:"valveId"`
	DestinationTank string    `json:"destinationTank,omitempty"`
	TargetPercent   int       `json:"targetPercent"`
	Issuer          string    `json:"issuer,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func newAlertViews(alerts []alert.Alert) []alert.Wire {
	out := make([]alert.Wire, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.ToWire())
	}
	return out
}
