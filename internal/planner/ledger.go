package planner

import (
	"github.com/signalsfoundry/overflow-control/model"
)

// ledger tracks capacity handed out during one planning pass: remaining
// destination headroom in liters and percent-open committed per main line.
type ledger struct {
	headroom  map[string]float64
	lineUsage map[string]int
	committed map[string]int
}

func newLedger(in Input) *ledger {
	l := &ledger{
		headroom:  make(map[string]float64, len(in.Topology.Tanks)),
		lineUsage: make(map[string]int, len(in.Topology.MainLines)),
		committed: make(map[string]int, len(in.ValvePositions)),
	}
	for id, spec := range in.Topology.Tanks {
		st, ok := in.States[id]
		if !ok {
			continue
		}
		l.headroom[id] = spec.HeadroomLiters(st.LevelPercent)
	}
	for valve, pct := range in.ValvePositions {
		l.committed[valve] = pct
		if path, ok := in.Topology.Path(valve); ok && path.MainLine != "" {
			l.lineUsage[path.MainLine] += pct
		}
	}
	return l
}

// lineAvailable returns how far path's valve may open given the other valves
// on its main line. limited is false for paths without a main line.
func (l *ledger) lineAvailable(path model.ValvePath, topo model.Topology) (avail int, limited bool) {
	if path.MainLine == "" {
		return 0, false
	}
	line, ok := topo.MainLines[path.MainLine]
	if !ok {
		return 0, false
	}
	avail = line.RatedOpenPercent - (l.lineUsage[path.MainLine] - l.committed[path.ValveID])
	if avail < 0 {
		avail = 0
	}
	return avail, true
}

func (l *ledger) commit(path model.ValvePath, pct int, liters float64) {
	if path.MainLine != "" {
		l.lineUsage[path.MainLine] += pct - l.committed[path.ValveID]
	}
	l.committed[path.ValveID] = pct
	l.headroom[path.To] -= liters
	if l.headroom[path.To] < 0 {
		l.headroom[path.To] = 0
	}
}
