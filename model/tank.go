package model

import (
	"sort"
	"strings"
	"time"
)

// QualityFlag marks a water-quality or sensor-health condition reported
// alongside a level reading.
type QualityFlag uint8

const (
	// QualityTurbid indicates elevated turbidity at the tank inlet.
	QualityTurbid QualityFlag = 1 << iota
	// QualityContaminated indicates a contamination alarm from the site.
	QualityContaminated
	// QualitySensorStale is set by ingest when no fresh reading arrived
	// within the configured staleness window.
	QualitySensorStale
)

var qualityNames = map[QualityFlag]string{
	QualityTurbid:       "turbid",
	QualityContaminated: "contaminated",
	QualitySensorStale:  "sensor_stale",
}

// QualityFlags is a set of QualityFlag values.
type QualityFlags uint8

// Has reports whether f is present in the set.
func (q QualityFlags) Has(f QualityFlag) bool { return uint8(q)&uint8(f) != 0 }

// With returns the set with f added.
func (q QualityFlags) With(f QualityFlag) QualityFlags { return QualityFlags(uint8(q) | uint8(f)) }

// Names returns the flag names in stable order.
func (q QualityFlags) Names() []string {
	out := make([]string, 0, 3)
	for f, name := range qualityNames {
		if q.Has(f) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (q QualityFlags) String() string { return strings.Join(q.Names(), ",") }

// ParseQualityFlags converts wire names into a flag set. Unknown names are
// returned separately so callers can decide whether to reject them.
func ParseQualityFlags(names []string) (QualityFlags, []string) {
	var (
		set     QualityFlags
		unknown []string
	)
	for _, raw := range names {
		n := strings.ToLower(strings.TrimSpace(raw))
		matched := false
		for f, name := range qualityNames {
			if name == n {
				set = set.With(f)
				matched = true
				break
			}
		}
		if !matched && n != "" {
			unknown = append(unknown, raw)
		}
	}
	return set, unknown
}

// TankReading is a single telemetry sample as delivered by a sensor site.
type TankReading struct {
	TankID         string
	LevelPercent   float64
	FlowRateInLMin float64
	QualityFlags   QualityFlags
	Timestamp      time.Time
	Source         string
}

// TankState is the latest accepted view of a tank.
type TankState struct {
	ID             string
	LevelPercent   float64
	FlowRateInLMin float64
	// LastUpdated is strictly increasing per tank.
	LastUpdated  time.Time
	QualityFlags QualityFlags
	// Source identifies the sensor that produced the reading.
	Source string
}

// StateFromReading converts an accepted reading into the tank's state.
func StateFromReading(r TankReading) TankState {
	return TankState{
		ID:             r.TankID,
		LevelPercent:   r.LevelPercent,
		FlowRateInLMin: r.FlowRateInLMin,
		LastUpdated:    r.Timestamp,
		QualityFlags:   r.QualityFlags,
		Source:         r.Source,
	}
}

// AlertLevel is a coarse classification of a tank level.
type AlertLevel int

const (
	AlertNormal AlertLevel = iota
	AlertWarning
	AlertCritical
	AlertEmergency
)

// Level thresholds used by ClassifyLevel.
const (
	WarningLevelPercent   = 85.0
	CriticalLevelPercent  = 95.0
	EmergencyLevelPercent = 100.0
)

// ClassifyLevel maps a fill percentage onto an AlertLevel.
func ClassifyLevel(levelPercent float64) AlertLevel {
	switch {
	case levelPercent >= EmergencyLevelPercent:
		return AlertEmergency
	case levelPercent >= CriticalLevelPercent:
		return AlertCritical
	case levelPercent >= WarningLevelPercent:
		return AlertWarning
	default:
		return AlertNormal
	}
}

func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	case AlertEmergency:
		return "emergency"
	default:
		return "normal"
	}
}
