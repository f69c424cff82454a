package forecast

import (
	"sync"
	"time"

	"github.com/signalsfoundry/overflow-control/model"
	"github.com/signalsfoundry/overflow-control/timectrl"
)

const defaultLastKnownTTL = 15 * time.Minute

// CacheRecorder counts last-known cache lookups by result (hit or miss).
type CacheRecorder interface {
	IncForecastCache(result string)
}

// LastKnownCache keeps the most recent successful assessment per tank for
// use when the predictor is unavailable.
type LastKnownCache struct {
	mu      sync.RWMutex
	entries map[string]model.RiskAssessment
	ttl     time.Duration
	clock   timectrl.Clock
	metrics CacheRecorder
}

// NewLastKnownCache creates a cache with the provided TTL; zero uses a default.
// metrics may be nil.
func NewLastKnownCache(ttl time.Duration, clock timectrl.Clock, metrics CacheRecorder) *LastKnownCache {
	if ttl <= 0 {
		ttl = defaultLastKnownTTL
	}
	if clock == nil {
		clock = timectrl.System{}
	}
	return &LastKnownCache{
		entries: make(map[string]model.RiskAssessment),
		ttl:     ttl,
		clock:   clock,
		metrics: metrics,
	}
}

// Get returns the cached assessment when it is not older than the TTL.
func (c *LastKnownCache) Get(tankID string) (model.RiskAssessment, bool) {
	if c == nil || tankID == "" {
		return model.RiskAssessment{}, false
	}
	c.mu.RLock()
	r, ok := c.entries[tankID]
	c.mu.RUnlock()
	if !ok || c.clock.Now().Sub(r.GeneratedAt) > c.ttl {
		c.record("miss")
		return model.RiskAssessment{}, false
	}
	c.record("hit")
	return r, true
}

// Put stores r as the latest assessment for its tank.
func (c *LastKnownCache) Put(r model.RiskAssessment) {
	if c == nil || r.TankID == "" {
		return
	}
	c.mu.Lock()
	c.entries[r.TankID] = r
	c.mu.Unlock()
}

func (c *LastKnownCache) record(result string) {
	if c.metrics != nil {
		c.metrics.IncForecastCache(result)
	}
}
