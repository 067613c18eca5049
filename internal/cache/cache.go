// Package cache wraps patrickmn/go-cache with typed key families for stage
// outputs, capability→agent lists, agent load counters, and per-agent
// response-time windows. Construction never fails; a nil/disabled cache
// degrades to a pass-through that always misses, since every caller in
// this codebase already falls back to the durable store on a miss.
package cache

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	stageOutputTTL  = time.Hour
	capabilityTTL   = 30 * time.Second
	responseTimeTTL = 2 * time.Hour

	maxResponseSamples = 20
)

// Cache holds stage output, capability routing, and agent-load state. The
// zero value is not usable; construct with New.
type Cache struct {
	store    *gocache.Cache
	loadMu   sync.Mutex
	loads    map[string]int
	disabled bool
}

// New constructs a Cache whose expired entries are cleaned up every 10
// minutes. Pass disabled=true to force pass-through-miss behavior: cache
// unavailability must never fail a request.
func New(disabled bool) *Cache {
	c := &Cache{
		loads:    make(map[string]int),
		disabled: disabled,
	}
	if !disabled {
		c.store = gocache.New(stageOutputTTL, 10*time.Minute)
	}
	return c
}

// Enabled reports whether this Cache actually caches, as opposed to a
// disabled pass-through. Callers that need a true "no cache configured"
// fallback path branch on this rather than on nilness.
func (c *Cache) Enabled() bool { return !c.disabled }

func stageKey(runID, stageID string) string { return fmt.Sprintf("stage:%s:%s", runID, stageID) }
func capKey(capability string) string       { return fmt.Sprintf("cap:%s", capability) }
func rtKey(agentID string) string           { return fmt.Sprintf("rt:%s", agentID) }

// SetStageOutput caches a stage's output, immutable once written, TTL 1h.
func (c *Cache) SetStageOutput(runID, stageID string, output any) {
	if c.disabled {
		return
	}
	c.store.Set(stageKey(runID, stageID), output, stageOutputTTL)
}

// GetStageOutput returns the cached output and whether it was present.
func (c *Cache) GetStageOutput(runID, stageID string) (any, bool) {
	if c.disabled {
		return nil, false
	}
	return c.store.Get(stageKey(runID, stageID))
}

// SetCapabilityAgents caches the candidate agent id list for a capability,
// TTL 30s. Callers invalidate on any agent status change via
// InvalidateCapability.
func (c *Cache) SetCapabilityAgents(capability string, agentIDs []string) {
	if c.disabled {
		return
	}
	c.store.Set(capKey(capability), agentIDs, capabilityTTL)
}

// GetCapabilityAgents returns the cached candidate list, if present.
func (c *Cache) GetCapabilityAgents(capability string) ([]string, bool) {
	if c.disabled {
		return nil, false
	}
	v, ok := c.store.Get(capKey(capability))
	if !ok {
		return nil, false
	}
	ids, ok := v.([]string)
	return ids, ok
}

// InvalidateCapability drops the cached candidate list for a capability.
func (c *Cache) InvalidateCapability(capability string) {
	if c.disabled {
		return
	}
	c.store.Delete(capKey(capability))
}

// IncrLoad increments an agent's in-flight dispatch counter before dispatch,
// clamped at max int to guard against overflow.
func (c *Cache) IncrLoad(agentID string) int {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	n := c.loads[agentID] + 1
	if n < 0 { // overflow wrapped negative
		n = int(^uint(0) >> 1)
	}
	c.loads[agentID] = n
	return n
}

// DecrLoad decrements the counter after dispatch completes (success or
// failure), clamped at zero.
func (c *Cache) DecrLoad(agentID string) int {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	n := c.loads[agentID] - 1
	if n < 0 {
		n = 0
	}
	c.loads[agentID] = n
	return n
}

// Load returns an agent's current in-flight dispatch count.
func (c *Cache) Load(agentID string) int {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.loads[agentID]
}

// RecordResponseTime appends a sample to the agent's rolling response-time
// window, bounded to the most recent 20 samples, TTL 2h.
func (c *Cache) RecordResponseTime(agentID string, ms float64) {
	if c.disabled {
		return
	}
	samples, _ := c.responseSamples(agentID)
	samples = append(samples, ms)
	if len(samples) > maxResponseSamples {
		samples = samples[len(samples)-maxResponseSamples:]
	}
	c.store.Set(rtKey(agentID), samples, responseTimeTTL)
}

// MeanResponseTime returns the agent's mean sample and whether any samples
// exist. Router falls back to max_rt across candidates when false.
func (c *Cache) MeanResponseTime(agentID string) (float64, bool) {
	samples, ok := c.responseSamples(agentID)
	if !ok || len(samples) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples)), true
}

func (c *Cache) responseSamples(agentID string) ([]float64, bool) {
	if c.disabled {
		return nil, false
	}
	v, ok := c.store.Get(rtKey(agentID))
	if !ok {
		return nil, false
	}
	samples, ok := v.([]float64)
	return samples, ok
}
