// Package router implements a multi-factor scoring function over
// candidate agents for a requested capability, with an optional
// capability cache in front of the durable candidate query.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/relaykit/orchestrate/internal/cache"
	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/pkg/observability"
)

const defaultMaxRTMs = 5000

// Scored pairs a candidate agent with its computed score and current load.
type Scored struct {
	Agent        *store.Agent
	Score        float64
	CurrentTasks int
}

// Router selects an agent for a capability using weighted scoring.
type Router struct {
	store   *store.Store
	cache   *cache.Cache
	logger  *slog.Logger
	rand    *rand.Rand
	metrics *observability.Metrics
}

// New builds a Router. cache may be nil (or a disabled cache.Cache),
// in which case selection falls back to candidate order by
// max_concurrent DESC.
func New(st *store.Store, c *cache.Cache, logger *slog.Logger) *Router {
	return &Router{store: st, cache: c, logger: logger, rand: rand.New(rand.NewSource(1))}
}

// SetMetrics attaches a Prometheus recorder for agent selections. A nil
// metrics value (the default) makes every recording a no-op.
func (r *Router) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

// SelectAgent runs the candidate query, canary-aware version
// selection, scoring, and selection-among-candidates-with-capacity.
func (r *Router) SelectAgent(ctx context.Context, capability string, exclude []string) (*store.Agent, float64, error) {
	candidates, err := r.candidates(ctx, capability, exclude)
	if err != nil {
		return nil, 0, fmt.Errorf("load candidates: %w", err)
	}
	if len(candidates) == 0 {
		r.metrics.RecordRouterNoAgent(capability)
		return nil, 0, nil
	}

	candidates = r.resolveCanaryVersions(ctx, candidates)

	var agent *store.Agent
	var score float64
	if r.cache == nil || !r.cache.Enabled() {
		agent, score, err = r.selectWithoutScoring(candidates)
	} else {
		agent, score, err = r.selectByScore(candidates)
	}
	if err != nil {
		return nil, 0, err
	}
	if agent == nil {
		r.metrics.RecordRouterNoAgent(capability)
		return nil, 0, nil
	}
	r.metrics.RecordRouterSelection(capability)
	return agent, score, nil
}

// candidates resolves the capability cache (only consulted when no
// exclude list is given), falling back to the durable store on
// miss and populating the cache.
func (r *Router) candidates(ctx context.Context, capability string, exclude []string) ([]*store.Agent, error) {
	cacheUsable := r.cache != nil && r.cache.Enabled()
	if cacheUsable && len(exclude) == 0 {
		if ids, ok := r.cache.GetCapabilityAgents(capability); ok {
			out := make([]*store.Agent, 0, len(ids))
			for _, id := range ids {
				a, err := r.store.GetAgent(ctx, id)
				if err == nil {
					out = append(out, a)
				}
			}
			return out, nil
		}
	}

	agents, err := r.store.CandidateAgentsForCapability(ctx, capability, exclude)
	if err != nil {
		return nil, err
	}
	if cacheUsable && len(exclude) == 0 {
		ids := make([]string, len(agents))
		for i, a := range agents {
			ids[i] = a.AgentUUID
		}
		r.cache.SetCapabilityAgents(capability, ids)
	}
	return agents, nil
}

// resolveCanaryVersions performs the weighted-random traffic split among
// an agent's {active, canary} versions at candidate-selection time, the
// resolved Open Question on canary routing: the chosen version's endpoint
// and capability set override the base agent's for this selection round.
func (r *Router) resolveCanaryVersions(ctx context.Context, candidates []*store.Agent) []*store.Agent {
	out := make([]*store.Agent, len(candidates))
	copy(out, candidates)

	for i, a := range out {
		versions, err := r.store.RoutableVersionsForAgent(ctx, a.AgentUUID)
		if err != nil || len(versions) == 0 {
			continue
		}
		chosen := weightedPick(r.rand, versions)
		if chosen == nil {
			continue
		}
		clone := *a
		clone.EndpointURL = chosen.Endpoint
		clone.Capabilities = chosen.Capabilities
		out[i] = &clone
	}
	return out
}

func weightedPick(rnd *rand.Rand, versions []*store.AgentVersion) *store.AgentVersion {
	total := 0
	for _, v := range versions {
		total += v.TrafficPercent
	}
	if total <= 0 {
		return versions[0]
	}
	target := rnd.Intn(total)
	cursor := 0
	for _, v := range versions {
		cursor += v.TrafficPercent
		if target < cursor {
			return v
		}
	}
	return versions[len(versions)-1]
}

// selectByScore computes the weighted score for every candidate and
// returns the highest-scoring one with spare capacity. Equal scores are
// ordered by max_concurrent DESC.
func (r *Router) selectByScore(candidates []*store.Agent) (*store.Agent, float64, error) {
	maxRT := r.maxResponseTime(candidates)

	scored := make([]Scored, 0, len(candidates))
	for _, a := range candidates {
		current := r.cache.Load(a.AgentUUID)
		scored = append(scored, Scored{
			Agent:        a,
			Score:        r.score(a, current, maxRT),
			CurrentTasks: current,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Agent.MaxConcurrent > scored[j].Agent.MaxConcurrent
	})

	for _, s := range scored {
		if s.CurrentTasks < s.Agent.MaxConcurrent {
			return s.Agent, s.Score, nil
		}
	}
	return nil, 0, nil
}

// selectWithoutScoring is the no-cache fallback: candidate order by
// max_concurrent DESC, return the first.
func (r *Router) selectWithoutScoring(candidates []*store.Agent) (*store.Agent, float64, error) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].MaxConcurrent > candidates[j].MaxConcurrent })
	if len(candidates) == 0 {
		return nil, 0, nil
	}
	return candidates[0], 0, nil
}

func (r *Router) maxResponseTime(candidates []*store.Agent) float64 {
	max := 0.0
	anySample := false
	for _, a := range candidates {
		if mean, ok := r.cache.MeanResponseTime(a.AgentUUID); ok {
			anySample = true
			if mean > max {
				max = mean
			}
		}
	}
	if !anySample || max == 0 {
		return defaultMaxRTMs
	}
	return max
}

func (r *Router) score(a *store.Agent, currentTasks int, maxRT float64) float64 {
	capacity := 0.0
	if a.MaxConcurrent > 0 {
		capacity = 100 * float64(a.MaxConcurrent-currentTasks) / float64(a.MaxConcurrent)
	}

	effectiveRT := maxRT
	if mean, ok := r.cache.MeanResponseTime(a.AgentUUID); ok {
		effectiveRT = mean
	}
	responseTime := 100 * (1 - effectiveRT/maxRT)

	health := 0.0
	switch a.Status {
	case store.AgentStatusOnline:
		health = 100
	case store.AgentStatusDegraded:
		health = 40
	case store.AgentStatusOffline:
		health = 0
	}

	recency := 100 - 20*float64(currentTasks)
	if recency < 0 {
		recency = 0
	}

	score := 0.4*capacity + 0.3*responseTime + 0.2*health + 0.1*recency
	return roundTo2(score)
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
