// Package health implements the agent health-check loop: a periodic GET
// {endpoint}/health against every registered agent, transitioning status
// toward online/degraded/offline and invalidating the router's capability
// cache on every transition so the next routing decision sees fresh
// candidates.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/robfig/cron/v3"

	"github.com/relaykit/orchestrate/internal/cache"
	"github.com/relaykit/orchestrate/internal/store"
)

const probeTimeout = 5 * time.Second

type probeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Checker probes every active agent's /health endpoint and reconciles its
// stored status.
type Checker struct {
	store *store.Store
	cache *cache.Cache
	http  *http.Client
	log   *slog.Logger
}

// New constructs a Checker. cache may be nil to skip invalidation.
func New(st *store.Store, c *cache.Cache, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store: st,
		cache: c,
		http:  cleanhttp.DefaultPooledClient(),
		log:   logger,
	}
}

// SweepOnce probes every active agent and applies the resulting status
// transition. Returns how many agents changed status.
func (c *Checker) SweepOnce(ctx context.Context) (int, error) {
	agents, err := c.store.ActiveAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active agents: %w", err)
	}

	transitions := 0
	for _, a := range agents {
		next := c.probe(ctx, a)
		if next == a.Status {
			continue
		}
		now := time.Now().UTC()
		if err := c.store.SetAgentStatus(ctx, a.AgentUUID, next, a.WSConnected, now); err != nil {
			c.log.Error("update agent status failed", "agent", a.AgentUUID, "error", err)
			continue
		}
		c.invalidateCapabilities(a.Capabilities)
		c.log.Info("agent health transition", "agent", a.AgentUUID, "from", a.Status, "to", next)
		transitions++
	}
	return transitions, nil
}

// probe returns the status the agent should transition to: a healthy
// 200 response brings it online; any other outcome degrades it, and an
// agent already degraded with a failing probe goes offline.
func (c *Checker) probe(ctx context.Context, a *store.Agent) string {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.EndpointURL+"/health", nil)
	if err != nil {
		return c.degrade(a.Status)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.degrade(a.Status)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.degrade(a.Status)
	}

	var body probeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return c.degrade(a.Status)
	}
	if body.Status == "healthy" {
		return store.AgentStatusOnline
	}
	return c.degrade(a.Status)
}

// degrade steps a failing agent one rung down: online -> degraded,
// degraded or offline -> offline.
func (c *Checker) degrade(current string) string {
	if current == store.AgentStatusOnline {
		return store.AgentStatusDegraded
	}
	return store.AgentStatusOffline
}

func (c *Checker) invalidateCapabilities(capabilities []string) {
	if c.cache == nil {
		return
	}
	for _, capability := range capabilities {
		c.cache.InvalidateCapability(capability)
	}
}

// StartSweeper registers a recurring SweepOnce job on the given cron
// schedule (e.g. "@every 15s") and starts the scheduler, returning a stop
// function for graceful shutdown.
func (c *Checker) StartSweeper(schedule string) (stop func(), err error) {
	cr := cron.New()
	if _, err := cr.AddFunc(schedule, func() {
		if n, err := c.SweepOnce(context.Background()); err != nil {
			c.log.Error("agent health sweep failed", "error", err)
		} else if n > 0 {
			c.log.Info("agent health sweep completed", "transitions", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule health sweep: %w", err)
	}
	cr.Start()
	return func() { <-cr.Stop().Done() }, nil
}
