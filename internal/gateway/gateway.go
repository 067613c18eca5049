// Package gateway implements the persistent agent stream: a websocket
// connection per agent_uuid with single-connection takeover, heartbeat
// liveness, and bus-channel subscription.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/pkg/observability"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 45 * time.Second
)

// Protocol close codes, in the application-defined 4000-4999 range.
const (
	CloseAuthFailed       = 4001
	CloseAgentNotFound    = 4002
	CloseReplaced         = 4003
	CloseHeartbeatTimeout = 4004
	CloseInitFailed       = 4005
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is the wire envelope for both inbound and outbound messages.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Store is the subset of internal/store the gateway needs, narrowed so
// tests can supply a fake.
type Store interface {
	GetAgent(ctx context.Context, agentUUID string) (*store.Agent, error)
	SetAgentStatus(ctx context.Context, agentUUID, status string, wsConnected bool, heartbeat time.Time) error
}

// connection tracks one agent's live socket and its extra subscriptions.
type connection struct {
	agentUUID string
	teamUUID  string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	subs      []int // bus subscription ids to unsubscribe on close
	lastSeen  time.Time
	mu        sync.Mutex
	closed    chan struct{}
}

// Gateway holds the registration table, keyed by agent_uuid, guarded by a
// single mutex enforcing takeover-then-subscribe ordering.
type Gateway struct {
	mu      sync.Mutex
	conns   map[string]*connection
	store   Store
	bus     *bus.Bus
	log     *slog.Logger
	metrics *observability.Metrics
}

// New constructs a Gateway.
func New(st Store, b *bus.Bus, logger *slog.Logger) *Gateway {
	return &Gateway{conns: make(map[string]*connection), store: st, bus: b, log: logger}
}

// SetMetrics attaches a Prometheus recorder for connection counts and
// disconnect reasons. A nil metrics value (the default) makes every
// recording a no-op.
func (g *Gateway) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

// connCount returns the current number of registered connections. Callers
// must not hold g.mu.
func (g *Gateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Upgrade promotes the HTTP request to a websocket connection, before any
// agent-specific validation (auth, agent lookup) has run. Callers that
// need to reject a connection for a reason only known before
// HandleConnect — an invalid bearer token, say — should call Upgrade
// themselves and use RejectConnection on failure.
func (g *Gateway) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// RejectConnection sends a protocol close frame with the given code and
// reason over an already-upgraded connection, then closes it. Used for
// failures only detectable after the websocket handshake has completed,
// since a real close code cannot be sent any earlier.
func RejectConnection(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// HandleConnect finishes registering an already-upgraded connection:
// looks up the agent, enforces the single-connection invariant, and runs
// the connection's read/heartbeat loop until close.
func (g *Gateway) HandleConnect(ctx context.Context, wsConn *websocket.Conn, agentUUID string) error {
	agent, err := g.store.GetAgent(ctx, agentUUID)
	if err != nil {
		code := CloseInitFailed
		reason := "agent lookup failed"
		if err == store.ErrNotFound {
			code, reason = CloseAgentNotFound, "agent not found"
		}
		RejectConnection(wsConn, code, reason)
		return fmt.Errorf("lookup agent: %w", err)
	}

	c := &connection{
		agentUUID: agentUUID,
		teamUUID:  agent.TeamUUID,
		conn:      wsConn,
		lastSeen:  time.Now(),
		closed:    make(chan struct{}),
	}

	g.takeoverThenRegister(agentUUID, c)
	g.metrics.SetGatewayConnections(g.connCount())

	now := time.Now()
	if err := g.store.SetAgentStatus(ctx, agentUUID, store.AgentStatusOnline, true, now); err != nil {
		g.log.Error("set agent online failed", "agent", agentUUID, "error", err)
	}
	g.publishAgentEvent(c.teamUUID, "agent:online", agentUUID)

	c.subs = append(c.subs, g.bus.Subscribe(g.forwardIfSubscribed(c, "agent:"+agentUUID)))
	if c.teamUUID != "" {
		c.subs = append(c.subs, g.bus.Subscribe(g.forwardIfSubscribed(c, "team:"+c.teamUUID)))
	}

	go g.heartbeatLoop(c)
	g.readLoop(ctx, c)

	g.unregister(agentUUID, c, "connection closed")
	return nil
}

// takeoverThenRegister closes any prior stream for this agent with close
// code 4003 before installing the new one, per the single-connection
// invariant.
func (g *Gateway) takeoverThenRegister(agentUUID string, c *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prior, ok := g.conns[agentUUID]; ok {
		closeWithCode(prior, CloseReplaced, "replaced by new connection")
	}
	g.conns[agentUUID] = c
}

func (g *Gateway) unregister(agentUUID string, c *connection, reason string) {
	g.mu.Lock()
	current, ok := g.conns[agentUUID]
	if ok && current == c {
		delete(g.conns, agentUUID)
	}
	g.mu.Unlock()

	for _, id := range c.subs {
		g.bus.Unsubscribe(id)
	}
	close(c.closed)
	_ = c.conn.Close()

	g.metrics.SetGatewayConnections(g.connCount())
	g.metrics.RecordGatewayDisconnect(reason)

	if err := g.store.SetAgentStatus(context.Background(), agentUUID, store.AgentStatusOffline, false, time.Now()); err != nil {
		g.log.Error("set agent offline failed", "agent", agentUUID, "error", err)
	}
	g.publishAgentEvent(c.teamUUID, "agent:offline", agentUUID)
}

// closeWithCode sends a real websocket close frame with code on c's
// connection, serializing against any in-flight writeFrame call.
func closeWithCode(c *connection, code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// Shutdown closes every live agent connection with websocket close code
// 1001 (going away), as the drain sequence requires before the process
// terminates. It does not wait for clients to reconnect elsewhere.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	conns := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}

func (g *Gateway) publishAgentEvent(teamUUID, eventType, agentUUID string) {
	if teamUUID == "" {
		return
	}
	g.bus.Publish("team:"+teamUUID, eventType, map[string]any{"agent_uuid": agentUUID})
}

// heartbeatLoop sends heartbeat:ping every 30s and closes the stream if no
// inbound frame has updated lastSeen within 45s.
func (g *Gateway) heartbeatLoop(c *connection) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(heartbeatTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-timeout.C:
			c.mu.Lock()
			idle := time.Since(c.lastSeen)
			c.mu.Unlock()
			if idle >= heartbeatTimeout {
				closeWithCode(c, CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
			timeout.Reset(heartbeatTimeout - idle)
		case <-ticker.C:
			if err := g.writeFrame(c, Frame{Type: "heartbeat:ping"}); err != nil {
				return
			}
		}
	}
}

// readLoop consumes inbound frames: heartbeat/pong/ping are liveness-only,
// subscribe joins a team:*/user:* channel. unsubscribe is accepted but
// leaves no channel; every subscription of the connection ends when it
// closes.
func (g *Gateway) readLoop(ctx context.Context, c *connection) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Type {
		case "heartbeat", "pong":
			// liveness only, already recorded above
		case "ping":
			_ = g.writeFrame(c, Frame{Type: "pong"})
		case "subscribe":
			if allowedExtraChannel(f.Channel) {
				id := g.bus.Subscribe(g.forwardIfSubscribed(c, f.Channel))
				c.subs = append(c.subs, id)
			}
		case "unsubscribe":
			// extra channels are torn down wholesale on disconnect; no
			// per-channel unsubscribe is performed
		}
	}
}

func allowedExtraChannel(channel string) bool {
	return strings.HasPrefix(channel, "team:") || strings.HasPrefix(channel, "user:")
}

// forwardIfSubscribed returns a bus.Handler that writes matching events as
// outbound frames on c's socket.
func (g *Gateway) forwardIfSubscribed(c *connection, channel string) bus.Handler {
	return func(evt bus.Event) {
		if evt.Channel != channel {
			return
		}
		_ = g.writeFrame(c, Frame{Type: evt.Type, Channel: evt.Channel, Payload: evt.Payload})
	}
}

// PushTask delivers a directed task:push frame to a connected agent,
// returning false if the agent has no live connection.
func (g *Gateway) PushTask(agentUUID string, payload any) bool {
	g.mu.Lock()
	c, ok := g.conns[agentUUID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.writeFrame(c, Frame{Type: "task:push", Payload: payload}) == nil
}

func (g *Gateway) writeFrame(c *connection, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}
