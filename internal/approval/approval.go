// Package approval implements approval-gate creation, response
// authorization, and the expiry sweep.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/relaykit/orchestrate/internal/apierr"
	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/store"
)

const (
	EventGateCreated  = "approval:created"
	EventGateApproved = "approval:approved"
	EventGateRejected = "approval:rejected"
	EventGateExpired  = "approval:expired"
)

func teamChannel(teamUUID string) string { return "team:" + teamUUID }

// Gates manages approval gate creation, response, and expiry.
type Gates struct {
	store *store.Store
	bus   *bus.Bus
	log   *slog.Logger
}

// New constructs a Gates engine.
func New(st *store.Store, b *bus.Bus, logger *slog.Logger) *Gates {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gates{store: st, bus: b, log: logger}
}

// Create opens a pending gate, optionally scoped to explicit approvers and
// an expiry deadline.
func (g *Gates) Create(ctx context.Context, teamUUID, title string, approvers []string, requestedByAgent, requestedByUser, taskUUID string, expiresAt *time.Time) (*store.ApprovalGate, error) {
	gate := &store.ApprovalGate{
		GateUUID:         uuid.NewString(),
		TeamUUID:         teamUUID,
		Title:            title,
		Status:           store.ApprovalPending,
		Approvers:        approvers,
		RequestedByAgent: requestedByAgent,
		RequestedByUser:  requestedByUser,
		TaskUUID:         taskUUID,
		ExpiresAt:        expiresAt,
	}
	if err := g.store.CreateApprovalGate(ctx, gate); err != nil {
		return nil, fmt.Errorf("create approval gate: %w", err)
	}
	g.bus.Publish(teamChannel(teamUUID), EventGateCreated, gate)
	return gate, nil
}

// Respond records an approve/reject decision. The responder must be a
// named approver, or — when approvers is unset — a team admin or owner.
// A gate already responded to rejects the second response with conflict.
func (g *Gates) Respond(ctx context.Context, gateUUID, responderUserUUID string, approve bool, note string) (*store.ApprovalGate, error) {
	gate, err := g.store.GetApprovalGate(ctx, gateUUID)
	if err != nil {
		return nil, err
	}
	if gate.Status != store.ApprovalPending {
		return nil, apierr.New(apierr.Conflict, "approval gate %s already has a response", gateUUID)
	}

	authorized, err := g.isAuthorizedResponder(ctx, gate, responderUserUUID)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, apierr.New(apierr.Authorization, "%s is not an approver for gate %s", responderUserUUID, gateUUID)
	}

	status := store.ApprovalRejected
	event := EventGateRejected
	if approve {
		status = store.ApprovalApproved
		event = EventGateApproved
	}

	if err := g.store.RespondApprovalGate(ctx, gateUUID, status, responderUserUUID, note); err != nil {
		return nil, fmt.Errorf("respond approval gate: %w", err)
	}
	gate.Status = status
	gate.RespondedBy = responderUserUUID
	gate.ResponseNote = note
	g.bus.Publish(teamChannel(gate.TeamUUID), event, gate)
	return gate, nil
}

func (g *Gates) isAuthorizedResponder(ctx context.Context, gate *store.ApprovalGate, userUUID string) (bool, error) {
	if len(gate.Approvers) > 0 {
		for _, a := range gate.Approvers {
			if a == userUUID {
				return true, nil
			}
		}
		return false, nil
	}

	role, err := g.store.TeamMemberRole(ctx, gate.TeamUUID, userUUID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load team member role: %w", err)
	}
	return role == store.RoleAdmin || role == store.RoleOwner, nil
}

// SweepExpired transitions pending gates past their expires_at to expired.
func (g *Gates) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := g.store.ExpiredPendingGates(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query expired gates: %w", err)
	}
	for _, gate := range expired {
		if err := g.store.RespondApprovalGate(ctx, gate.GateUUID, store.ApprovalExpired, "", ""); err != nil {
			g.log.Error("expire approval gate failed", "gate", gate.GateUUID, "error", err)
			continue
		}
		gate.Status = store.ApprovalExpired
		g.bus.Publish(teamChannel(gate.TeamUUID), EventGateExpired, gate)
	}
	return len(expired), nil
}

// StartSweeper registers a recurring SweepExpired job on the given cron
// schedule (e.g. "@every 30s") and starts the scheduler, returning a stop
// function for graceful shutdown.
func (g *Gates) StartSweeper(schedule string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if n, err := g.SweepExpired(context.Background()); err != nil {
			g.log.Error("approval gate expiry sweep failed", "error", err)
		} else if n > 0 {
			g.log.Info("approval gate expiry sweep completed", "gates", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule expiry sweep: %w", err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
