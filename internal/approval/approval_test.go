package approval

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/orchestrate/internal/apierr"
	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/store"
)

func newTestGates(t *testing.T) (*Gates, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	b := bus.New(slog.Default())
	return New(st, b, slog.Default()), st
}

func seedTeamWithAdmin(t *testing.T, st *store.Store, adminUUID string) string {
	t.Helper()
	teamUUID := uuid.NewString()
	if err := st.CreateTeam(context.Background(), &store.Team{
		TeamUUID:  teamUUID,
		Name:      "eng",
		OwnerUser: adminUUID,
		MaxAgents: 10,
	}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	if err := st.AddTeamMember(context.Background(), teamUUID, adminUUID, store.RoleAdmin); err != nil {
		t.Fatalf("add team member: %v", err)
	}
	return teamUUID
}

func TestCreateGateStartsPending(t *testing.T) {
	g, st := newTestGates(t)
	admin := uuid.NewString()
	team := seedTeamWithAdmin(t, st, admin)

	gate, err := g.Create(context.Background(), team, "deploy prod", nil, "", admin, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if gate.Status != store.ApprovalPending {
		t.Fatalf("expected pending, got %s", gate.Status)
	}
}

func TestRespondByNamedApproverSucceeds(t *testing.T) {
	g, st := newTestGates(t)
	admin := uuid.NewString()
	team := seedTeamWithAdmin(t, st, admin)
	approver := uuid.NewString()

	gate, err := g.Create(context.Background(), team, "deploy prod", []string{approver}, "", admin, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := g.Respond(context.Background(), gate.GateUUID, approver, true, "looks good")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Status != store.ApprovalApproved {
		t.Fatalf("expected approved, got %s", resp.Status)
	}
}

func TestRespondByNonApproverRejectedWithAuthorization(t *testing.T) {
	g, st := newTestGates(t)
	admin := uuid.NewString()
	team := seedTeamWithAdmin(t, st, admin)
	approver := uuid.NewString()
	stranger := uuid.NewString()

	gate, err := g.Create(context.Background(), team, "deploy prod", []string{approver}, "", admin, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = g.Respond(context.Background(), gate.GateUUID, stranger, true, "")
	if err == nil {
		t.Fatal("expected authorization error")
	}
	if apierr.KindOf(err) != apierr.Authorization {
		t.Fatalf("expected authorization kind, got %s", apierr.KindOf(err))
	}
}

func TestRespondWithoutApproversFallsBackToTeamAdmin(t *testing.T) {
	g, st := newTestGates(t)
	admin := uuid.NewString()
	team := seedTeamWithAdmin(t, st, admin)
	member := uuid.NewString()
	if err := st.AddTeamMember(context.Background(), team, member, store.RoleMember); err != nil {
		t.Fatalf("add member: %v", err)
	}

	gate, err := g.Create(context.Background(), team, "deploy prod", nil, "", admin, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := g.Respond(context.Background(), gate.GateUUID, member, true, ""); err == nil {
		t.Fatal("expected plain member to be unauthorized without explicit approvers")
	}

	resp, err := g.Respond(context.Background(), gate.GateUUID, admin, true, "")
	if err != nil {
		t.Fatalf("expected admin fallback to succeed: %v", err)
	}
	if resp.Status != store.ApprovalApproved {
		t.Fatalf("expected approved, got %s", resp.Status)
	}
}

func TestDoubleResponseRejectedWithConflict(t *testing.T) {
	g, st := newTestGates(t)
	admin := uuid.NewString()
	team := seedTeamWithAdmin(t, st, admin)

	gate, err := g.Create(context.Background(), team, "deploy prod", nil, "", admin, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := g.Respond(context.Background(), gate.GateUUID, admin, true, ""); err != nil {
		t.Fatalf("first respond: %v", err)
	}

	_, err = g.Respond(context.Background(), gate.GateUUID, admin, false, "")
	if err == nil {
		t.Fatal("expected conflict on double response")
	}
	if apierr.KindOf(err) != apierr.Conflict {
		t.Fatalf("expected conflict kind, got %s", apierr.KindOf(err))
	}
}

func TestSweepExpiredTransitionsPastDeadline(t *testing.T) {
	g, st := newTestGates(t)
	admin := uuid.NewString()
	team := seedTeamWithAdmin(t, st, admin)

	past := time.Now().UTC().Add(-time.Hour)
	gate, err := g.Create(context.Background(), team, "deploy prod", nil, "", admin, "", &past)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := g.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired gate, got %d", n)
	}

	reloaded, err := st.GetApprovalGate(context.Background(), gate.GateUUID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != store.ApprovalExpired {
		t.Fatalf("expected expired, got %s", reloaded.Status)
	}
}

func TestSweepExpiredIgnoresFutureDeadline(t *testing.T) {
	g, st := newTestGates(t)
	admin := uuid.NewString()
	team := seedTeamWithAdmin(t, st, admin)

	future := time.Now().UTC().Add(time.Hour)
	if _, err := g.Create(context.Background(), team, "deploy prod", nil, "", admin, "", &future); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := g.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 expired gates, got %d", n)
	}
}
