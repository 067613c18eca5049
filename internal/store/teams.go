package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateTeam inserts a new team.
func (s *Store) CreateTeam(ctx context.Context, t *Team) error {
	cols := []string{"name", "owner_user", "max_agents"}
	query := fmt.Sprintf(`INSERT INTO teams (team_uuid, %s) VALUES (%s)`,
		joinCols(cols), s.placeholders(1, len(cols)+1))
	_, err := s.exec(ctx, query, t.TeamUUID, t.Name, t.OwnerUser, t.MaxAgents)
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	return nil
}

// AddTeamMember upserts a user's role within a team.
func (s *Store) AddTeamMember(ctx context.Context, teamUUID, userUUID, role string) error {
	cols := []string{"team_uuid", "user_uuid", "role"}
	query := fmt.Sprintf(`INSERT INTO team_members (%s) VALUES (%s) %s`,
		joinCols(cols), s.placeholders(1, len(cols)), s.upsertClause2("team_uuid", "user_uuid", []string{"role"}))
	_, err := s.exec(ctx, query, teamUUID, userUUID, role)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

// TeamMemberRole returns the caller's role within a team, or ErrNotFound if
// they are not a member.
func (s *Store) TeamMemberRole(ctx context.Context, teamUUID, userUUID string) (string, error) {
	query := fmt.Sprintf(`SELECT role FROM team_members WHERE team_uuid = %s AND user_uuid = %s`,
		s.placeholder(1), s.placeholder(2))
	var role string
	err := s.db.QueryRowContext(ctx, query, teamUUID, userUUID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query team member role: %w", err)
	}
	return role, nil
}
