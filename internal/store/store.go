// Package store implements the durable entity store: transactional
// single-row updates, indexed lookups on uniqueness constraints,
// array-membership queries for capability sets and task dependencies,
// soft-delete via soft_deleted_at. One *sql.DB is shared across entities to
// avoid SQLite "database is locked" errors under concurrent writers; a
// dialect string switches placeholder style and UPSERT syntax across
// postgres/mysql/sqlite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL backend in use.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// Store wraps a shared *sql.DB and dialect, exposing entity-scoped query
// methods defined across the other files in this package.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens (or for sqlite, creates) the database at dsn for the given
// driver name and normalizes it into a Store with schema initialized.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	dialect := normalizeDialect(driver)
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// New wraps an already-open *sql.DB, used when sharing a pool across
// multiple stores in the same process.
func New(db *sql.DB, driver string) (*Store, error) {
	dialect := normalizeDialect(driver)
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func normalizeDialect(driver string) Dialect {
	switch driver {
	case "postgres", "pgx":
		return Postgres
	case "mysql":
		return MySQL
	default:
		return SQLite
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// placeholder returns the dialect-appropriate bind placeholder for the nth
// (1-indexed) parameter: "$n" for postgres, "?" otherwise.
func (s *Store) placeholder(n int) string {
	if s.dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// upsertClause returns the dialect-specific "on conflict do update" tail for
// a single-column primary key upsert over the given non-key columns.
func (s *Store) upsertClause(pkCol string, cols []string) string {
	switch s.dialect {
	case Postgres:
		set := ""
		for i, c := range cols {
			if i > 0 {
				set += ", "
			}
			set += fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}
		return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", pkCol, set)
	case SQLite:
		set := ""
		for i, c := range cols {
			if i > 0 {
				set += ", "
			}
			set += fmt.Sprintf("%s = excluded.%s", c, c)
		}
		return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", pkCol, set)
	default: // mysql
		set := ""
		for i, c := range cols {
			if i > 0 {
				set += ", "
			}
			set += fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s", set)
	}
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

func jsonType(d Dialect) string {
	if d == Postgres {
		return "JSONB"
	}
	return "TEXT"
}

func textPK() string { return "VARCHAR(255) PRIMARY KEY" }

// schemaStatements returns CREATE TABLE/INDEX statements for every entity,
// one statement per call for sqlite-compatibility.
func schemaStatements(d Dialect) []string {
	j := jsonType(d)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS teams (
			team_uuid %s,
			name VARCHAR(255) NOT NULL,
			owner_user VARCHAR(255) NOT NULL,
			max_agents INT NOT NULL DEFAULT 50,
			archived_at TIMESTAMP NULL
		)`, textPK()),
		`CREATE TABLE IF NOT EXISTS team_members (
			team_uuid VARCHAR(255) NOT NULL,
			user_uuid VARCHAR(255) NOT NULL,
			role VARCHAR(32) NOT NULL,
			PRIMARY KEY (team_uuid, user_uuid)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agents (
			agent_uuid %s,
			external_id VARCHAR(255) NOT NULL,
			display_name VARCHAR(255) NOT NULL,
			endpoint_url TEXT NOT NULL,
			capabilities %s NOT NULL,
			max_concurrent INT NOT NULL DEFAULT 1,
			status VARCHAR(32) NOT NULL DEFAULT 'offline',
			ws_connected BOOLEAN NOT NULL DEFAULT FALSE,
			last_heartbeat TIMESTAMP NULL,
			team_uuid VARCHAR(255) NULL,
			registered_by_user VARCHAR(255) NOT NULL,
			auth_secret_hash VARCHAR(255) NOT NULL,
			auth_secret_ciphertext TEXT NULL,
			soft_deleted_at TIMESTAMP NULL
		)`, textPK(), j),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_external_id ON agents(external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_team ON agents(team_uuid)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id %s,
			user_uuid VARCHAR(255) NOT NULL,
			workflow_name VARCHAR(255) NOT NULL,
			definition %s NOT NULL,
			input %s NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'queued',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP NULL,
			completed_at TIMESTAMP NULL,
			error_message TEXT NULL
		)`, textPK(), j, j),
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS stage_executions (
			run_id VARCHAR(255) NOT NULL,
			stage_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			agent_id_resolved VARCHAR(255) NULL,
			input_resolved %s NOT NULL,
			output %s NULL,
			error_message TEXT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL,
			execution_time_ms INT NULL,
			PRIMARY KEY (run_id, stage_id)
		)`, j, j),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kanban_tasks (
			task_uuid %s,
			team_uuid VARCHAR(255) NOT NULL,
			title VARCHAR(512) NOT NULL,
			description TEXT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'backlog',
			priority VARCHAR(32) NOT NULL DEFAULT 'medium',
			tags %s NOT NULL,
			assigned_agent VARCHAR(255) NULL,
			created_by_agent VARCHAR(255) NULL,
			created_by_user VARCHAR(255) NULL,
			depends_on %s NOT NULL,
			input_mapping %s NULL,
			timeout_ms INT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			started_at TIMESTAMP NULL,
			completed_at TIMESTAMP NULL,
			progress_current INT NULL,
			progress_total INT NULL,
			progress_message TEXT NULL,
			output %s NULL,
			last_error TEXT NULL
		)`, textPK(), j, j, j, j),
		`CREATE INDEX IF NOT EXISTS idx_kanban_tasks_team_status ON kanban_tasks(team_uuid, status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_gates (
			gate_uuid %s,
			team_uuid VARCHAR(255) NOT NULL,
			title VARCHAR(512) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			approvers %s NOT NULL,
			requested_by_agent VARCHAR(255) NULL,
			requested_by_user VARCHAR(255) NULL,
			task_uuid VARCHAR(255) NULL,
			expires_at TIMESTAMP NULL,
			responded_by VARCHAR(255) NULL,
			response_note TEXT NULL
		)`, textPK(), j),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resource_locks (
			lock_uuid %s,
			resource_type VARCHAR(255) NOT NULL,
			resource_id VARCHAR(255) NOT NULL,
			owner_agent VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'active',
			conflict_strategy VARCHAR(32) NOT NULL DEFAULT 'fail',
			content_hash VARCHAR(255) NULL,
			version INT NOT NULL DEFAULT 1,
			acquired_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			released_at TIMESTAMP NULL
		)`, textPK()),
		`CREATE INDEX IF NOT EXISTS idx_resource_locks_resource ON resource_locks(resource_type, resource_id, status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_records (
			audit_uuid %s,
			run_id VARCHAR(255) NOT NULL,
			stage_id VARCHAR(255) NOT NULL,
			agent_id VARCHAR(255) NULL,
			action VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input_hash VARCHAR(255) NOT NULL,
			output_hash VARCHAR(255) NULL,
			logged_at TIMESTAMP NOT NULL,
			sig_algorithm VARCHAR(32) NULL,
			sig_signer VARCHAR(255) NULL,
			sig_value TEXT NULL,
			sig_timestamp TIMESTAMP NULL
		)`, textPK()),
		`CREATE INDEX IF NOT EXISTS idx_audit_records_run ON audit_records(run_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS webhooks (
			webhook_uuid %s,
			team_uuid VARCHAR(255) NOT NULL,
			url TEXT NOT NULL,
			secret VARCHAR(255) NOT NULL,
			events %s NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`, textPK(), j),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			delivery_uuid %s,
			webhook_uuid VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 5,
			next_retry_at TIMESTAMP NULL,
			response_code INT NULL,
			payload %s NOT NULL
		)`, textPK(), j),
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(status, next_retry_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_versions (
			version_uuid %s,
			agent_uuid VARCHAR(255) NOT NULL,
			version VARCHAR(64) NOT NULL,
			endpoint TEXT NOT NULL,
			capabilities %s NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'draft',
			traffic_percent INT NOT NULL DEFAULT 0,
			error_rate_per_1000 INT NOT NULL DEFAULT 0,
			error_threshold INT NOT NULL DEFAULT 50,
			is_rollback_target BOOLEAN NOT NULL DEFAULT FALSE
		)`, textPK(), j),
		`CREATE INDEX IF NOT EXISTS idx_agent_versions_agent ON agent_versions(agent_uuid, status)`,
	}
}
