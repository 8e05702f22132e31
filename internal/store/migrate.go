package store

import (
	"fmt"
	"strings"
	"time"
)

// schema holds the base DDL. Statements are additive and idempotent; the
// store never drops data on upgrade.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_code TEXT NOT NULL,
		message_id TEXT,
		instructions TEXT NOT NULL DEFAULT '',
		how_to_repro TEXT NOT NULL DEFAULT '',
		expected TEXT NOT NULL DEFAULT '',
		evidence_requirements TEXT NOT NULL DEFAULT '',
		owner_role TEXT NOT NULL DEFAULT '',
		area TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		deadline TIMESTAMP,
		timeout_seconds INTEGER NOT NULL DEFAULT 600,
		max_retries INTEGER NOT NULL DEFAULT 3,
		retry_backoff_sec INTEGER NOT NULL DEFAULT 60,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_ts TIMESTAMP,
		lease_seconds INTEGER NOT NULL DEFAULT 0,
		lease_expiry_ts TIMESTAMP,
		agent_id TEXT NOT NULL DEFAULT '',
		worker_type TEXT NOT NULL DEFAULT '',
		routing_decision TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		dependencies TEXT NOT NULL DEFAULT '[]',
		reason_code TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		result TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		owner_role TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '[]',
		allowed_tools TEXT NOT NULL DEFAULT '[]',
		online INTEGER NOT NULL DEFAULT 1,
		last_seen TIMESTAMP NOT NULL,
		capacity INTEGER NOT NULL DEFAULT 1,
		available_capacity INTEGER NOT NULL DEFAULT 1,
		completion_limit_per_minute INTEGER NOT NULL DEFAULT 60,
		current_completion_count INTEGER NOT NULL DEFAULT 0,
		completion_window_start TIMESTAMP NOT NULL,
		worker_type TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS dlq (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		task_code TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		snapshot TEXT NOT NULL DEFAULT '{}',
		reason_code TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		replay_who TEXT NOT NULL DEFAULT '',
		replay_when TIMESTAMP,
		replay_why TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS routing_rules (
		id TEXT PRIMARY KEY,
		condition TEXT NOT NULL,
		target_worker TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS routing_audit (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		routing_decision TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '{}',
		output TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workflows (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT '',
		last_recovery_time TIMESTAMP,
		recovery_status TEXT
	)`,

	// Partial uniqueness: message_id dedupes creates, NULLs excluded.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_message_id
		ON tasks(message_id) WHERE message_id IS NOT NULL`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_dispatch
		ON tasks(status, agent_id, owner_role)`,

	`CREATE INDEX IF NOT EXISTS idx_dlq_task_id ON dlq(task_id)`,
}

// addedColumns lists columns introduced after the initial release; applied
// with ALTER TABLE ADD COLUMN and ignored when already present.
var addedColumns = []string{
	`ALTER TABLE tasks ADD COLUMN worker_type TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE tasks ADD COLUMN routing_decision TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE tasks ADD COLUMN trace_id TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE agents ADD COLUMN worker_type TEXT`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.writer.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	for _, stmt := range addedColumns {
		if _, err := s.writer.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("column migration failed: %w", err)
		}
	}

	// task_code is a display label, not an identity. Older deployments carried
	// a unique index on it; drop it so multiple rows may share a label.
	if _, err := s.writer.Exec(`DROP INDEX IF EXISTS idx_tasks_task_code`); err != nil {
		return fmt.Errorf("failed to drop legacy task_code index: %w", err)
	}

	if err := s.seedRoutingRules(); err != nil {
		return err
	}
	return s.seedWorkflow()
}

// seedRoutingRules installs the six default rules when absent.
func (s *Store) seedRoutingRules() error {
	defaults := []struct {
		id        string
		condition string
		target    string
		priority  int
	}{
		{"R1", `area = ci/exchange`, "Trae", 100},
		{"R2", `owner_role = SRE Engineer`, "Cursor", 90},
		{"R3", `priority >= 2`, "Trae", 80},
		{"R4", `area = ci/controlplane`, "Trae", 70},
		{"R5", `task_code starts with "ATA-"`, "Trae", 60},
		{"R6", `default`, "Other", 10},
	}

	now := time.Now().UTC()
	query := `INSERT INTO routing_rules (id, condition, target_worker, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if IsPostgres(s.DriverName()) {
		query += ` ON CONFLICT (id) DO NOTHING`
	} else {
		query = strings.Replace(query, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}

	for _, r := range defaults {
		if _, err := s.writer.Exec(s.writer.Rebind(query), r.id, r.condition, r.target, r.priority, now, now); err != nil {
			return fmt.Errorf("failed to seed routing rule %s: %w", r.id, err)
		}
	}
	return nil
}

// seedWorkflow installs the singleton workflow row.
func (s *Store) seedWorkflow() error {
	query := `INSERT INTO workflows (name, status) VALUES (?, ?)`
	if IsPostgres(s.DriverName()) {
		query += ` ON CONFLICT (name) DO NOTHING`
	} else {
		query = strings.Replace(query, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}
	if _, err := s.writer.Exec(s.writer.Rebind(query), "default", "ACTIVE"); err != nil {
		return fmt.Errorf("failed to seed workflow row: %w", err)
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
