package store

import (
	"fmt"
	"time"
)

// migration is one forward-only schema step. Statements run inside a single
// transaction together with the ledger insert, so a migration either applies
// fully or not at all.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "sessions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL,
				mode       TEXT NOT NULL,
				project_id TEXT,
				task       TEXT,
				start_time INTEGER NOT NULL,
				end_time   INTEGER,
				is_active  INTEGER NOT NULL DEFAULT 0,
				is_synced  INTEGER NOT NULL DEFAULT 0,
				device_id  TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user_active ON sessions(user_id, is_active)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time)`,
			`CREATE TABLE IF NOT EXISTS current_session (
				slot       INTEGER PRIMARY KEY CHECK (slot = 1),
				session_id TEXT NOT NULL REFERENCES sessions(id)
			)`,
		},
	},
	{
		version: 2,
		name:    "activity periods and screenshots",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS screenshots (
				id            TEXT PRIMARY KEY,
				user_id       TEXT NOT NULL,
				session_id    TEXT NOT NULL REFERENCES sessions(id),
				local_path    TEXT NOT NULL,
				remote_url    TEXT,
				thumbnail_url TEXT,
				captured_at   INTEGER NOT NULL,
				mode          TEXT NOT NULL,
				notes         TEXT NOT NULL DEFAULT '',
				is_deleted    INTEGER NOT NULL DEFAULT 0,
				is_synced     INTEGER NOT NULL DEFAULT 0,
				created_at    INTEGER NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_screenshots_path ON screenshots(local_path)`,
			`CREATE INDEX IF NOT EXISTS idx_screenshots_captured ON screenshots(user_id, captured_at)`,
			`CREATE TABLE IF NOT EXISTS activity_periods (
				id             TEXT PRIMARY KEY,
				session_id     TEXT NOT NULL REFERENCES sessions(id),
				user_id        TEXT NOT NULL,
				period_start   INTEGER NOT NULL,
				period_end     INTEGER NOT NULL,
				mode           TEXT NOT NULL,
				activity_score INTEGER NOT NULL,
				is_valid       INTEGER NOT NULL DEFAULT 1,
				classification TEXT,
				screenshot_id  TEXT,
				metrics        TEXT NOT NULL DEFAULT '{}',
				is_synced      INTEGER NOT NULL DEFAULT 0,
				created_at     INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_periods_session_start ON activity_periods(session_id, period_start)`,
			`CREATE INDEX IF NOT EXISTS idx_periods_screenshot ON activity_periods(screenshot_id)`,
		},
	},
	{
		version: 3,
		name:    "sync outbox",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sync_queue (
				id              TEXT PRIMARY KEY,
				entity_type     TEXT NOT NULL,
				entity_id       TEXT NOT NULL,
				operation       TEXT NOT NULL,
				payload         TEXT NOT NULL DEFAULT '{}',
				attempts        INTEGER NOT NULL DEFAULT 0,
				last_attempt_at INTEGER,
				last_error      TEXT,
				created_at      INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_attempts ON sync_queue(attempts)`,
		},
	},
}

// migrate applies all pending migrations in version order. Safe to run on
// every startup: applied versions are recorded in schema_migrations and
// skipped.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create migrations ledger: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.migrationApplied(m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		if err := s.applyMigration(m); err != nil {
			return err
		}
		s.logger.Info().Int("version", m.version).Str("name", m.name).Msg("migration applied")
	}

	return nil
}

func (s *Store) migrationApplied(version int) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check migration %d: %w", version, err)
	}
	return count > 0, nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", m.version, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
