package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is bumped whenever migrate gains statements that change table shapes.
const SchemaVersion = 2

// timestampLayout is fixed width so stored timestamps compare correctly as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

var ErrNotFound = errors.New("not found")

type Store struct {
	database *sql.DB
	dbPath   string
	now      func() time.Time
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	database.SetMaxOpenConns(1)

	store := &Store{
		database: database,
		dbPath:   dbPath,
		now:      time.Now,
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = database.Close()
		return nil, err
	}
	return store, nil
}

func (store *Store) Close() error {
	return store.database.Close()
}

func (store *Store) DBPath() string {
	return store.dbPath
}

func (store *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			workspace TEXT NULL,
			parent_session_id TEXT NULL,
			started_at TEXT NULL,
			last_activity_at TEXT NULL,
			title TEXT NULL,
			summary TEXT NULL,
			summary_updated_at TEXT NULL,
			total_turns INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_workspace ON sessions(workspace, total_turns DESC, last_activity_at DESC);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			request TEXT NOT NULL,
			narrative TEXT NOT NULL,
			tool_uses TEXT NOT NULL DEFAULT '[]',
			files_modified TEXT NOT NULL DEFAULT '[]',
			started_at TEXT NULL,
			title TEXT NULL,
			description TEXT NULL,
			is_continuation INTEGER NULL,
			satisfaction TEXT NULL,
			model_name TEXT NULL,
			summarized_at TEXT NULL,
			imported_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(session_id, turn_index),
			FOREIGN KEY(session_id) REFERENCES sessions(id)
		);`,
		`CREATE INDEX IF NOT EXISTS turns_imported ON turns(imported_at);`,
		`CREATE INDEX IF NOT EXISTS turns_fingerprint ON turns(session_id, fingerprint);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			dedupe_key TEXT NULL,
			payload TEXT NOT NULL,
			result TEXT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			priority INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NULL,
			leased_by TEXT NULL,
			leased_at TEXT NULL,
			replay_of TEXT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS jobs_lease ON jobs(status, priority, seq);`,
		`DROP INDEX IF EXISTS jobs_active_dedupe;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_queued_dedupe ON jobs(dedupe_key)
			WHERE dedupe_key IS NOT NULL AND status = 'queued';`,
		`CREATE TABLE IF NOT EXISTS briefs (
			workspace TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			mode TEXT NOT NULL,
			generated_at TEXT NOT NULL,
			sessions_requested INTEGER NOT NULL DEFAULT 0,
			sessions_incorporated INTEGER NOT NULL DEFAULT 0,
			turns_incorporated INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`ALTER TABLE briefs ADD COLUMN base_requested INTEGER NOT NULL DEFAULT 0;`,
		`ALTER TABLE briefs ADD COLUMN base_incorporated INTEGER NOT NULL DEFAULT 0;`,
		`ALTER TABLE briefs ADD COLUMN base_turns INTEGER NOT NULL DEFAULT 0;`,
		`ALTER TABLE briefs ADD COLUMN pending_sessions TEXT NOT NULL DEFAULT '[]';`,
	}

	for _, statement := range statements {
		if _, err := store.database.ExecContext(ctx, statement); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return fmt.Errorf("failed to migrate sqlite schema: %w", err)
		}
	}

	var count int
	if err := store.database.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if count == 0 {
		if _, err := store.database.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, SchemaVersion); err != nil {
			return fmt.Errorf("failed to write schema version: %w", err)
		}
		return nil
	}
	var version int
	if err := store.database.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version < 2 {
		// Briefs written before baselines existed were all complete runs.
		if _, err := store.database.ExecContext(ctx, `
			UPDATE briefs SET base_requested = sessions_requested,
				base_incorporated = sessions_incorporated,
				base_turns = turns_incorporated`); err != nil {
			return fmt.Errorf("failed to backfill brief baselines: %w", err)
		}
	}
	_, err := store.database.ExecContext(ctx, `UPDATE schema_version SET version = ? WHERE version < ?`, SchemaVersion, SchemaVersion)
	return err
}

// SchemaVersion reports the version recorded in the database.
func (store *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := store.database.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	return version, err
}

func (store *Store) nowTimestamp() string {
	return formatTime(store.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(value sql.NullString) time.Time {
	if !value.Valid || value.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullableText(value string) any {
	trimmedValue := strings.TrimSpace(value)
	if trimmedValue == "" {
		return nil
	}
	return trimmedValue
}

type rowScanner interface {
	Scan(dest ...any) error
}
