package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Session struct {
	ID               string
	FilePath         string
	Workspace        string
	ParentSessionID  string
	StartedAt        time.Time
	LastActivityAt   time.Time
	Title            string
	Summary          string
	SummaryUpdatedAt time.Time
	TotalTurns       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type UpsertSessionArgs struct {
	ID              string
	FilePath        string
	Workspace       string
	ParentSessionID string
	StartedAt       time.Time
	LastActivityAt  time.Time
}

const sessionColumns = `id, file_path, workspace, parent_session_id, started_at, last_activity_at,
	title, summary, summary_updated_at, total_turns, created_at, updated_at`

// UpsertSession creates the session or widens its activity window. Summary fields are
// never touched here.
func (store *Store) UpsertSession(ctx context.Context, args UpsertSessionArgs) (created bool, err error) {
	if args.ID == "" {
		return false, errors.New("UpsertSession: empty id")
	}
	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer transaction.Rollback()

	var existing int
	if err := transaction.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, args.ID).Scan(&existing); err != nil {
		return false, err
	}

	timestamp := store.nowTimestamp()
	_, err = transaction.ExecContext(ctx, `
		INSERT INTO sessions (id, file_path, workspace, parent_session_id, started_at, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			workspace = COALESCE(excluded.workspace, sessions.workspace),
			parent_session_id = COALESCE(excluded.parent_session_id, sessions.parent_session_id),
			started_at = CASE
				WHEN sessions.started_at IS NULL THEN excluded.started_at
				WHEN excluded.started_at IS NOT NULL AND excluded.started_at < sessions.started_at THEN excluded.started_at
				ELSE sessions.started_at END,
			last_activity_at = CASE
				WHEN sessions.last_activity_at IS NULL THEN excluded.last_activity_at
				WHEN excluded.last_activity_at IS NOT NULL AND excluded.last_activity_at > sessions.last_activity_at THEN excluded.last_activity_at
				ELSE sessions.last_activity_at END,
			updated_at = excluded.updated_at`,
		args.ID,
		args.FilePath,
		nullableText(args.Workspace),
		nullableText(args.ParentSessionID),
		nullableTime(args.StartedAt),
		nullableTime(args.LastActivityAt),
		timestamp,
		timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("UpsertSession: %w", err)
	}
	if err := transaction.Commit(); err != nil {
		return false, err
	}
	return existing == 0, nil
}

func (store *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := store.database.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, err
}

// RefreshTurnCount recomputes total_turns from the turns table.
func (store *Store) RefreshTurnCount(ctx context.Context, sessionID string) (int, error) {
	_, err := store.database.ExecContext(ctx, `
		UPDATE sessions SET total_turns = (SELECT COUNT(*) FROM turns WHERE session_id = ?), updated_at = ?
		WHERE id = ?`, sessionID, store.nowTimestamp(), sessionID)
	if err != nil {
		return 0, err
	}
	var total int
	err = store.database.QueryRowContext(ctx, `SELECT total_turns FROM sessions WHERE id = ?`, sessionID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return total, err
}

func (store *Store) SetSessionSummary(ctx context.Context, sessionID, title, summary string) error {
	timestamp := store.nowTimestamp()
	result, err := store.database.ExecContext(ctx, `
		UPDATE sessions SET title = ?, summary = ?, summary_updated_at = ?, updated_at = ? WHERE id = ?`,
		nullableText(title), nullableText(summary), timestamp, timestamp, sessionID)
	if err != nil {
		return err
	}
	if changedRows, _ := result.RowsAffected(); changedRows == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// TopSessions ranks a workspace's primary sessions by turn count, then recency.
func (store *Store) TopSessions(ctx context.Context, workspace string, limit int) ([]Session, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := store.database.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE workspace = ? AND parent_session_id IS NULL AND total_turns > 0
		ORDER BY total_turns DESC, last_activity_at DESC
		LIMIT ?`, workspace, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// SessionsChangedSince lists a workspace's primary sessions with turns imported after
// since, oldest activity first.
func (store *Store) SessionsChangedSince(ctx context.Context, workspace string, since time.Time) ([]Session, error) {
	rows, err := store.database.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions s
		WHERE s.workspace = ? AND s.parent_session_id IS NULL
		  AND EXISTS (SELECT 1 FROM turns t WHERE t.session_id = s.id AND t.imported_at > ?)
		ORDER BY s.last_activity_at ASC, s.id ASC`, workspace, formatTime(since))
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ActivitySince counts primary sessions created and turns imported after since in a
// workspace.
func (store *Store) ActivitySince(ctx context.Context, workspace string, since time.Time) (sessions int, turns int, err error) {
	cutoff := formatTime(since)
	err = store.database.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions WHERE workspace = ? AND parent_session_id IS NULL AND created_at > ?),
			(SELECT COUNT(*) FROM turns t JOIN sessions s ON s.id = t.session_id
				WHERE s.workspace = ? AND s.parent_session_id IS NULL AND t.imported_at > ?)`,
		workspace, cutoff, workspace, cutoff).Scan(&sessions, &turns)
	return sessions, turns, err
}

type Project struct {
	Workspace    string
	Sessions     int
	Turns        int
	LastActivity time.Time
}

func (store *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := store.database.QueryContext(ctx, `
		SELECT workspace, COUNT(*), COALESCE(SUM(total_turns), 0), MAX(last_activity_at)
		FROM sessions
		WHERE workspace IS NOT NULL AND workspace != '' AND parent_session_id IS NULL
		GROUP BY workspace
		ORDER BY MAX(last_activity_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var project Project
		var lastActivity sql.NullString
		if err := rows.Scan(&project.Workspace, &project.Sessions, &project.Turns, &lastActivity); err != nil {
			return nil, err
		}
		project.LastActivity = parseTime(lastActivity)
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func scanSession(scanner rowScanner) (Session, error) {
	var session Session
	var workspace, parent, startedAt, lastActivity, title, summary, summaryUpdated sql.NullString
	var createdAt, updatedAt sql.NullString
	err := scanner.Scan(
		&session.ID,
		&session.FilePath,
		&workspace,
		&parent,
		&startedAt,
		&lastActivity,
		&title,
		&summary,
		&summaryUpdated,
		&session.TotalTurns,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	session.Workspace = workspace.String
	session.ParentSessionID = parent.String
	session.StartedAt = parseTime(startedAt)
	session.LastActivityAt = parseTime(lastActivity)
	session.Title = title.String
	session.Summary = summary.String
	session.SummaryUpdatedAt = parseTime(summaryUpdated)
	session.CreatedAt = parseTime(createdAt)
	session.UpdatedAt = parseTime(updatedAt)
	return session, nil
}
