package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BriefRecord is the metadata kept for a workspace's brief. The Sessions*/Turns
// counters describe the brief as written; the Base* counters describe it as of
// GeneratedAt, and Pending lists sessions already folded in since then by a refresh
// that has not finished. Counters are always recomputed from the baseline.
type BriefRecord struct {
	Workspace            string
	Path                 string
	Mode                 string
	GeneratedAt          time.Time
	SessionsRequested    int
	SessionsIncorporated int
	TurnsIncorporated    int
	BaseRequested        int
	BaseIncorporated     int
	BaseTurns            int
	Pending              []string
	UpdatedAt            time.Time
}

func (store *Store) GetBrief(ctx context.Context, workspace string) (BriefRecord, error) {
	var record BriefRecord
	var generatedAt, updatedAt sql.NullString
	var pending string
	err := store.database.QueryRowContext(ctx, `
		SELECT workspace, path, mode, generated_at, sessions_requested, sessions_incorporated,
			turns_incorporated, base_requested, base_incorporated, base_turns, pending_sessions, updated_at
		FROM briefs WHERE workspace = ?`, workspace).Scan(
		&record.Workspace,
		&record.Path,
		&record.Mode,
		&generatedAt,
		&record.SessionsRequested,
		&record.SessionsIncorporated,
		&record.TurnsIncorporated,
		&record.BaseRequested,
		&record.BaseIncorporated,
		&record.BaseTurns,
		&pending,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return BriefRecord{}, fmt.Errorf("brief for %s: %w", workspace, ErrNotFound)
	}
	if err != nil {
		return BriefRecord{}, err
	}
	if err := json.Unmarshal([]byte(pending), &record.Pending); err != nil {
		return BriefRecord{}, fmt.Errorf("brief for %s: decode pending sessions: %w", workspace, err)
	}
	record.GeneratedAt = parseTime(generatedAt)
	record.UpdatedAt = parseTime(updatedAt)
	return record, nil
}

// PutBrief records the brief generated for a workspace, replacing any earlier record.
func (store *Store) PutBrief(ctx context.Context, record BriefRecord) error {
	if record.Workspace == "" {
		return errors.New("PutBrief: empty workspace")
	}
	generatedAt := record.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = store.now()
	}
	pending, err := json.Marshal(nonNilStrings(record.Pending))
	if err != nil {
		return fmt.Errorf("PutBrief: encode pending sessions: %w", err)
	}
	_, err = store.database.ExecContext(ctx, `
		INSERT INTO briefs (workspace, path, mode, generated_at, sessions_requested, sessions_incorporated,
			turns_incorporated, base_requested, base_incorporated, base_turns, pending_sessions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace) DO UPDATE SET
			path = excluded.path,
			mode = excluded.mode,
			generated_at = excluded.generated_at,
			sessions_requested = excluded.sessions_requested,
			sessions_incorporated = excluded.sessions_incorporated,
			turns_incorporated = excluded.turns_incorporated,
			base_requested = excluded.base_requested,
			base_incorporated = excluded.base_incorporated,
			base_turns = excluded.base_turns,
			pending_sessions = excluded.pending_sessions,
			updated_at = excluded.updated_at`,
		record.Workspace,
		record.Path,
		record.Mode,
		formatTime(generatedAt),
		record.SessionsRequested,
		record.SessionsIncorporated,
		record.TurnsIncorporated,
		record.BaseRequested,
		record.BaseIncorporated,
		record.BaseTurns,
		string(pending),
		store.nowTimestamp(),
	)
	if err != nil {
		return fmt.Errorf("PutBrief: %w", err)
	}
	return nil
}
