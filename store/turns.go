package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/theimaginaryfoundation/context-o-bot/session"
)

var turnNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("context-o-bot/turn"))

// TurnID is deterministic so re-imports address the same row.
func TurnID(sessionID string, index int) string {
	return uuid.NewSHA1(turnNamespace, []byte(sessionID+"/"+strconv.Itoa(index))).String()
}

type Turn struct {
	ID            string
	SessionID     string
	Index         int
	Fingerprint   string
	Request       string
	Narrative     string
	Tools         []session.ToolUse
	FilesModified []string
	StartedAt     time.Time

	Title          string
	Description    string
	IsContinuation bool
	Satisfaction   string
	ModelName      string
	SummarizedAt   time.Time

	ImportedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasSummary reports whether the worker has written a summary for the current content.
func (t Turn) HasSummary() bool {
	return !t.SummarizedAt.IsZero()
}

type TurnOutcome int

const (
	TurnUnchanged TurnOutcome = iota
	TurnInserted
	TurnRefreshed
)

func (o TurnOutcome) String() string {
	switch o {
	case TurnInserted:
		return "inserted"
	case TurnRefreshed:
		return "refreshed"
	default:
		return "unchanged"
	}
}

const turnColumns = `id, session_id, turn_index, fingerprint, request, narrative, tool_uses, files_modified,
	started_at, title, description, is_continuation, satisfaction, model_name, summarized_at,
	imported_at, created_at, updated_at`

// UpsertTurn stores a parsed turn. An identical fingerprint is a no-op; a changed
// fingerprint at an existing index replaces the content and clears the summary.
func (store *Store) UpsertTurn(ctx context.Context, sessionID string, turn session.Turn) (string, TurnOutcome, error) {
	toolsJSON, err := json.Marshal(nonNilTools(turn.Tools))
	if err != nil {
		return "", TurnUnchanged, fmt.Errorf("UpsertTurn: marshal tools: %w", err)
	}
	filesJSON, err := json.Marshal(nonNilStrings(turn.FilesModified))
	if err != nil {
		return "", TurnUnchanged, fmt.Errorf("UpsertTurn: marshal files: %w", err)
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return "", TurnUnchanged, err
	}
	defer transaction.Rollback()

	var existingID, existingFingerprint string
	err = transaction.QueryRowContext(ctx,
		`SELECT id, fingerprint FROM turns WHERE session_id = ? AND turn_index = ?`,
		sessionID, turn.Index,
	).Scan(&existingID, &existingFingerprint)

	timestamp := store.nowTimestamp()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		turnID := TurnID(sessionID, turn.Index)
		result, err := transaction.ExecContext(ctx, `
			INSERT INTO turns (id, session_id, turn_index, fingerprint, request, narrative, tool_uses, files_modified,
				started_at, imported_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			turnID, sessionID, turn.Index, turn.Fingerprint, turn.Request, turn.Narrative,
			string(toolsJSON), string(filesJSON), nullableTime(turn.StartedAt),
			timestamp, timestamp, timestamp,
		)
		if err != nil {
			return "", TurnUnchanged, fmt.Errorf("UpsertTurn: insert: %w", err)
		}
		if changedRows, _ := result.RowsAffected(); changedRows == 0 {
			return turnID, TurnUnchanged, nil
		}
		if err := transaction.Commit(); err != nil {
			return "", TurnUnchanged, err
		}
		return turnID, TurnInserted, nil
	case err != nil:
		return "", TurnUnchanged, fmt.Errorf("UpsertTurn: lookup: %w", err)
	case existingFingerprint == turn.Fingerprint:
		return existingID, TurnUnchanged, nil
	}

	_, err = transaction.ExecContext(ctx, `
		UPDATE turns SET fingerprint = ?, request = ?, narrative = ?, tool_uses = ?, files_modified = ?,
			started_at = ?, title = NULL, description = NULL, is_continuation = NULL, satisfaction = NULL,
			model_name = NULL, summarized_at = NULL, imported_at = ?, updated_at = ?
		WHERE id = ? AND fingerprint = ?`,
		turn.Fingerprint, turn.Request, turn.Narrative, string(toolsJSON), string(filesJSON),
		nullableTime(turn.StartedAt), timestamp, timestamp, existingID, existingFingerprint,
	)
	if err != nil {
		return "", TurnUnchanged, fmt.Errorf("UpsertTurn: refresh: %w", err)
	}
	if err := transaction.Commit(); err != nil {
		return "", TurnUnchanged, err
	}
	return existingID, TurnRefreshed, nil
}

func (store *Store) GetTurn(ctx context.Context, id string) (Turn, error) {
	row := store.database.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, fmt.Errorf("turn %s: %w", id, ErrNotFound)
	}
	return turn, err
}

func (store *Store) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := store.database.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY turn_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectTurns(rows)
}

// TurnsImportedSince counts a session's turns whose current content was imported
// after since.
func (store *Store) TurnsImportedSince(ctx context.Context, sessionID string, since time.Time) (int, error) {
	var count int
	err := store.database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE session_id = ? AND imported_at > ?`,
		sessionID, formatTime(since),
	).Scan(&count)
	return count, err
}

type TurnSummary struct {
	Title          string
	Description    string
	IsContinuation bool
	Satisfaction   string
	ModelName      string
}

// SetTurnSummary attaches a summary to the turn, but only while the turn still holds
// the content the summary was produced from.
func (store *Store) SetTurnSummary(ctx context.Context, turnID, fingerprint string, summary TurnSummary) error {
	timestamp := store.nowTimestamp()
	continuation := 0
	if summary.IsContinuation {
		continuation = 1
	}
	result, err := store.database.ExecContext(ctx, `
		UPDATE turns SET title = ?, description = ?, is_continuation = ?, satisfaction = ?, model_name = ?,
			summarized_at = ?, updated_at = ?
		WHERE id = ? AND fingerprint = ?`,
		nullableText(summary.Title), nullableText(summary.Description), continuation,
		nullableText(summary.Satisfaction), nullableText(summary.ModelName),
		timestamp, timestamp, turnID, fingerprint,
	)
	if err != nil {
		return err
	}
	if changedRows, _ := result.RowsAffected(); changedRows == 0 {
		return fmt.Errorf("turn %s at fingerprint %s: %w", turnID, fingerprint, ErrNotFound)
	}
	return nil
}

func scanTurn(scanner rowScanner) (Turn, error) {
	var turn Turn
	var toolsJSON, filesJSON string
	var startedAt, title, description, satisfaction, modelName, summarizedAt sql.NullString
	var importedAt, createdAt, updatedAt sql.NullString
	var continuation sql.NullInt64
	err := scanner.Scan(
		&turn.ID,
		&turn.SessionID,
		&turn.Index,
		&turn.Fingerprint,
		&turn.Request,
		&turn.Narrative,
		&toolsJSON,
		&filesJSON,
		&startedAt,
		&title,
		&description,
		&continuation,
		&satisfaction,
		&modelName,
		&summarizedAt,
		&importedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Turn{}, err
	}
	if err := json.Unmarshal([]byte(toolsJSON), &turn.Tools); err != nil {
		return Turn{}, fmt.Errorf("turn %s: decode tool_uses: %w", turn.ID, err)
	}
	if err := json.Unmarshal([]byte(filesJSON), &turn.FilesModified); err != nil {
		return Turn{}, fmt.Errorf("turn %s: decode files_modified: %w", turn.ID, err)
	}
	turn.StartedAt = parseTime(startedAt)
	turn.Title = title.String
	turn.Description = description.String
	turn.IsContinuation = continuation.Valid && continuation.Int64 != 0
	turn.Satisfaction = satisfaction.String
	turn.ModelName = modelName.String
	turn.SummarizedAt = parseTime(summarizedAt)
	turn.ImportedAt = parseTime(importedAt)
	turn.CreatedAt = parseTime(createdAt)
	turn.UpdatedAt = parseTime(updatedAt)
	return turn, nil
}

func nonNilTools(in []session.ToolUse) []session.ToolUse {
	if in == nil {
		return []session.ToolUse{}
	}
	return in
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
