package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobKind string

const (
	KindTurnSummary     JobKind = "turn_summary"
	KindSessionSummary  JobKind = "session_summary"
	KindSessionExtract  JobKind = "session_extract"
	KindBriefSynthesize JobKind = "brief_synthesize"
	KindBriefUpdate     JobKind = "brief_update"
)

var jobKinds = map[JobKind]struct{}{
	KindTurnSummary:     {},
	KindSessionSummary:  {},
	KindSessionExtract:  {},
	KindBriefSynthesize: {},
	KindBriefUpdate:     {},
}

func (k JobKind) Valid() bool {
	_, ok := jobKinds[k]
	return ok
}

type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobDone       JobState = "done"
	JobFailed     JobState = "failed"
)

// jobTransitions is the complete set of legal state changes. Nothing leads back to
// queued; a failed job is only ever replayed as a new job.
var jobTransitions = map[JobState][]JobState{
	JobQueued:     {JobProcessing},
	JobProcessing: {JobDone, JobFailed},
}

var ErrIllegalTransition = errors.New("illegal job state transition")

func (s JobState) Valid() bool {
	switch s {
	case JobQueued, JobProcessing, JobDone, JobFailed:
		return true
	}
	return false
}

func (s JobState) CanTransition(to JobState) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s JobState) Terminal() bool {
	return len(jobTransitions[s]) == 0
}

func checkTransition(from, to JobState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

type Job struct {
	ID        string
	Seq       int64
	Kind      JobKind
	DedupeKey string
	Payload   json.RawMessage
	Result    json.RawMessage
	State     JobState
	Priority  int
	Attempts  int
	LastError string
	LeasedBy  string
	LeasedAt  time.Time
	ReplayOf  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DecodePayload unmarshals the job payload into v.
func (j Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s: decode %s payload: %w", j.ID, j.Kind, err)
	}
	return nil
}

type EnqueueArgs struct {
	Kind      JobKind
	Payload   any
	Priority  int
	DedupeKey string
}

const jobColumns = `seq, id, kind, dedupe_key, payload, result, status, priority, attempts, last_error,
	leased_by, leased_at, replay_of, created_at, updated_at`

// EnqueueJob adds a queued job. When DedupeKey matches a job that is still queued,
// that job's id is returned and nothing is inserted. A job already processing may be
// working from older content, so it never absorbs a new enqueue.
func (store *Store) EnqueueJob(ctx context.Context, args EnqueueArgs) (string, error) {
	job, _, err := store.insertJob(ctx, args, "", "")
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (store *Store) insertJob(ctx context.Context, args EnqueueArgs, replayOf, leaseOwner string) (Job, bool, error) {
	if !args.Kind.Valid() {
		return Job{}, false, fmt.Errorf("enqueue: unknown job kind %q", args.Kind)
	}
	payload, err := marshalPayload(args.Payload)
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue %s: %w", args.Kind, err)
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer transaction.Rollback()

	if args.DedupeKey != "" {
		row := transaction.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE dedupe_key = ? AND status = ?`, args.DedupeKey, string(JobQueued))
		existing, err := scanJob(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, err
		}
	}

	timestamp := store.nowTimestamp()
	jobID := uuid.NewString()
	_, err = transaction.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, dedupe_key, payload, status, priority, replay_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, string(args.Kind), nullableText(args.DedupeKey), string(payload), string(JobQueued),
		args.Priority, nullableText(replayOf), timestamp, timestamp,
	)
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue %s: %w", args.Kind, err)
	}

	if leaseOwner != "" {
		if err := checkTransition(JobQueued, JobProcessing); err != nil {
			return Job{}, false, err
		}
		_, err = transaction.ExecContext(ctx, `
			UPDATE jobs SET status = ?, leased_by = ?, leased_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(JobProcessing), leaseOwner, timestamp, timestamp, jobID, string(JobQueued),
		)
		if err != nil {
			return Job{}, false, fmt.Errorf("start %s: %w", args.Kind, err)
		}
	}

	job, err := scanJob(transaction.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		return Job{}, false, err
	}
	if err := transaction.Commit(); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// StartJob records a job that the caller runs itself: it is inserted and moved to
// processing in one transaction, so no leasing worker can pick it up.
func (store *Store) StartJob(ctx context.Context, args EnqueueArgs, owner string) (Job, error) {
	if owner == "" {
		return Job{}, errors.New("StartJob: empty owner")
	}
	args.DedupeKey = ""
	job, _, err := store.insertJob(ctx, args, "", owner)
	return job, err
}

type LeaseArgs struct {
	// Kinds restricts leasing to these kinds; empty means any kind.
	Kinds []JobKind
	Limit int
	Owner string
}

// LeaseJobs atomically moves up to Limit queued jobs to processing and returns them
// ordered by priority (lowest first) then creation order. It never blocks waiting for
// work; an empty queue yields an empty slice.
func (store *Store) LeaseJobs(ctx context.Context, args LeaseArgs) ([]Job, error) {
	if args.Limit <= 0 {
		return nil, nil
	}
	if err := checkTransition(JobQueued, JobProcessing); err != nil {
		return nil, err
	}

	filter := ""
	timestamp := store.nowTimestamp()
	params := []any{string(JobProcessing), nullableText(args.Owner), timestamp, timestamp, string(JobQueued)}
	subParams := []any{string(JobQueued)}
	if len(args.Kinds) > 0 {
		placeholders := make([]string, len(args.Kinds))
		for i, kind := range args.Kinds {
			placeholders[i] = "?"
			subParams = append(subParams, string(kind))
		}
		filter = " AND kind IN (" + strings.Join(placeholders, ",") + ")"
	}
	subParams = append(subParams, args.Limit)
	params = append(params, subParams...)

	// A single UPDATE is the compare-and-swap: only rows still queued when the
	// statement runs are claimed, and SQLite serializes writers.
	rows, err := store.database.QueryContext(ctx, `
		UPDATE jobs SET status = ?, leased_by = ?, leased_at = ?, updated_at = ?
		WHERE status = ? AND seq IN (
			SELECT seq FROM jobs WHERE status = ?`+filter+`
			ORDER BY priority ASC, seq ASC
			LIMIT ?
		)
		RETURNING `+jobColumns, params...)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].Seq < jobs[j].Seq
	})
	return jobs, nil
}

func (store *Store) CompleteJob(ctx context.Context, id string, result any) error {
	payload, err := marshalPayload(result)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return store.transitionJob(ctx, id, JobDone, func(transaction *sql.Tx, from JobState, timestamp string) (sql.Result, error) {
		return transaction.ExecContext(ctx, `
			UPDATE jobs SET status = ?, result = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(JobDone), string(payload), timestamp, id, string(from))
	})
}

// FailJob marks the job failed and counts the attempt. Failed jobs stay failed.
func (store *Store) FailJob(ctx context.Context, id string, cause string) error {
	return store.transitionJob(ctx, id, JobFailed, func(transaction *sql.Tx, from JobState, timestamp string) (sql.Result, error) {
		return transaction.ExecContext(ctx, `
			UPDATE jobs SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(JobFailed), nullableText(cause), timestamp, id, string(from))
	})
}

func (store *Store) transitionJob(
	ctx context.Context,
	id string,
	to JobState,
	apply func(transaction *sql.Tx, from JobState, timestamp string) (sql.Result, error),
) error {
	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer transaction.Rollback()

	var current string
	err = transaction.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	from := JobState(current)
	if err := checkTransition(from, to); err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}

	result, err := apply(transaction, from, store.nowTimestamp())
	if err != nil {
		return fmt.Errorf("job %s -> %s: %w", id, to, err)
	}
	if changedRows, _ := result.RowsAffected(); changedRows == 0 {
		return fmt.Errorf("job %s: %w: state changed concurrently", id, ErrIllegalTransition)
	}
	return transaction.Commit()
}

// ReplayJob re-enqueues a failed job as a fresh queued job with the same kind, payload
// and priority. The failed record is left as it is.
func (store *Store) ReplayJob(ctx context.Context, id string) (string, error) {
	original, err := store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if original.State != JobFailed {
		return "", fmt.Errorf("replay %s: job is %s, only failed jobs can be replayed", id, original.State)
	}
	job, _, err := store.insertJob(ctx, EnqueueArgs{
		Kind:      original.Kind,
		Payload:   original.Payload,
		Priority:  original.Priority,
		DedupeKey: original.DedupeKey,
	}, original.ID, "")
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (store *Store) GetJob(ctx context.Context, id string) (Job, error) {
	job, err := scanJob(store.database.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

type ListJobsArgs struct {
	State JobState
	Kind  JobKind
	Limit int
}

// ListJobs returns jobs newest first.
func (store *Store) ListJobs(ctx context.Context, args ListJobsArgs) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var params []any
	if args.State != "" {
		query += ` AND status = ?`
		params = append(params, string(args.State))
	}
	if args.Kind != "" {
		query += ` AND kind = ?`
		params = append(params, string(args.Kind))
	}
	query += ` ORDER BY seq DESC`
	if args.Limit > 0 {
		query += ` LIMIT ?`
		params = append(params, args.Limit)
	}

	rows, err := store.database.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (store *Store) JobCounts(ctx context.Context) (map[JobState]int, error) {
	rows, err := store.database.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[JobState]int{JobQueued: 0, JobProcessing: 0, JobDone: 0, JobFailed: 0}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[JobState(state)] = count
	}
	return counts, rows.Err()
}

func marshalPayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return []byte("{}"), nil
		}
		return p, nil
	}
	return json.Marshal(v)
}

func scanJob(scanner rowScanner) (Job, error) {
	var job Job
	var kind, state, payload string
	var dedupeKey, result, lastError, leasedBy, leasedAt, replayOf sql.NullString
	var createdAt, updatedAt sql.NullString
	err := scanner.Scan(
		&job.Seq,
		&job.ID,
		&kind,
		&dedupeKey,
		&payload,
		&result,
		&state,
		&job.Priority,
		&job.Attempts,
		&lastError,
		&leasedBy,
		&leasedAt,
		&replayOf,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	job.Kind = JobKind(kind)
	job.State = JobState(state)
	job.DedupeKey = dedupeKey.String
	job.Payload = json.RawMessage(payload)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.LastError = lastError.String
	job.LeasedBy = leasedBy.String
	job.LeasedAt = parseTime(leasedAt)
	job.ReplayOf = replayOf.String
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return job, nil
}
