// Package importer persists reconstructed turns and queues the summarization work
// they need. It is the only place where parsed logs meet the store.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/session"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

type Status string

const (
	StatusUpToDate     Status = "up_to_date"
	StatusSkippedEmpty Status = "skipped_empty"
	StatusImported     Status = "imported"
)

// Store is the slice of the store the importer writes through.
type Store interface {
	UpsertSession(ctx context.Context, args store.UpsertSessionArgs) (bool, error)
	UpsertTurn(ctx context.Context, sessionID string, turn session.Turn) (string, store.TurnOutcome, error)
	EnqueueJob(ctx context.Context, args store.EnqueueArgs) (string, error)
	RefreshTurnCount(ctx context.Context, sessionID string) (int, error)
}

type Options struct {
	// RetryWindow is passed through to the parser.
	RetryWindow time.Duration
	// Sidechains also stores inline subagent threads as child sessions keyed
	// "<session>:<thread>".
	Sidechains bool
	// Concurrency bounds ImportAll; <= 0 means 1.
	Concurrency int
	Discover    session.DiscoverOptions
	Logger      logrus.FieldLogger
}

type Importer struct {
	store  Store
	opts   Options
	logger logrus.FieldLogger
}

func New(st Store, opts Options) *Importer {
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &Importer{store: st, opts: opts, logger: logger}
}

type Result struct {
	Path            string            `json:"path"`
	SessionID       string            `json:"session_id"`
	ParentSessionID string            `json:"parent_session_id,omitempty"`
	Workspace       string            `json:"workspace,omitempty"`
	Status          Status            `json:"status"`
	Imported        int               `json:"turns_imported"`
	Refreshed       int               `json:"turns_refreshed"`
	Skipped         int               `json:"turns_skipped"`
	Sidechains      int               `json:"sidechain_sessions,omitempty"`
	JobsQueued      int               `json:"jobs_queued"`
	Warnings        []session.Warning `json:"warnings,omitempty"`
}

// ImportFile parses one session log and stores its turns. Unchanged turns are left
// alone; new or changed turns get a turn_summary job and the session a
// session_summary job.
func (imp *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	sessionID := session.SessionID(path)
	isAgentFile := session.IsSidechainFile(path)
	logger := imp.logger.WithFields(logrus.Fields{"path": path, "session_id": sessionID})

	parsed, err := session.ParseFile(path, session.Options{
		RetryWindow:   imp.opts.RetryWindow,
		Sidechains:    imp.opts.Sidechains && !isAgentFile,
		SidechainFile: isAgentFile,
		OnWarning: func(w session.Warning) {
			logger.WithField("line", w.Line).Warn(w.Reason)
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("ImportFile: %w", err)
	}

	res := Result{
		Path:      path,
		SessionID: sessionID,
		Workspace: session.ProjectPath(path, parsed.Cwd),
		Warnings:  parsed.Warnings,
	}
	// Agent logs record the parent conversation's id on every event.
	if isAgentFile && parsed.SessionID != "" && parsed.SessionID != sessionID {
		res.ParentSessionID = parsed.SessionID
	}

	if len(parsed.Turns) == 0 && len(parsed.Sidechains) == 0 {
		res.Status = StatusSkippedEmpty
		logger.Debug("no turns, skipping")
		return res, nil
	}

	created, counts, err := imp.storeSequence(ctx, sequence{
		sessionID: sessionID,
		parentID:  res.ParentSessionID,
		path:      path,
		workspace: res.Workspace,
		turns:     parsed.Turns,
	})
	if err != nil {
		return Result{}, err
	}
	res.addCounts(counts)

	keys := make([]string, 0, len(parsed.Sidechains))
	for key := range parsed.Sidechains {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		_, sideCounts, err := imp.storeSequence(ctx, sequence{
			sessionID: sessionID + ":" + key,
			parentID:  sessionID,
			path:      path,
			workspace: res.Workspace,
			turns:     parsed.Sidechains[key],
		})
		if err != nil {
			return Result{}, err
		}
		res.Sidechains++
		res.addCounts(sideCounts)
	}

	if !created && res.Imported == 0 && res.Refreshed == 0 {
		res.Status = StatusUpToDate
	} else {
		res.Status = StatusImported
	}
	logger.WithFields(logrus.Fields{
		"status":    res.Status,
		"imported":  res.Imported,
		"refreshed": res.Refreshed,
		"skipped":   res.Skipped,
		"warnings":  len(res.Warnings),
	}).Info("session imported")
	return res, nil
}

type sequence struct {
	sessionID string
	parentID  string
	path      string
	workspace string
	turns     []session.Turn
}

type counts struct {
	imported, refreshed, skipped, jobs int
}

func (r *Result) addCounts(c counts) {
	r.Imported += c.imported
	r.Refreshed += c.refreshed
	r.Skipped += c.skipped
	r.JobsQueued += c.jobs
}

func (imp *Importer) storeSequence(ctx context.Context, seq sequence) (bool, counts, error) {
	var c counts
	if len(seq.turns) == 0 {
		return false, c, nil
	}
	first, last := seq.turns[0], seq.turns[len(seq.turns)-1]
	lastActivity := last.EndedAt
	if lastActivity.IsZero() {
		lastActivity = last.StartedAt
	}
	created, err := imp.store.UpsertSession(ctx, store.UpsertSessionArgs{
		ID:              seq.sessionID,
		FilePath:        seq.path,
		Workspace:       seq.workspace,
		ParentSessionID: seq.parentID,
		StartedAt:       first.StartedAt,
		LastActivityAt:  lastActivity,
	})
	if err != nil {
		return false, c, fmt.Errorf("ImportFile: %s: %w", seq.sessionID, err)
	}

	for _, turn := range seq.turns {
		turnID, outcome, err := imp.store.UpsertTurn(ctx, seq.sessionID, turn)
		if err != nil {
			return created, c, fmt.Errorf("ImportFile: %s turn %d: %w", seq.sessionID, turn.Index, err)
		}
		switch outcome {
		case store.TurnUnchanged:
			c.skipped++
			continue
		case store.TurnInserted:
			c.imported++
		case store.TurnRefreshed:
			c.refreshed++
		}
		if _, err := imp.store.EnqueueJob(ctx, store.EnqueueArgs{
			Kind:      store.KindTurnSummary,
			Payload:   store.TurnJobPayload{SessionID: seq.sessionID, TurnID: turnID, Index: turn.Index},
			Priority:  store.PriorityTurnSummary,
			DedupeKey: store.TurnJobKey(seq.sessionID, turn.Index),
		}); err != nil {
			return created, c, fmt.Errorf("ImportFile: enqueue turn %d: %w", turn.Index, err)
		}
		c.jobs++
	}

	if c.imported+c.refreshed > 0 {
		if _, err := imp.store.EnqueueJob(ctx, store.EnqueueArgs{
			Kind:      store.KindSessionSummary,
			Payload:   store.SessionJobPayload{SessionID: seq.sessionID},
			Priority:  store.PrioritySessionSummary,
			DedupeKey: store.SessionJobKey(seq.sessionID),
		}); err != nil {
			return created, c, fmt.Errorf("ImportFile: enqueue session summary: %w", err)
		}
		c.jobs++
	}
	if _, err := imp.store.RefreshTurnCount(ctx, seq.sessionID); err != nil {
		return created, c, fmt.Errorf("ImportFile: %s: %w", seq.sessionID, err)
	}
	return created, c, nil
}

type Summary struct {
	Files      int
	Imported   int
	Refreshed  int
	Skipped    int
	UpToDate   int
	Empty      int
	Failed     int
	Warnings   int
	JobsQueued int
}

func (s *Summary) add(res Result) {
	s.Files++
	s.Imported += res.Imported
	s.Refreshed += res.Refreshed
	s.Skipped += res.Skipped
	s.Warnings += len(res.Warnings)
	s.JobsQueued += res.JobsQueued
	switch res.Status {
	case StatusUpToDate:
		s.UpToDate++
	case StatusSkippedEmpty:
		s.Empty++
	}
}

// ImportAll discovers session logs under root and imports them with bounded
// parallelism. A file that fails is logged and counted; the rest still import. The
// returned error joins the per-file failures.
func (imp *Importer) ImportAll(ctx context.Context, root string) ([]Result, Summary, error) {
	paths, err := session.Discover(root, imp.opts.Discover)
	if err != nil {
		return nil, Summary{}, err
	}
	return imp.ImportPaths(ctx, paths)
}

func (imp *Importer) ImportPaths(ctx context.Context, paths []string) ([]Result, Summary, error) {
	concurrency := imp.opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]Result, len(paths))
	failures := make([]error, len(paths))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				failures[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			res, err := imp.ImportFile(ctx, path)
			if err != nil {
				imp.logger.WithField("path", path).WithError(err).Error("import failed")
				failures[i] = fmt.Errorf("%s: %w", path, err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	var summary Summary
	out := make([]Result, 0, len(paths))
	var errs []error
	for i := range paths {
		if failures[i] != nil {
			summary.Failed++
			errs = append(errs, failures[i])
			continue
		}
		summary.add(results[i])
		out = append(out, results[i])
	}
	return out, summary, errors.Join(errs...)
}
