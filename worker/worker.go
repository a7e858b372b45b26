// Package worker drains the job queue: it leases jobs, runs the model call each
// kind needs, validates the answer and writes it back to the owning turn or
// session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/provider"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

const (
	DefaultBatchSize   = 20
	DefaultConcurrency = 4
)

type Store interface {
	LeaseJobs(ctx context.Context, args store.LeaseArgs) ([]store.Job, error)
	CompleteJob(ctx context.Context, id string, result any) error
	FailJob(ctx context.Context, id string, cause string) error
	GetTurn(ctx context.Context, id string) (store.Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]store.Turn, error)
	SetTurnSummary(ctx context.Context, turnID, fingerprint string, summary store.TurnSummary) error
	SetSessionSummary(ctx context.Context, sessionID, title, summary string) error
}

type Options struct {
	// Owner is recorded on leased jobs; defaults to worker-<pid>.
	Owner       string
	BatchSize   int
	Concurrency int
	// Kinds restricts which kinds are leased; empty means every kind with a handler.
	Kinds   []store.JobKind
	Timeout time.Duration
	Metrics *Metrics
	Logger  logrus.FieldLogger
}

type handler func(ctx context.Context, job store.Job) (any, error)

type Worker struct {
	store     Store
	generator provider.Generator
	opts      Options
	logger    logrus.FieldLogger
	metrics   *Metrics
	handlers  map[store.JobKind]handler
}

func New(st Store, generator provider.Generator, opts Options) *Worker {
	if opts.Owner == "" {
		opts.Owner = fmt.Sprintf("worker-%d", os.Getpid())
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	w := &Worker{
		store:     st,
		generator: generator,
		opts:      opts,
		logger:    logger.WithField("owner", opts.Owner),
		metrics:   metrics,
	}
	w.handlers = map[store.JobKind]handler{
		store.KindTurnSummary:    w.summarizeTurn,
		store.KindSessionSummary: w.summarizeSession,
	}
	return w
}

// Kinds lists the job kinds this worker leases.
func (w *Worker) Kinds() []store.JobKind {
	if len(w.opts.Kinds) > 0 {
		return w.opts.Kinds
	}
	kinds := make([]store.JobKind, 0, len(w.handlers))
	for kind := range w.handlers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

type Stats struct {
	Batches int
	Leased  int
	Done    int
	Failed  int
}

func (s *Stats) add(other Stats) {
	s.Batches += other.Batches
	s.Leased += other.Leased
	s.Done += other.Done
	s.Failed += other.Failed
}

// RunOnce leases one batch and processes it. Jobs run in priority groups: every job
// of a lower priority value finishes before the next group starts. An empty queue
// returns zero stats without waiting.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	jobs, err := w.store.LeaseJobs(ctx, store.LeaseArgs{
		Kinds: w.Kinds(),
		Limit: w.opts.BatchSize,
		Owner: w.opts.Owner,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("RunOnce: %w", err)
	}
	if len(jobs) == 0 {
		return Stats{}, nil
	}

	stats := Stats{Batches: 1, Leased: len(jobs)}
	for _, job := range jobs {
		w.metrics.JobsLeased.WithLabelValues(string(job.Kind)).Inc()
	}

	var errs []error
	for _, group := range priorityGroups(jobs) {
		done, failed, err := w.runGroup(ctx, group)
		stats.Done += done
		stats.Failed += failed
		if err != nil {
			errs = append(errs, err)
		}
	}
	return stats, errors.Join(errs...)
}

// Drain runs batches until the queue has nothing left for this worker or ctx ends.
// maxBatches <= 0 means no limit.
func (w *Worker) Drain(ctx context.Context, maxBatches int) (Stats, error) {
	var total Stats
	for maxBatches <= 0 || total.Batches < maxBatches {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		stats, err := w.RunOnce(ctx)
		total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.Leased == 0 {
			break
		}
	}
	return total, nil
}

func priorityGroups(jobs []store.Job) [][]store.Job {
	var groups [][]store.Job
	for i, job := range jobs {
		if i == 0 || job.Priority != jobs[i-1].Priority {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], job)
	}
	return groups
}

// runGroup processes jobs with bounded concurrency and joins before returning. A job
// failure is recorded on the job and is not an error here; only store write failures
// are returned.
func (w *Worker) runGroup(ctx context.Context, jobs []store.Job) (done, failed int, err error) {
	sem := make(chan struct{}, w.opts.Concurrency)
	errCh := make(chan error, len(jobs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ok, err := w.process(ctx, job)
			if err != nil {
				errCh <- err
			}
			mu.Lock()
			if ok {
				done++
			} else {
				failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return done, failed, errors.Join(errs...)
}

func (w *Worker) process(ctx context.Context, job store.Job) (bool, error) {
	logger := w.logger.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind})
	start := time.Now()
	defer func() {
		w.metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())
	}()

	result, err := w.run(ctx, job)
	if err != nil {
		w.metrics.JobsFinished.WithLabelValues(string(job.Kind), "failed").Inc()
		logger.WithError(err).Warn("job failed")
		// The failure must be recorded even when ctx was cancelled mid-call.
		if failErr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			return false, fmt.Errorf("record failure of job %s: %w", job.ID, failErr)
		}
		return false, nil
	}
	if err := w.store.CompleteJob(ctx, job.ID, result); err != nil {
		return false, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	w.metrics.JobsFinished.WithLabelValues(string(job.Kind), "done").Inc()
	logger.Debug("job done")
	return true, nil
}

func (w *Worker) run(ctx context.Context, job store.Job) (any, error) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	return h(ctx, job)
}
