// Package brief builds and maintains the per-project brief: a six-section markdown
// document distilled from stored sessions and the project's own documentation.
package brief

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/provider"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

const (
	DefaultTopK     = 15
	DefaultMapWidth = 4
	jobOwner        = "brief-synthesizer"
)

var (
	ErrNothingToSynthesize = errors.New("no sessions or project documentation to synthesize from")
	ErrNoExtractions       = errors.New("every session extraction failed")
)

type Store interface {
	GetSession(ctx context.Context, id string) (store.Session, error)
	ListTurns(ctx context.Context, sessionID string) ([]store.Turn, error)
	TopSessions(ctx context.Context, workspace string, limit int) ([]store.Session, error)
	SessionsChangedSince(ctx context.Context, workspace string, since time.Time) ([]store.Session, error)
	ActivitySince(ctx context.Context, workspace string, since time.Time) (int, int, error)
	TurnsImportedSince(ctx context.Context, sessionID string, since time.Time) (int, error)
	GetBrief(ctx context.Context, workspace string) (store.BriefRecord, error)
	PutBrief(ctx context.Context, record store.BriefRecord) error
	StartJob(ctx context.Context, args store.EnqueueArgs, owner string) (store.Job, error)
	CompleteJob(ctx context.Context, id string, result any) error
	FailJob(ctx context.Context, id string, cause string) error
}

type Options struct {
	BriefsDir string
	// TopK bounds how many sessions a full synthesis reads.
	TopK int
	// MapWidth is the number of extraction calls in flight at once.
	MapWidth int
	// Timeout bounds structured extraction calls; TextTimeout bounds the document
	// calls, which produce far more output.
	Timeout     time.Duration
	TextTimeout time.Duration
	Metrics     *Metrics
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

type Synthesizer struct {
	store     Store
	generator provider.Generator
	opts      Options
	logger    logrus.FieldLogger
	metrics   *Metrics
}

func New(st Store, generator provider.Generator, opts Options) *Synthesizer {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MapWidth <= 0 {
		opts.MapWidth = DefaultMapWidth
	}
	if opts.Now == nil {
		opts.Now = time.Now
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
	return &Synthesizer{store: st, generator: generator, opts: opts, logger: logger, metrics: metrics}
}

type Mode string

const (
	ModeSynthesize Mode = "synthesize"
	ModeUpdate     Mode = "update"
	ModeNone       Mode = "none"
)

type SessionFailure struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// Result describes one run. Incorporated below Requested means some extractions
// failed; Failures says which.
type Result struct {
	Workspace    string           `json:"workspace"`
	Path         string           `json:"path,omitempty"`
	Mode         Mode             `json:"mode"`
	Verdict      Verdict          `json:"verdict,omitempty"`
	Requested    int              `json:"sessions_requested"`
	Incorporated int              `json:"sessions_incorporated"`
	Turns        int              `json:"turns_incorporated"`
	Updated      []string         `json:"updated_sessions,omitempty"`
	Failures     []SessionFailure `json:"failures,omitempty"`
}

type Metrics struct {
	Extractions *prometheus.CounterVec
	Runs        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Extractions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contextbot_brief_extractions_total",
			Help: "Per-session extraction calls by outcome",
		}, []string{"outcome"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contextbot_brief_runs_total",
			Help: "Brief synthesize and update runs by mode and outcome",
		}, []string{"mode", "outcome"}),
	}
}

func (s *Synthesizer) observeRun(mode Mode, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.Runs.WithLabelValues(string(mode), outcome).Inc()
}

// audit records a model call the synthesizer makes itself as a job row, started and
// finished here so no worker leases it.
func (s *Synthesizer) audit(ctx context.Context, kind store.JobKind, payload any, call func() (any, error)) error {
	job, err := s.store.StartJob(ctx, store.EnqueueArgs{Kind: kind, Payload: payload, Priority: 2}, jobOwner)
	if err != nil {
		return err
	}
	result, callErr := call()
	if callErr != nil {
		if err := s.store.FailJob(context.WithoutCancel(ctx), job.ID, callErr.Error()); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Warn("could not record failed job")
		}
		return callErr
	}
	return s.store.CompleteJob(ctx, job.ID, result)
}
