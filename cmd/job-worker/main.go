package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/config"
	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/theimaginaryfoundation/context-o-bot/provider"
	"github.com/theimaginaryfoundation/context-o-bot/store"
	"github.com/theimaginaryfoundation/context-o-bot/worker"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err.Error())
		os.Exit(2)
	}
	shared, err := config.Load(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	cfg.applyShared(shared)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	logger, err := shared.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer st.Close()

	switch {
	case cfg.List != "":
		err = listJobs(ctx, st, cfg, os.Stdout)
	case cfg.Replay != "" || cfg.ReplayFailed:
		err = replay(ctx, st, cfg, os.Stdout)
	default:
		openaiCfg := shared.OpenAI(logger)
		openaiCfg.APIKey = cfg.APIKey
		openaiCfg.Model = cfg.Model
		gen, genErr := provider.NewOpenAIGenerator(openaiCfg)
		if genErr != nil {
			fmt.Fprintln(os.Stderr, genErr.Error(), "(set llm.api_key, OPENAI_API_KEY or -api-key)")
			os.Exit(2)
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		w := worker.New(st, gen, worker.Options{
			BatchSize:   cfg.BatchSize,
			Concurrency: cfg.Concurrency,
			Kinds:       cfg.Kinds,
			Timeout:     shared.LLM.Timeout,
			Metrics:     worker.NewMetrics(reg),
			Logger:      logger,
		})
		if cfg.MetricsAddr != "" {
			shutdown := serveMetrics(cfg.MetricsAddr, reg, logger)
			defer shutdown()
		}
		if cfg.Every > 0 {
			err = schedule(ctx, cfg.Every, func(ctx context.Context) error {
				return drain(ctx, w, st, cfg, os.Stdout)
			}, logger)
		} else {
			err = drain(ctx, w, st, cfg, os.Stdout)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	var kinds string
	fs.StringVar(&cfg.ConfigPath, "config", "", "Config file (default ~/.context-o-bot/config.yaml or $CONTEXTBOT_CONFIG)")
	fs.StringVar(&cfg.DBPath, "db", "", "SQLite database path (default from config: db_path)")
	fs.StringVar(&cfg.Model, "model", "", "OpenAI model (default from config: llm.model)")
	fs.StringVar(&cfg.APIKey, "api-key", "", "OpenAI API key (overrides config and OPENAI_API_KEY)")
	fs.IntVar(&cfg.BatchSize, "batch-size", 0, "Jobs leased per batch (default from config: worker.batch_size)")
	fs.IntVar(&cfg.Concurrency, "concurrency", 0, "Jobs processed in parallel (default from config: worker.concurrency)")
	fs.IntVar(&cfg.MaxBatches, "max-batches", 0, "Stop after this many batches (0 = until the queue is empty)")
	fs.StringVar(&kinds, "kinds", "", "Comma-separated job kinds to lease (default: turn_summary,session_summary)")
	fs.DurationVar(&cfg.Every, "every", 0, "Keep running and drain the queue on this interval (e.g. 1m)")
	fs.StringVar(&cfg.Replay, "replay", "", "Re-enqueue one failed job by id")
	fs.BoolVar(&cfg.ReplayFailed, "replay-failed", false, "Re-enqueue every failed summary job")
	fs.StringVar(&cfg.List, "list", "", "List jobs in a state: queued|processing|done|failed|all")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "Max jobs listed or replayed (0 = all)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running (e.g. :9464)")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExamples:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/job-worker -every 1m -metrics-addr :9464")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/job-worker -list failed")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	parsed, err := parseKinds(kinds)
	if err != nil {
		return Config{}, err
	}
	cfg.Kinds = parsed
	if cfg.DBPath != "" {
		cfg.DBPath = filepath.Clean(fileutils.ExpandHome(cfg.DBPath))
	}
	cfg.List = strings.ToLower(strings.TrimSpace(cfg.List))
	return cfg, nil
}

func drain(ctx context.Context, w *worker.Worker, st *store.Store, cfg Config, stdout io.Writer) error {
	start := time.Now()
	stats, err := w.Drain(ctx, cfg.MaxBatches)
	counts, countErr := st.JobCounts(context.WithoutCancel(ctx))
	if countErr != nil {
		return errors.Join(err, countErr)
	}
	fmt.Fprintf(stdout, "batches=%d leased=%d done=%d failed=%d queued=%d processing=%d done_total=%d failed_total=%d elapsed=%s\n",
		stats.Batches, stats.Leased, stats.Done, stats.Failed,
		counts[store.JobQueued], counts[store.JobProcessing], counts[store.JobDone], counts[store.JobFailed],
		time.Since(start).Round(time.Millisecond))
	return err
}

// schedule drains on a fixed interval until ctx ends. Runs never overlap; a run that
// overlaps the next tick pushes that tick back.
func schedule(ctx context.Context, every time.Duration, run func(context.Context) error, logger logrus.FieldLogger) error {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if err := run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("drain failed")
			}
		}),
		gocron.WithName("drain"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule drain: %w", err)
	}
	logger.WithField("every", every.String()).Info("draining on schedule")
	s.Start()
	<-ctx.Done()
	return s.Shutdown()
}

func serveMetrics(addr string, reg *prometheus.Registry, logger logrus.FieldLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	logger.WithField("addr", addr).Info("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func listJobs(ctx context.Context, st *store.Store, cfg Config, stdout io.Writer) error {
	args := store.ListJobsArgs{Limit: cfg.Limit}
	if cfg.List != "all" {
		args.State = store.JobState(cfg.List)
	}
	if len(cfg.Kinds) == 1 {
		args.Kind = cfg.Kinds[0]
	}
	jobs, err := st.ListJobs(ctx, args)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if len(cfg.Kinds) > 1 && !slices.Contains(cfg.Kinds, job.Kind) {
			continue
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\tpriority=%d\tattempts=%d\t%s\t%s\t%s\n",
			job.ID, job.Kind, job.State, job.Priority, job.Attempts,
			job.CreatedAt.UTC().Format(time.RFC3339), string(job.Payload), fileutils.Truncate(job.LastError, 200))
	}
	fmt.Fprintf(stdout, "jobs=%d state=%s\n", len(jobs), cfg.List)
	return nil
}

// replayable kinds are the ones a worker can run; synthesizer audit records are
// redone by running project-brief again.
var replayable = []store.JobKind{store.KindTurnSummary, store.KindSessionSummary}

func replay(ctx context.Context, st *store.Store, cfg Config, stdout io.Writer) error {
	var targets []store.Job
	if cfg.Replay != "" {
		job, err := st.GetJob(ctx, cfg.Replay)
		if err != nil {
			return err
		}
		targets = append(targets, job)
	} else {
		failed, err := st.ListJobs(ctx, store.ListJobsArgs{State: store.JobFailed, Limit: cfg.Limit})
		if err != nil {
			return err
		}
		targets = failed
	}

	replayed, skipped := 0, 0
	var errs []error
	for _, job := range targets {
		if !slices.Contains(replayable, job.Kind) {
			if cfg.Replay != "" {
				return fmt.Errorf("job %s is a %s record; rerun project-brief instead", job.ID, job.Kind)
			}
			skipped++
			continue
		}
		id, err := st.ReplayJob(ctx, job.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		replayed++
		fmt.Fprintf(stdout, "%s\t%s\treplay_of=%s\n", id, job.Kind, job.ID)
	}
	fmt.Fprintf(stdout, "replayed=%d skipped=%d errors=%d\n", replayed, skipped, len(errs))
	return errors.Join(errs...)
}
