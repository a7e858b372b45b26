package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/config"
	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/theimaginaryfoundation/context-o-bot/importer"
	"github.com/theimaginaryfoundation/context-o-bot/session"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if cfg.InitConfig {
		path := config.ResolvePath(cfg.ConfigPath)
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		fmt.Fprintln(os.Stdout, "wrote", path)
		return
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

	imp := importer.New(st, importer.Options{
		RetryWindow: shared.Import.RetryWindow,
		Sidechains:  cfg.Sidechains,
		Concurrency: cfg.Concurrency,
		Discover:    shared.Discover(),
		Logger:      logger,
	})

	summary, err := run(ctx, imp, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}
	if cfg.Watch && ctx.Err() == nil {
		match, merr := session.Matcher(shared.Discover())
		if merr != nil {
			fmt.Fprintln(os.Stderr, merr.Error())
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "watching %s (debounce %s)\n", cfg.ProjectsDir, cfg.Debounce)
		if werr := watch(ctx, cfg.ProjectsDir, match, cfg.Debounce, imp, logger); werr != nil {
			fmt.Fprintln(os.Stderr, werr.Error())
			os.Exit(1)
		}
		return
	}
	if err != nil || summary.Failed > 0 {
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ConfigPath, "config", "", "Config file (default ~/.context-o-bot/config.yaml or $CONTEXTBOT_CONFIG)")
	fs.StringVar(&cfg.ProjectsDir, "projects", "", "Directory of per-project session logs (default from config: projects_dir)")
	fs.StringVar(&cfg.DBPath, "db", "", "SQLite database path (default from config: db_path)")
	fs.IntVar(&cfg.Concurrency, "concurrency", 0, "Files imported in parallel (default from config: import.concurrency)")
	fs.BoolVar(&cfg.Sidechains, "sidechains", false, "Also store subagent threads as child sessions")
	fs.BoolVar(&cfg.Watch, "watch", false, "Keep running and re-import session logs as they change")
	fs.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "Quiet period after the last write before a watched file is imported")
	fs.BoolVar(&cfg.JSON, "json", false, "Print one JSON result per file on stdout")
	fs.BoolVar(&cfg.InitConfig, "init-config", false, "Write the default config file (to -config or the default path) and exit")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags] [session.jsonl ...]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExample:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/session-import -projects ~/.claude/projects -watch")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	for _, p := range fs.Args() {
		cfg.Paths = append(cfg.Paths, filepath.Clean(fileutils.ExpandHome(p)))
	}
	if cfg.ProjectsDir != "" {
		cfg.ProjectsDir = filepath.Clean(fileutils.ExpandHome(cfg.ProjectsDir))
	}
	if cfg.DBPath != "" {
		cfg.DBPath = filepath.Clean(fileutils.ExpandHome(cfg.DBPath))
	}
	return cfg, nil
}

// run performs one import pass and writes the stats line to stdout.
func run(ctx context.Context, imp *importer.Importer, cfg Config, stdout io.Writer) (importer.Summary, error) {
	start := time.Now()
	var (
		results []importer.Result
		summary importer.Summary
		err     error
	)
	if len(cfg.Paths) > 0 {
		results, summary, err = imp.ImportPaths(ctx, cfg.Paths)
	} else {
		results, summary, err = imp.ImportAll(ctx, cfg.ProjectsDir)
	}

	if cfg.JSON {
		enc := json.NewEncoder(stdout)
		for _, res := range results {
			if encErr := enc.Encode(res); encErr != nil {
				return summary, encErr
			}
		}
	}
	fmt.Fprintf(stdout, "files=%d imported=%d refreshed=%d up_to_date=%d skipped_empty=%d failed=%d jobs_queued=%d warnings=%d elapsed=%s\n",
		summary.Files+summary.Failed, summary.Imported, summary.Refreshed, summary.UpToDate, summary.Empty,
		summary.Failed, summary.JobsQueued, summary.Warnings, time.Since(start).Round(time.Millisecond))
	return summary, err
}

func logImport(logger logrus.FieldLogger, res importer.Result) {
	logger.WithFields(logrus.Fields{
		"path":       res.Path,
		"session_id": res.SessionID,
		"status":     res.Status,
		"imported":   res.Imported,
		"refreshed":  res.Refreshed,
		"jobs":       res.JobsQueued,
	}).Info("session imported")
}
