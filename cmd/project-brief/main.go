package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/brief"
	"github.com/theimaginaryfoundation/context-o-bot/config"
	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/theimaginaryfoundation/context-o-bot/provider"
	"github.com/theimaginaryfoundation/context-o-bot/store"
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
	if !cfg.All && cfg.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		cfg.Workspace = wd
	}
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

	openaiCfg := shared.OpenAI(logger)
	openaiCfg.APIKey = cfg.APIKey
	openaiCfg.Model = cfg.Model
	gen, err := provider.NewOpenAIGenerator(openaiCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error(), "(set llm.api_key, OPENAI_API_KEY or -api-key)")
		os.Exit(2)
	}
	syn := brief.New(st, gen, brief.Options{
		BriefsDir:   cfg.BriefsDir,
		TopK:        cfg.TopK,
		MapWidth:    cfg.MapWidth,
		Timeout:     cfg.Timeout,
		TextTimeout: cfg.TextTimeout,
		Logger:      logger,
	})

	if err := run(ctx, syn, st, cfg, os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	var mode string
	fs.StringVar(&cfg.ConfigPath, "config", "", "Config file (default ~/.context-o-bot/config.yaml or $CONTEXTBOT_CONFIG)")
	fs.StringVar(&cfg.DBPath, "db", "", "SQLite database path (default from config: db_path)")
	fs.StringVar(&cfg.BriefsDir, "briefs-dir", "", "Directory holding one brief per project (default from config: briefs_dir)")
	fs.StringVar(&cfg.Model, "model", "", "OpenAI model (default from config: llm.model)")
	fs.StringVar(&cfg.APIKey, "api-key", "", "OpenAI API key (overrides config and OPENAI_API_KEY)")
	fs.StringVar(&cfg.Workspace, "workspace", "", "Project directory (default: current directory; may also be given as the first argument)")
	fs.BoolVar(&cfg.All, "all", false, "Run for every project that has imported sessions")
	fs.StringVar(&mode, "mode", string(cfg.Mode), "refresh (update only when stale), synthesize (rebuild from scratch) or update (fold in one session)")
	fs.StringVar(&cfg.SessionID, "session", "", "Session id to fold in with -mode update")
	fs.IntVar(&cfg.TopK, "top-k", 0, "Sessions considered for a full synthesis (default from config: brief.top_k)")
	fs.IntVar(&cfg.MapWidth, "map-width", 0, "Parallel session extractions (default from config: brief.map_width)")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "Per-extraction model timeout (default from config: llm.timeout)")
	fs.DurationVar(&cfg.TextTimeout, "text-timeout", 0, "Brief synthesis/update model timeout (default from config: llm.text_timeout)")
	fs.BoolVar(&cfg.JSON, "json", false, "Print one JSON result per project instead of the stats line")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags] [workspace]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExamples:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/project-brief ~/src/context-o-bot")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/project-brief -mode update -session 7f0c... ~/src/context-o-bot")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/project-brief -all")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 1 {
		return Config{}, fmt.Errorf("expected at most one workspace, got %d", fs.NArg())
	}
	if fs.NArg() == 1 {
		if cfg.Workspace != "" {
			return Config{}, errors.New("workspace given both as -workspace and as an argument")
		}
		cfg.Workspace = fs.Arg(0)
	}
	if cfg.Workspace != "" {
		abs, err := filepath.Abs(fileutils.ExpandHome(cfg.Workspace))
		if err != nil {
			return Config{}, err
		}
		cfg.Workspace = abs
	}
	cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(mode)))
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	if cfg.DBPath != "" {
		cfg.DBPath = filepath.Clean(fileutils.ExpandHome(cfg.DBPath))
	}
	if cfg.BriefsDir != "" {
		cfg.BriefsDir = filepath.Clean(fileutils.ExpandHome(cfg.BriefsDir))
	}
	return cfg, nil
}

// run executes the configured mode for each target workspace. With -all a failing
// project is reported and the rest still run.
func run(ctx context.Context, syn *brief.Synthesizer, st *store.Store, cfg Config, stdout io.Writer, logger logrus.FieldLogger) error {
	workspaces := []string{cfg.Workspace}
	if cfg.All {
		projects, err := st.ListProjects(ctx)
		if err != nil {
			return err
		}
		workspaces = workspaces[:0]
		for _, p := range projects {
			workspaces = append(workspaces, p.Workspace)
		}
	}

	var errs []error
	for _, ws := range workspaces {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		start := time.Now()
		result, err := runOne(ctx, syn, cfg, ws)
		for _, f := range result.Failures {
			logger.WithFields(logrus.Fields{"workspace": ws, "session": f.SessionID}).Warn("session left out: " + f.Error)
		}
		if err != nil {
			logger.WithError(err).WithField("workspace", ws).Error("brief failed")
			errs = append(errs, fmt.Errorf("%s: %w", ws, err))
			continue
		}
		if err := report(stdout, result, cfg.JSON, time.Since(start)); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func runOne(ctx context.Context, syn *brief.Synthesizer, cfg Config, workspace string) (brief.Result, error) {
	switch cfg.Mode {
	case ModeSynthesize:
		return syn.Synthesize(ctx, workspace)
	case ModeUpdate:
		return syn.Update(ctx, workspace, cfg.SessionID)
	default:
		return syn.Refresh(ctx, workspace)
	}
}

func report(w io.Writer, result brief.Result, asJSON bool, elapsed time.Duration) error {
	if asJSON {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	verdict := string(result.Verdict)
	if verdict == "" {
		verdict = "-"
	}
	_, err := fmt.Fprintf(w, "workspace=%s mode=%s verdict=%s requested=%d incorporated=%d turns=%d failures=%d path=%s elapsed=%s\n",
		result.Workspace, result.Mode, verdict, result.Requested, result.Incorporated, result.Turns,
		len(result.Failures), result.Path, elapsed.Round(time.Millisecond))
	return err
}
