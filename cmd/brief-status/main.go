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
	"text/tabwriter"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/brief"
	"github.com/theimaginaryfoundation/context-o-bot/config"
	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
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
	if err := cfg.Validate(); err != nil {
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

	if err := run(ctx, st, cfg, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ConfigPath, "config", "", "Config file (default ~/.context-o-bot/config.yaml or $CONTEXTBOT_CONFIG)")
	fs.StringVar(&cfg.DBPath, "db", "", "SQLite database path (default from config: db_path)")
	fs.StringVar(&cfg.BriefsDir, "briefs-dir", "", "Directory holding one brief per project (default from config: briefs_dir)")
	fs.StringVar(&cfg.Workspace, "workspace", "", "Report one project directory instead of every known project")
	fs.BoolVar(&cfg.StaleOnly, "stale-only", false, "Only list projects whose brief is stale or missing")
	fs.BoolVar(&cfg.JSON, "json", false, "Print statuses as a JSON array")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExample:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/brief-status -stale-only")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.Workspace != "" {
		abs, err := filepath.Abs(fileutils.ExpandHome(cfg.Workspace))
		if err != nil {
			return Config{}, err
		}
		cfg.Workspace = abs
	}
	if cfg.DBPath != "" {
		cfg.DBPath = filepath.Clean(fileutils.ExpandHome(cfg.DBPath))
	}
	if cfg.BriefsDir != "" {
		cfg.BriefsDir = filepath.Clean(fileutils.ExpandHome(cfg.BriefsDir))
	}
	return cfg, nil
}

// row is one project in the report.
type row struct {
	brief.Status
	Sessions     int       `json:"sessions"`
	Turns        int       `json:"turns"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

func run(ctx context.Context, st *store.Store, cfg Config, stdout io.Writer) error {
	projects, err := st.ListProjects(ctx)
	if err != nil {
		return err
	}
	if cfg.Workspace != "" {
		match := store.Project{Workspace: cfg.Workspace}
		for _, p := range projects {
			if p.Workspace == cfg.Workspace {
				match = p
				break
			}
		}
		projects = []store.Project{match}
	}

	counts := map[brief.Verdict]int{}
	rows := make([]row, 0, len(projects))
	for _, p := range projects {
		status, err := brief.CheckStatus(ctx, st, cfg.BriefsDir, p.Workspace)
		if err != nil {
			return fmt.Errorf("%s: %w", p.Workspace, err)
		}
		counts[status.Verdict]++
		if cfg.StaleOnly && status.Verdict == brief.Fresh {
			continue
		}
		rows = append(rows, row{Status: status, Sessions: p.Sessions, Turns: p.Turns, LastActivity: p.LastActivity})
	}

	if cfg.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERDICT\tSESSIONS\tTURNS\tLAST ACTIVITY\tNEW SESSIONS\tNEW TURNS\tGENERATED\tWORKSPACE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%d\t%s\t%s\n",
			r.Verdict, r.Sessions, r.Turns, formatTime(r.LastActivity), r.NewSessions, r.NewTurns, formatTime(r.GeneratedAt), r.Workspace)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "projects=%d fresh=%d stale=%d missing=%d\n",
		len(projects), counts[brief.Fresh], counts[brief.Stale], counts[brief.Missing])
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
