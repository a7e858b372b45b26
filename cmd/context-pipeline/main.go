package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stages := allStages
	if cfg.OnlyStage != "" {
		stages = []string{cfg.OnlyStage}
	} else if cfg.FromStage != "" {
		stages = stagesFrom(stages, cfg.FromStage)
	}

	for _, stage := range stages {
		name, args := stageCommand(cfg, stage)
		if cfg.DryRun {
			fmt.Fprintln(os.Stdout, name+" "+strings.Join(args, " "))
			continue
		}
		if err := runCommand(ctx, name, args...); err != nil {
			os.Exit(1)
		}
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ConfigPath, "config", "", "Config file passed to every stage")
	fs.StringVar(&cfg.DBPath, "db", "", "SQLite database path passed to every stage (default from config: db_path)")
	fs.StringVar(&cfg.ProjectsDir, "projects", "", "Directory of per-project session logs for the import stage")
	fs.StringVar(&cfg.Workspace, "workspace", "", "Brief one project directory (default: every project with sessions)")
	fs.StringVar(&cfg.BriefMode, "brief-mode", cfg.BriefMode, "Brief stage mode: refresh|synthesize")
	fs.IntVar(&cfg.MaxBatches, "max-batches", 0, "Stop the process stage after this many batches (0 = until the queue is empty)")
	fs.StringVar(&cfg.FromStage, "from-stage", "", "Start at stage: import|process|brief|status")
	fs.StringVar(&cfg.OnlyStage, "only-stage", "", "Run only one stage: import|process|brief|status")
	fs.StringVar(&cfg.BinDir, "bin-dir", "", "Run stage binaries from this directory instead of go run")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Print the stage commands without running them")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExample:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/context-pipeline -from-stage process -workspace ~/src/context-o-bot")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.FromStage = strings.ToLower(strings.TrimSpace(cfg.FromStage))
	cfg.OnlyStage = strings.ToLower(strings.TrimSpace(cfg.OnlyStage))
	cfg.BriefMode = strings.ToLower(strings.TrimSpace(cfg.BriefMode))
	for _, p := range []*string{&cfg.ConfigPath, &cfg.DBPath, &cfg.ProjectsDir, &cfg.BinDir} {
		if *p != "" {
			*p = filepath.Clean(fileutils.ExpandHome(*p))
		}
	}
	if cfg.Workspace != "" {
		abs, err := filepath.Abs(fileutils.ExpandHome(cfg.Workspace))
		if err != nil {
			return Config{}, err
		}
		cfg.Workspace = abs
	}
	return cfg, nil
}

var stageBinaries = map[string]string{
	"import":  "session-import",
	"process": "job-worker",
	"brief":   "project-brief",
	"status":  "brief-status",
}

// stageCommand builds the command line for one stage.
func stageCommand(cfg Config, stage string) (string, []string) {
	var args []string
	if cfg.ConfigPath != "" {
		args = append(args, "-config", cfg.ConfigPath)
	}
	if cfg.DBPath != "" {
		args = append(args, "-db", cfg.DBPath)
	}

	switch stage {
	case "import":
		if cfg.ProjectsDir != "" {
			args = append(args, "-projects", cfg.ProjectsDir)
		}
	case "process":
		if cfg.MaxBatches > 0 {
			args = append(args, "-max-batches", fmt.Sprintf("%d", cfg.MaxBatches))
		}
	case "brief":
		args = append(args, "-mode", cfg.BriefMode)
		if cfg.Workspace != "" {
			args = append(args, cfg.Workspace)
		} else {
			args = append(args, "-all")
		}
	case "status":
		if cfg.Workspace != "" {
			args = append(args, "-workspace", cfg.Workspace)
		}
	}

	binary := stageBinaries[stage]
	if cfg.BinDir != "" {
		return filepath.Join(cfg.BinDir, binary), args
	}
	return "go", append([]string{"run", "./cmd/" + binary}, args...)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	line := name + " " + strings.Join(args, " ")
	start := time.Now()
	if err := cmd.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "command failed:", line)
		fmt.Fprintln(os.Stderr, "error:", err.Error())
		return err
	}
	fmt.Fprintln(os.Stderr, "ok:", line, "(", time.Since(start).Round(time.Millisecond).String()+")")
	return nil
}

func stagesFrom(stages []string, from string) []string {
	from = strings.ToLower(strings.TrimSpace(from))
	for i, s := range stages {
		if s == from {
			return stages[i:]
		}
	}
	return stages
}
