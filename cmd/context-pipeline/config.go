package main

import (
	"errors"
	"fmt"
	"slices"
)

var allStages = []string{"import", "process", "brief", "status"}

type Config struct {
	ConfigPath  string
	DBPath      string
	ProjectsDir string

	Workspace  string
	BriefMode  string
	MaxBatches int

	FromStage string
	OnlyStage string

	// BinDir runs prebuilt binaries from this directory instead of "go run ./cmd/...".
	BinDir string
	DryRun bool
}

func (c Config) Validate() error {
	if c.OnlyStage != "" && c.FromStage != "" {
		return errors.New("use only one of -only-stage or -from-stage")
	}
	for _, stage := range []string{c.OnlyStage, c.FromStage} {
		if stage != "" && !slices.Contains(allStages, stage) {
			return fmt.Errorf("unknown stage %q (import|process|brief|status)", stage)
		}
	}
	switch c.BriefMode {
	case "refresh", "synthesize":
	default:
		return fmt.Errorf("unknown -brief-mode %q (refresh|synthesize)", c.BriefMode)
	}
	if c.MaxBatches < 0 {
		return errors.New("max-batches must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		BriefMode: "refresh",
	}
}
