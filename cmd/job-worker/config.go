package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/config"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

type Config struct {
	ConfigPath string
	DBPath     string
	Model      string
	APIKey     string

	BatchSize   int
	Concurrency int
	MaxBatches  int
	Kinds       []store.JobKind
	Every       time.Duration

	Replay       string
	ReplayFailed bool
	List         string
	Limit        int

	MetricsAddr string
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("missing -db")
	}
	if c.BatchSize <= 0 || c.Concurrency <= 0 {
		return errors.New("batch-size and concurrency must be > 0")
	}
	if c.MaxBatches < 0 || c.Limit < 0 {
		return errors.New("max-batches and limit must be >= 0")
	}
	if c.Every < 0 {
		return errors.New("every must be >= 0")
	}
	modes := 0
	for _, on := range []bool{c.Replay != "", c.ReplayFailed, c.List != ""} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		return errors.New("use only one of -replay, -replay-failed or -list")
	}
	if modes == 1 && c.Every > 0 {
		return errors.New("-every only applies to draining")
	}
	if c.List != "" && c.List != "all" {
		if !store.JobState(c.List).Valid() {
			return fmt.Errorf("unknown -list state %q (queued|processing|done|failed|all)", c.List)
		}
	}
	return nil
}

// draining reports whether the run calls the model.
func (c Config) draining() bool {
	return c.Replay == "" && !c.ReplayFailed && c.List == ""
}

func defaultConfig() Config {
	return Config{
		Limit: 50,
	}
}

func (c *Config) applyShared(shared config.Config) {
	if c.DBPath == "" {
		c.DBPath = shared.DBPath
	}
	if c.Model == "" {
		c.Model = shared.LLM.Model
	}
	if c.APIKey == "" {
		c.APIKey = shared.LLM.APIKey
	}
	if c.BatchSize == 0 {
		c.BatchSize = shared.Worker.BatchSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = shared.Worker.Concurrency
	}
}

func parseKinds(s string) ([]store.JobKind, error) {
	var kinds []store.JobKind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind := store.JobKind(part)
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown job kind %q", part)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
