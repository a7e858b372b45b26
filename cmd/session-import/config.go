package main

import (
	"errors"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/config"
)

type Config struct {
	ConfigPath string

	// Paths are explicit session files; when empty the projects directory is walked.
	Paths       []string
	ProjectsDir string
	DBPath      string

	Concurrency int
	Sidechains  bool
	Watch       bool
	Debounce    time.Duration
	JSON        bool

	// InitConfig writes the default config file and exits.
	InitConfig bool
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("missing -db")
	}
	if len(c.Paths) == 0 && c.ProjectsDir == "" {
		return errors.New("missing -projects (or pass session files as arguments)")
	}
	if c.Watch && len(c.Paths) > 0 {
		return errors.New("-watch works on -projects, not on explicit files")
	}
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if c.Debounce <= 0 {
		return errors.New("debounce must be > 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Debounce: 2 * time.Second,
	}
}

// applyShared fills every setting the flags left unset from the shared config.
func (c *Config) applyShared(shared config.Config) {
	if c.DBPath == "" {
		c.DBPath = shared.DBPath
	}
	if c.ProjectsDir == "" {
		c.ProjectsDir = shared.ProjectsDir
	}
	if c.Concurrency == 0 {
		c.Concurrency = shared.Import.Concurrency
	}
	if !c.Sidechains {
		c.Sidechains = shared.Import.Sidechains
	}
}
