package main

import (
	"errors"
	"fmt"

	"github.com/theimaginaryfoundation/context-o-bot/config"
)

type Mode string

const (
	ModeList   Mode = "list"
	ModeShow   Mode = "show"
	ModeSearch Mode = "search"
)

// Search scopes.
const (
	ScopeAll     = "all"
	ScopeTurn    = "turn"
	ScopeSession = "session"
)

type Config struct {
	ConfigPath    string
	DBPath        string
	Workspace     string
	Show          string
	Search        string
	Scope         string
	Regex         bool
	CaseSensitive bool
	Limit         int
	JSON          bool
}

// Mode is chosen by which of -show and -search is set.
func (c Config) Mode() Mode {
	switch {
	case c.Show != "":
		return ModeShow
	case c.Search != "":
		return ModeSearch
	default:
		return ModeList
	}
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("missing -db")
	}
	if c.Show != "" && c.Search != "" {
		return errors.New("-show and -search are mutually exclusive")
	}
	if c.Limit < 0 {
		return fmt.Errorf("-limit must be >= 0 (got %d)", c.Limit)
	}
	switch c.Scope {
	case ScopeAll, ScopeTurn, ScopeSession:
	default:
		return fmt.Errorf("-type must be %s, %s or %s (got %q)", ScopeAll, ScopeTurn, ScopeSession, c.Scope)
	}
	if c.Mode() != ModeSearch && (c.Regex || c.CaseSensitive) {
		return errors.New("-regex and -case-sensitive only apply to -search")
	}
	return nil
}

func (c *Config) applyShared(shared config.Config) {
	if c.DBPath == "" {
		c.DBPath = shared.DBPath
	}
}
