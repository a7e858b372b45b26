package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/config"
)

type Mode string

const (
	ModeRefresh    Mode = "refresh"
	ModeSynthesize Mode = "synthesize"
	ModeUpdate     Mode = "update"
)

type Config struct {
	ConfigPath string
	DBPath     string
	BriefsDir  string
	Model      string
	APIKey     string

	Workspace string
	All       bool
	Mode      Mode
	SessionID string

	TopK        int
	MapWidth    int
	Timeout     time.Duration
	TextTimeout time.Duration

	JSON bool
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("missing -db")
	}
	if c.BriefsDir == "" {
		return errors.New("missing -briefs-dir")
	}
	switch c.Mode {
	case ModeRefresh, ModeSynthesize, ModeUpdate:
	default:
		return fmt.Errorf("unknown -mode %q (refresh|synthesize|update)", c.Mode)
	}
	if c.Mode == ModeUpdate && c.SessionID == "" {
		return errors.New("-mode update needs -session")
	}
	if c.Mode != ModeUpdate && c.SessionID != "" {
		return errors.New("-session only applies to -mode update")
	}
	if c.All && c.Workspace != "" {
		return errors.New("use either -all or a workspace, not both")
	}
	if c.All && c.Mode == ModeUpdate {
		return errors.New("-all cannot be combined with -mode update")
	}
	if c.TopK <= 0 || c.MapWidth <= 0 {
		return errors.New("top-k and map-width must be > 0")
	}
	if c.Timeout < 0 || c.TextTimeout < 0 {
		return errors.New("timeouts must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Mode: ModeRefresh,
	}
}

func (c *Config) applyShared(shared config.Config) {
	if c.DBPath == "" {
		c.DBPath = shared.DBPath
	}
	if c.BriefsDir == "" {
		c.BriefsDir = shared.BriefsDir
	}
	if c.Model == "" {
		c.Model = shared.LLM.Model
	}
	if c.APIKey == "" {
		c.APIKey = shared.LLM.APIKey
	}
	if c.TopK == 0 {
		c.TopK = shared.Brief.TopK
	}
	if c.MapWidth == 0 {
		c.MapWidth = shared.Brief.MapWidth
	}
	if c.Timeout == 0 {
		c.Timeout = shared.LLM.Timeout
	}
	if c.TextTimeout == 0 {
		c.TextTimeout = shared.LLM.TextTimeout
	}
}
