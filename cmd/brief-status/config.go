package main

import (
	"errors"

	"github.com/theimaginaryfoundation/context-o-bot/config"
)

type Config struct {
	ConfigPath string
	DBPath     string
	BriefsDir  string
	Workspace  string
	StaleOnly  bool
	JSON       bool
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("missing -db")
	}
	if c.BriefsDir == "" {
		return errors.New("missing -briefs-dir")
	}
	return nil
}

func (c *Config) applyShared(shared config.Config) {
	if c.DBPath == "" {
		c.DBPath = shared.DBPath
	}
	if c.BriefsDir == "" {
		c.BriefsDir = shared.BriefsDir
	}
}
