package main

import (
	"errors"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/session"
)

type Config struct {
	InputPath   string
	OutputPath  string
	RetryWindow time.Duration
	Sidechains  bool
	SinceTurn   int
	Stream      bool
	Pretty      bool
}

func (c Config) Validate() error {
	if c.InputPath == "" {
		return errors.New("missing -in")
	}
	if c.RetryWindow <= 0 {
		return errors.New("retry-window must be > 0")
	}
	if c.SinceTurn < 0 {
		return errors.New("since-turn must be >= 0")
	}
	if c.Stream && c.Pretty {
		return errors.New("use only one of -stream or -pretty")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		OutputPath:  "-",
		RetryWindow: session.DefaultRetryWindow,
	}
}
