package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/theimaginaryfoundation/context-o-bot/session"
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

	var out io.Writer = os.Stdout
	var buf bytes.Buffer
	if cfg.OutputPath != "-" {
		out = &buf
	}

	stats, err := dump(out, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed dumping %s: %s\n", cfg.InputPath, err.Error())
		os.Exit(1)
	}
	if cfg.OutputPath != "-" {
		if err := fileutils.WriteFileAtomic(cfg.OutputPath, buf.Bytes(), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}
	fmt.Fprintf(os.Stderr, "session_id=%s turns=%d sidechain_turns=%d warnings=%d lines=%d out=%s\n",
		stats.SessionID, stats.Turns, stats.SidechainTurns, stats.Warnings, stats.Lines, cfg.OutputPath)
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.InputPath, "in", cfg.InputPath, "Session log (.jsonl) to parse")
	fs.StringVar(&cfg.OutputPath, "out", cfg.OutputPath, "Output file, - for stdout")
	fs.DurationVar(&cfg.RetryWindow, "retry-window", cfg.RetryWindow, "Resends of one request within this window merge into one turn")
	fs.BoolVar(&cfg.Sidechains, "sidechains", false, "Also reconstruct subagent threads")
	fs.IntVar(&cfg.SinceTurn, "since-turn", 0, "Only emit turns after this index")
	fs.BoolVar(&cfg.Stream, "stream", false, "Emit one JSON turn per line as the log is read")
	fs.BoolVar(&cfg.Pretty, "pretty", false, "Pretty-print the JSON document")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s -in <session.jsonl> [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExample:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/turn-dump -in ~/.claude/projects/-home-me-proj/<session>.jsonl -pretty")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.InputPath != "" {
		cfg.InputPath = filepath.Clean(fileutils.ExpandHome(cfg.InputPath))
	}
	if cfg.OutputPath != "-" {
		cfg.OutputPath = filepath.Clean(fileutils.ExpandHome(cfg.OutputPath))
	}
	return cfg, nil
}

type dumpStats struct {
	SessionID      string
	Turns          int
	SidechainTurns int
	Warnings       int
	Lines          int
}

type document struct {
	SessionID  string                    `json:"session_id"`
	Workspace  string                    `json:"workspace"`
	Lines      int                       `json:"lines"`
	Turns      []session.Turn            `json:"turns"`
	Sidechains map[string][]session.Turn `json:"sidechains,omitempty"`
	Warnings   []session.Warning         `json:"warnings,omitempty"`
}

func dump(w io.Writer, cfg Config) (dumpStats, error) {
	opts := session.Options{
		RetryWindow:   cfg.RetryWindow,
		Sidechains:    cfg.Sidechains,
		SidechainFile: session.IsSidechainFile(cfg.InputPath),
		SinceTurn:     cfg.SinceTurn,
	}
	if cfg.Stream {
		return stream(w, cfg.InputPath, opts)
	}

	res, err := session.ParseFile(cfg.InputPath, opts)
	if err != nil {
		return dumpStats{}, err
	}
	doc := document{
		SessionID:  res.SessionID,
		Workspace:  session.ProjectPath(cfg.InputPath, res.Cwd),
		Lines:      res.Lines,
		Turns:      res.Turns,
		Sidechains: res.Sidechains,
		Warnings:   res.Warnings,
	}
	if doc.SessionID == "" {
		doc.SessionID = session.SessionID(cfg.InputPath)
	}
	if doc.Turns == nil {
		doc.Turns = []session.Turn{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if cfg.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(doc); err != nil {
		return dumpStats{}, err
	}

	stats := dumpStats{SessionID: doc.SessionID, Turns: len(res.Turns), Warnings: len(res.Warnings), Lines: res.Lines}
	for _, turns := range res.Sidechains {
		stats.SidechainTurns += len(turns)
	}
	return stats, nil
}

// stream writes turns as the parser completes them.
func stream(w io.Writer, path string, opts session.Options) (dumpStats, error) {
	stats := dumpStats{SessionID: session.SessionID(path)}
	opts.OnWarning = func(session.Warning) { stats.Warnings++ }
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for turn, err := range session.FileTurns(path, opts) {
		if err != nil {
			return stats, err
		}
		if turn.Sidechain != "" {
			stats.SidechainTurns++
		} else {
			stats.Turns++
		}
		if err := enc.Encode(turn); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
