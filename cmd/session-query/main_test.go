package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/config"
	"github.com/theimaginaryfoundation/context-o-bot/session"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("session-query", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{"-db", "/tmp/ctx.db/", "-search", "lease", "-regex", "-type", "turn", "-limit", "5"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.DBPath != "/tmp/ctx.db" || cfg.Search != "lease" || !cfg.Regex || cfg.Scope != ScopeTurn || cfg.Limit != 5 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Mode() != ModeSearch {
		t.Fatalf("mode=%s, want search", cfg.Mode())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseFlags_RejectsArguments(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("session-query", flag.ContinueOnError)
	if _, err := parseFlags(fs, []string{"abc"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := Config{DBPath: "/tmp/ctx.db", Scope: ScopeAll, Limit: 10}
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "list", mutate: func(*Config) {}, ok: true},
		{name: "show", mutate: func(c *Config) { c.Show = "abc" }, ok: true},
		{name: "missing db", mutate: func(c *Config) { c.DBPath = "" }},
		{name: "show and search", mutate: func(c *Config) { c.Show = "abc"; c.Search = "x" }},
		{name: "unknown scope", mutate: func(c *Config) { c.Search = "x"; c.Scope = "event" }},
		{name: "regex without search", mutate: func(c *Config) { c.Regex = true }},
		{name: "negative limit", mutate: func(c *Config) { c.Limit = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate()=%v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestApplyShared_FlagsWin(t *testing.T) {
	t.Parallel()

	cfg := Config{DBPath: "/flag.db"}
	cfg.applyShared(config.Config{DBPath: "/shared.db"})
	if cfg.DBPath != "/flag.db" {
		t.Fatalf("DBPath=%q", cfg.DBPath)
	}
	cfg = Config{}
	cfg.applyShared(config.Config{DBPath: "/shared.db"})
	if cfg.DBPath != "/shared.db" {
		t.Fatalf("DBPath=%q", cfg.DBPath)
	}
}

// seedSessions imports two sessions in /w/api and one in /w/web.
func seedSessions(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "ctx.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	seeds := []struct {
		id, workspace string
		requests      []string
	}{
		{"a1b2c3", "/w/api", []string{"add lease retry", "write\nmigration"}},
		{"a1ffff", "/w/api", []string{"rename package"}},
		{"b9d8e7", "/w/web", []string{"Retry button styling"}},
	}
	for i, s := range seeds {
		at := time.Date(2026, 3, 1, 9+i, 0, 0, 0, time.UTC)
		if _, err := st.UpsertSession(ctx, store.UpsertSessionArgs{
			ID: s.id, FilePath: s.id + ".jsonl", Workspace: s.workspace, StartedAt: at, LastActivityAt: at,
		}); err != nil {
			t.Fatalf("UpsertSession: %v", err)
		}
		for j, request := range s.requests {
			turn := session.Turn{
				Index:       j + 1,
				Request:     request,
				Narrative:   "done",
				Tools:       []session.ToolUse{{Name: "Edit"}},
				Fingerprint: s.id + request,
				StartedAt:   at.Add(time.Duration(j) * time.Minute),
			}
			if _, _, err := st.UpsertTurn(ctx, s.id, turn); err != nil {
				t.Fatalf("UpsertTurn: %v", err)
			}
		}
		if _, err := st.RefreshTurnCount(ctx, s.id); err != nil {
			t.Fatalf("RefreshTurnCount: %v", err)
		}
	}
	if err := st.SetSessionSummary(ctx, "a1b2c3", "Lease retries", "Added retrying to the lease loop."); err != nil {
		t.Fatalf("SetSessionSummary: %v", err)
	}
	return st
}

func TestRun_ListByWorkspace(t *testing.T) {
	t.Parallel()
	st := seedSessions(t)

	var out bytes.Buffer
	if err := run(context.Background(), st, Config{Workspace: "/w/api", Scope: ScopeAll, Limit: 10}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "a1b2c3") || !strings.Contains(text, "a1ffff") || strings.Contains(text, "b9d8e7") {
		t.Fatalf("unexpected listing:\n%s", text)
	}
	if strings.Index(text, "a1ffff") > strings.Index(text, "a1b2c3") {
		t.Fatalf("newest session should come first:\n%s", text)
	}
	if !strings.HasSuffix(text, "sessions=2\n") {
		t.Fatalf("missing stats line:\n%s", text)
	}
}

func TestRun_ShowByPrefix(t *testing.T) {
	t.Parallel()
	st := seedSessions(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := run(ctx, st, Config{Show: "a1b", Scope: ScopeAll, JSON: true}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	var got struct {
		Session sessionView `json:"session"`
		Turns   []turnView  `json:"turns"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if got.Session.ID != "a1b2c3" || got.Session.Title != "Lease retries" || len(got.Turns) != 2 {
		t.Fatalf("show=%+v", got)
	}
	if got.Turns[0].Index != 1 || got.Turns[1].Request != "write\nmigration" || got.Turns[0].Tools[0] != "Edit" {
		t.Fatalf("turns=%+v", got.Turns)
	}

	out.Reset()
	if err := run(ctx, st, Config{Show: "a1b", Scope: ScopeAll}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "write migration") || !strings.HasSuffix(out.String(), "turns=2\n") {
		t.Fatalf("text show:\n%s", out.String())
	}

	if err := run(ctx, st, Config{Show: "a1", Scope: ScopeAll}, &out); !errors.Is(err, store.ErrAmbiguousID) {
		t.Fatalf("err=%v, want ErrAmbiguousID", err)
	}
	if err := run(ctx, st, Config{Show: "zz", Scope: ScopeAll}, &out); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestRun_Search(t *testing.T) {
	t.Parallel()
	st := seedSessions(t)

	cases := []struct {
		name     string
		cfg      Config
		sessions int
		turns    int
	}{
		{name: "all scopes", cfg: Config{Search: "retry", Scope: ScopeAll}, sessions: 1, turns: 2},
		{name: "turns only", cfg: Config{Search: "retry", Scope: ScopeTurn}, turns: 2},
		{name: "case sensitive", cfg: Config{Search: "Retry", Scope: ScopeTurn, CaseSensitive: true}, turns: 1},
		{name: "regex", cfg: Config{Search: `^(add|rename) `, Scope: ScopeTurn, Regex: true}, turns: 2},
		{name: "workspace", cfg: Config{Search: "retry", Scope: ScopeTurn, Workspace: "/w/web"}, turns: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			cfg := tc.cfg
			cfg.JSON = true
			if err := run(context.Background(), st, cfg, &out); err != nil {
				t.Fatalf("run: %v", err)
			}
			var got struct {
				Sessions []sessionView `json:"sessions"`
				Turns    []turnView    `json:"turns"`
			}
			if err := json.Unmarshal(out.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got.Sessions) != tc.sessions || len(got.Turns) != tc.turns {
				t.Fatalf("sessions=%d turns=%d, want %d/%d", len(got.Sessions), len(got.Turns), tc.sessions, tc.turns)
			}
		})
	}

	var out bytes.Buffer
	if err := run(context.Background(), st, Config{Search: "retry", Scope: ScopeAll}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasSuffix(out.String(), "sessions=1 turns=2\n") {
		t.Fatalf("missing stats line:\n%s", out.String())
	}
}
