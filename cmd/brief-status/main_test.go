package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/brief"
	"github.com/theimaginaryfoundation/context-o-bot/session"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("brief-status", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{"-db", "/tmp/ctx.db", "-briefs-dir", "/tmp/briefs/", "-stale-only"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.DBPath != "/tmp/ctx.db" || cfg.BriefsDir != "/tmp/briefs" || !cfg.StaleOnly {
		t.Fatalf("cfg=%+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseFlags_RejectsArguments(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("brief-status", flag.ContinueOnError)
	if _, err := parseFlags(fs, []string{"extra"}); err == nil {
		t.Fatalf("expected error")
	}
}

// seedProjects creates two projects; only /w/a has a brief, generated after all of
// its activity.
func seedProjects(t *testing.T) (*store.Store, string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "ctx.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	for _, ws := range []string{"/w/a", "/w/b"} {
		id := "s" + filepath.Base(ws)
		if _, err := st.UpsertSession(ctx, store.UpsertSessionArgs{ID: id, FilePath: id + ".jsonl", Workspace: ws}); err != nil {
			t.Fatalf("UpsertSession: %v", err)
		}
		if _, _, err := st.UpsertTurn(ctx, id, session.Turn{Index: 1, Request: "hi", Fingerprint: id}); err != nil {
			t.Fatalf("UpsertTurn: %v", err)
		}
	}

	briefsDir := filepath.Join(t.TempDir(), "briefs")
	path, err := brief.WriteBrief(briefsDir, "/w/a", "# Project: a\n")
	if err != nil {
		t.Fatalf("WriteBrief: %v", err)
	}
	if err := st.PutBrief(ctx, store.BriefRecord{
		Workspace:   "/w/a",
		Path:        path,
		Mode:        string(brief.ModeSynthesize),
		GeneratedAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("PutBrief: %v", err)
	}
	return st, briefsDir
}

func TestRun_Table(t *testing.T) {
	t.Parallel()

	st, briefsDir := seedProjects(t)
	var out bytes.Buffer
	if err := run(context.Background(), st, Config{BriefsDir: briefsDir}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("output=%q", out.String())
	}
	if !strings.HasPrefix(lines[0], "VERDICT") {
		t.Fatalf("header=%q", lines[0])
	}
	if lines[3] != "projects=2 fresh=1 stale=0 missing=1" {
		t.Fatalf("stats line=%q", lines[3])
	}
}

func TestRun_StaleOnlyJSON(t *testing.T) {
	t.Parallel()

	st, briefsDir := seedProjects(t)
	var out bytes.Buffer
	if err := run(context.Background(), st, Config{BriefsDir: briefsDir, StaleOnly: true, JSON: true}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	var rows []row
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if len(rows) != 1 || rows[0].Workspace != "/w/b" || rows[0].Verdict != brief.Missing || rows[0].Sessions != 1 {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestRun_OneWorkspace(t *testing.T) {
	t.Parallel()

	st, briefsDir := seedProjects(t)
	var out bytes.Buffer
	if err := run(context.Background(), st, Config{BriefsDir: briefsDir, Workspace: "/w/a"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "fresh") || !strings.HasSuffix(out.String(), "projects=1 fresh=1 stale=0 missing=0\n") {
		t.Fatalf("output=%q", out.String())
	}
}
