package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "db", "context.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// clock lets tests move time forward between writes.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func withClock(st *Store) *clock {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st.now = c.Now
	return c
}

func TestOpen_RecordsSchemaVersionAndReopens(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "context.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	version, err := st.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != SchemaVersion {
		t.Fatalf("version=%d, want %d", version, SchemaVersion)
	}
}

func TestUpsertSession_WidensActivityWindow(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	created, err := st.UpsertSession(ctx, UpsertSessionArgs{
		ID: "s1", FilePath: "/a.jsonl", Workspace: "/w", StartedAt: start, LastActivityAt: start.Add(time.Minute),
	})
	if err != nil || !created {
		t.Fatalf("first upsert created=%v err=%v", created, err)
	}
	created, err = st.UpsertSession(ctx, UpsertSessionArgs{
		ID: "s1", FilePath: "/a.jsonl", StartedAt: start.Add(time.Hour), LastActivityAt: start.Add(2 * time.Hour),
	})
	if err != nil || created {
		t.Fatalf("second upsert created=%v err=%v", created, err)
	}
	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.StartedAt.Equal(start) {
		t.Fatalf("StartedAt=%v, want %v", got.StartedAt, start)
	}
	if !got.LastActivityAt.Equal(start.Add(2 * time.Hour)) {
		t.Fatalf("LastActivityAt=%v", got.LastActivityAt)
	}
	if got.Workspace != "/w" {
		t.Fatalf("Workspace=%q, want /w kept", got.Workspace)
	}
	if _, err := st.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func testTurn(index int, fingerprint string) session.Turn {
	return session.Turn{
		Index:         index,
		Request:       "do the thing",
		Narrative:     "did the thing",
		Tools:         []session.ToolUse{{Name: "Edit", Params: map[string]string{"file_path": "/w/main.go"}}},
		FilesModified: []string{"/w/main.go"},
		Fingerprint:   fingerprint,
		StartedAt:     time.Date(2026, 3, 1, 10, index, 0, 0, time.UTC),
	}
}

func TestUpsertTurn_IdempotentAndRefreshesChangedContent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.UpsertSession(ctx, UpsertSessionArgs{ID: "s1", FilePath: "/a.jsonl", Workspace: "/w"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	id, outcome, err := st.UpsertTurn(ctx, "s1", testTurn(1, "fp-a"))
	if err != nil || outcome != TurnInserted {
		t.Fatalf("insert outcome=%v err=%v", outcome, err)
	}
	if id != TurnID("s1", 1) {
		t.Fatalf("id=%q, want deterministic %q", id, TurnID("s1", 1))
	}
	if _, outcome, err = st.UpsertTurn(ctx, "s1", testTurn(1, "fp-a")); err != nil || outcome != TurnUnchanged {
		t.Fatalf("repeat outcome=%v err=%v", outcome, err)
	}

	if err := st.SetTurnSummary(ctx, id, "fp-a", TurnSummary{Title: "Thing", Satisfaction: "good"}); err != nil {
		t.Fatalf("SetTurnSummary: %v", err)
	}
	if _, outcome, err = st.UpsertTurn(ctx, "s1", testTurn(1, "fp-b")); err != nil || outcome != TurnRefreshed {
		t.Fatalf("refresh outcome=%v err=%v", outcome, err)
	}
	got, err := st.GetTurn(ctx, id)
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if got.Fingerprint != "fp-b" || got.HasSummary() || got.Title != "" {
		t.Fatalf("refreshed turn=%+v, want new fingerprint and cleared summary", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].Params["file_path"] != "/w/main.go" {
		t.Fatalf("Tools=%+v", got.Tools)
	}

	// A summary produced for the old content must not land on the new content.
	err = st.SetTurnSummary(ctx, id, "fp-a", TurnSummary{Title: "stale"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale summary err=%v, want ErrNotFound", err)
	}

	total, err := st.RefreshTurnCount(ctx, "s1")
	if err != nil || total != 1 {
		t.Fatalf("total=%d err=%v, want 1", total, err)
	}
}

func TestTopSessions_RanksByTurnsThenRecency(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	add := func(id string, turns int, last time.Time, parent string) {
		t.Helper()
		if _, err := st.UpsertSession(ctx, UpsertSessionArgs{
			ID: id, FilePath: id + ".jsonl", Workspace: "/w", ParentSessionID: parent, LastActivityAt: last,
		}); err != nil {
			t.Fatalf("UpsertSession: %v", err)
		}
		for i := 1; i <= turns; i++ {
			if _, _, err := st.UpsertTurn(ctx, id, testTurn(i, id+"-fp-"+string(rune('a'+i)))); err != nil {
				t.Fatalf("UpsertTurn: %v", err)
			}
		}
		if _, err := st.RefreshTurnCount(ctx, id); err != nil {
			t.Fatalf("RefreshTurnCount: %v", err)
		}
	}
	add("small", 1, base.Add(3*time.Hour), "")
	add("big-old", 3, base, "")
	add("big-new", 3, base.Add(time.Hour), "")
	add("agent", 9, base.Add(5*time.Hour), "big-new")
	add("empty", 0, base.Add(9*time.Hour), "")

	top, err := st.TopSessions(ctx, "/w", 10)
	if err != nil {
		t.Fatalf("TopSessions: %v", err)
	}
	var ids []string
	for _, s := range top {
		ids = append(ids, s.ID)
	}
	want := []string{"big-new", "big-old", "small"}
	if len(ids) != len(want) {
		t.Fatalf("ids=%v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids=%v, want %v", ids, want)
		}
	}
}

func TestActivitySince_CountsNewSessionsAndTurns(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	clk := withClock(st)
	ctx := context.Background()

	if _, err := st.UpsertSession(ctx, UpsertSessionArgs{ID: "s1", FilePath: "a", Workspace: "/w"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if _, _, err := st.UpsertTurn(ctx, "s1", testTurn(1, "a")); err != nil {
		t.Fatalf("UpsertTurn: %v", err)
	}
	clk.Advance(time.Minute)
	cutoff := clk.Now()
	clk.Advance(time.Minute)

	sessions, turns, err := st.ActivitySince(ctx, "/w", cutoff)
	if err != nil || sessions != 0 || turns != 0 {
		t.Fatalf("before new work sessions=%d turns=%d err=%v", sessions, turns, err)
	}

	if _, _, err := st.UpsertTurn(ctx, "s1", testTurn(2, "b")); err != nil {
		t.Fatalf("UpsertTurn: %v", err)
	}
	if _, err := st.UpsertSession(ctx, UpsertSessionArgs{ID: "s2", FilePath: "b", Workspace: "/w"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	sessions, turns, err = st.ActivitySince(ctx, "/w", cutoff)
	if err != nil || sessions != 1 || turns != 1 {
		t.Fatalf("sessions=%d turns=%d err=%v, want 1/1", sessions, turns, err)
	}

	changed, err := st.SessionsChangedSince(ctx, "/w", cutoff)
	if err != nil || len(changed) != 1 || changed[0].ID != "s1" {
		t.Fatalf("changed=%+v err=%v, want [s1]", changed, err)
	}
}

func TestBriefRecord_RoundTripAndMissing(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetBrief(ctx, "/w"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	generated := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if err := st.PutBrief(ctx, BriefRecord{
		Workspace: "/w", Path: "/b/w.md", Mode: "synthesize", GeneratedAt: generated,
		SessionsRequested: 5, SessionsIncorporated: 4, TurnsIncorporated: 40,
		BaseRequested: 4, BaseIncorporated: 3, BaseTurns: 30, Pending: []string{"s9"},
	}); err != nil {
		t.Fatalf("PutBrief: %v", err)
	}
	got, err := st.GetBrief(ctx, "/w")
	if err != nil {
		t.Fatalf("GetBrief: %v", err)
	}
	if !got.GeneratedAt.Equal(generated) || got.SessionsIncorporated != 4 || got.Mode != "synthesize" {
		t.Fatalf("record=%+v", got)
	}
	if got.BaseIncorporated != 3 || got.BaseTurns != 30 || len(got.Pending) != 1 || got.Pending[0] != "s9" {
		t.Fatalf("baseline=%+v", got)
	}

	if err := st.PutBrief(ctx, BriefRecord{Workspace: "/w", Path: "/b/w.md", Mode: "update", GeneratedAt: generated}); err != nil {
		t.Fatalf("PutBrief: %v", err)
	}
	got, err = st.GetBrief(ctx, "/w")
	if err != nil {
		t.Fatalf("GetBrief: %v", err)
	}
	if got.Pending == nil || len(got.Pending) != 0 {
		t.Fatalf("pending=%#v, want an empty list", got.Pending)
	}
}
