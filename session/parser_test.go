package session

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func ts(offset time.Duration) string {
	return t0.Add(offset).Format(time.RFC3339Nano)
}

func mustLine(t *testing.T, v map[string]any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func userLine(t *testing.T, id, parent string, at time.Duration, content any) string {
	t.Helper()
	ev := map[string]any{
		"type":       "user",
		"uuid":       id,
		"sessionId":  "s1",
		"timestamp":  ts(at),
		"cwd":        "/home/me/proj",
		"parentUuid": nil,
		"message":    map[string]any{"role": "user", "content": content},
	}
	if parent != "" {
		ev["parentUuid"] = parent
	}
	return mustLine(t, ev)
}

func assistantLine(t *testing.T, id, parent string, at time.Duration, blocks ...map[string]any) string {
	t.Helper()
	return mustLine(t, map[string]any{
		"type":       "assistant",
		"uuid":       id,
		"parentUuid": parent,
		"sessionId":  "s1",
		"timestamp":  ts(at),
		"message":    map[string]any{"role": "assistant", "content": blocks},
	})
}

func textBlock(s string) map[string]any {
	return map[string]any{"type": "text", "text": s}
}

func toolBlock(name string, input map[string]any) map[string]any {
	return map[string]any{"type": "tool_use", "id": "tu_" + name, "name": name, "input": input}
}

func toolResult(id string) []map[string]any {
	return []map[string]any{{"type": "tool_result", "tool_use_id": id, "content": "ok"}}
}

func parseLines(t *testing.T, opts Options, lines ...string) Result {
	t.Helper()
	res, err := Parse(strings.NewReader(strings.Join(lines, "\n")+"\n"), opts)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return res
}

func TestParse_ReconstructsSingleTurn(t *testing.T) {
	t.Parallel()

	res := parseLines(t, Options{},
		userLine(t, "u1", "", 0, "Please list the files"),
		assistantLine(t, "a1", "u1", time.Second, textBlock("Listing files now.")),
		assistantLine(t, "a2", "a1", 2*time.Second, toolBlock("Bash", map[string]any{"command": "ls -la", "description": "list"})),
		userLine(t, "u2", "a2", 3*time.Second, toolResult("tu_Bash")),
	)

	if len(res.Turns) != 1 {
		t.Fatalf("len(turns)=%d, want 1", len(res.Turns))
	}
	turn := res.Turns[0]
	if turn.Index != 1 {
		t.Fatalf("Index=%d, want 1", turn.Index)
	}
	if turn.Request != "Please list the files" {
		t.Fatalf("Request=%q", turn.Request)
	}
	if !strings.Contains(turn.Narrative, "Listing files now.") {
		t.Fatalf("Narrative=%q", turn.Narrative)
	}
	if len(turn.Tools) != 1 || turn.Tools[0].Name != "Bash" || turn.Tools[0].Params["command"] != "ls -la" {
		t.Fatalf("Tools=%+v", turn.Tools)
	}
	if turn.FirstLine != 1 || turn.LastLine != 4 {
		t.Fatalf("lines=%d..%d, want 1..4", turn.FirstLine, turn.LastLine)
	}
	if res.SessionID != "s1" || res.Cwd != "/home/me/proj" {
		t.Fatalf("SessionID=%q Cwd=%q", res.SessionID, res.Cwd)
	}
}

func TestParse_TurnWithoutAssistantIsValid(t *testing.T) {
	t.Parallel()

	res := parseLines(t, Options{}, userLine(t, "u1", "", 0, "hello?"))
	if len(res.Turns) != 1 {
		t.Fatalf("len(turns)=%d, want 1", len(res.Turns))
	}
	if res.Turns[0].Narrative != "" || len(res.Turns[0].Tools) != 0 {
		t.Fatalf("turn=%+v", res.Turns[0])
	}
}

func TestParse_FingerprintsStableAndLocal(t *testing.T) {
	t.Parallel()

	lines := []string{
		userLine(t, "u1", "", 0, "first"),
		assistantLine(t, "a1", "u1", time.Second, textBlock("one")),
		userLine(t, "u2", "a1", time.Minute, "second"),
		assistantLine(t, "a2", "u2", time.Minute+time.Second, textBlock("two")),
	}
	a := parseLines(t, Options{}, lines...)
	b := parseLines(t, Options{}, lines...)
	if len(a.Turns) != 2 || len(b.Turns) != 2 {
		t.Fatalf("turns=%d/%d, want 2", len(a.Turns), len(b.Turns))
	}
	for i := range a.Turns {
		if a.Turns[i].Fingerprint != b.Turns[i].Fingerprint {
			t.Fatalf("turn %d fingerprint differs across parses", i+1)
		}
	}
	if a.Turns[0].Fingerprint == a.Turns[1].Fingerprint {
		t.Fatalf("distinct turns share a fingerprint")
	}

	appended := append(append([]string{}, lines...), assistantLine(t, "a3", "a2", time.Minute+2*time.Second, textBlock("more")))
	c := parseLines(t, Options{}, appended...)
	if c.Turns[0].Fingerprint != a.Turns[0].Fingerprint {
		t.Fatalf("untouched turn fingerprint changed")
	}
	if c.Turns[1].Fingerprint == a.Turns[1].Fingerprint {
		t.Fatalf("appended turn fingerprint did not change")
	}
}

func TestParse_MergesResendWithinWindow(t *testing.T) {
	t.Parallel()

	res := parseLines(t, Options{},
		userLine(t, "u1", "", 0, "fix the build"),
		assistantLine(t, "a1", "u1", time.Second,
			textBlock("Looking at it"),
			toolBlock("Read", map[string]any{"file_path": "/p/a.go"})),
		userLine(t, "u2", "a1", 30*time.Second, "fix the build"),
		assistantLine(t, "a2", "u2", 31*time.Second,
			toolBlock("Read", map[string]any{"file_path": "/p/a.go"}),
			toolBlock("Edit", map[string]any{"file_path": "/p/b.go", "old_string": "x", "new_string": "y"}),
			textBlock("Fixed it")),
	)

	if len(res.Turns) != 1 {
		t.Fatalf("len(turns)=%d, want 1", len(res.Turns))
	}
	turn := res.Turns[0]
	if turn.Attempts != 2 {
		t.Fatalf("Attempts=%d, want 2", turn.Attempts)
	}
	if turn.Narrative != "Fixed it" {
		t.Fatalf("Narrative=%q, want latest attempt text", turn.Narrative)
	}
	var names []string
	for _, tu := range turn.Tools {
		names = append(names, tu.Name+":"+tu.Params["file_path"])
	}
	if got := strings.Join(names, ","); got != "Read:/p/a.go,Edit:/p/b.go" {
		t.Fatalf("Tools=%s", got)
	}
	if len(turn.FilesModified) != 1 || turn.FilesModified[0] != "/p/b.go" {
		t.Fatalf("FilesModified=%v", turn.FilesModified)
	}
	if turn.AnchorUUID != "u1" {
		t.Fatalf("AnchorUUID=%q, want first send", turn.AnchorUUID)
	}
}

func TestParse_ResendOutsideWindowIsNewTurn(t *testing.T) {
	t.Parallel()

	res := parseLines(t, Options{},
		userLine(t, "u1", "", 0, "run tests"),
		assistantLine(t, "a1", "u1", time.Second, textBlock("ok")),
		userLine(t, "u2", "a1", 10*time.Minute, "run tests"),
		assistantLine(t, "a2", "u2", 10*time.Minute+time.Second, textBlock("ok again")),
	)
	if len(res.Turns) != 2 {
		t.Fatalf("len(turns)=%d, want 2", len(res.Turns))
	}
}

func TestParse_ReissuedAnswerReplacesNarrative(t *testing.T) {
	t.Parallel()

	res := parseLines(t, Options{},
		userLine(t, "u1", "", 0, "explain"),
		assistantLine(t, "a1", "u1", time.Second, textBlock("draft answer"), toolBlock("Grep", map[string]any{"pattern": "foo"})),
		assistantLine(t, "a2", "u1", 20*time.Second, textBlock("final answer"), toolBlock("Grep", map[string]any{"pattern": "foo"})),
	)
	if len(res.Turns) != 1 {
		t.Fatalf("len(turns)=%d, want 1", len(res.Turns))
	}
	turn := res.Turns[0]
	if turn.Narrative != "final answer" {
		t.Fatalf("Narrative=%q", turn.Narrative)
	}
	if len(turn.Tools) != 1 {
		t.Fatalf("Tools=%+v, want union of identical calls", turn.Tools)
	}
}

func TestParse_ExcludesSidechains(t *testing.T) {
	t.Parallel()

	side := func(id, parent string, at time.Duration, content any) string {
		var m map[string]any
		_ = json.Unmarshal([]byte(userLine(t, id, parent, at, content)), &m)
		m["isSidechain"] = true
		m["agentId"] = "ag1"
		return mustLine(t, m)
	}
	sideAssistant := func(id, parent string, at time.Duration, text string) string {
		var m map[string]any
		_ = json.Unmarshal([]byte(assistantLine(t, id, parent, at, textBlock(text))), &m)
		m["isSidechain"] = true
		m["agentId"] = "ag1"
		return mustLine(t, m)
	}
	lines := []string{
		userLine(t, "u1", "", 0, "delegate the search"),
		assistantLine(t, "a1", "u1", time.Second, toolBlock("Task", map[string]any{"description": "search", "subagent_type": "explore"})),
		side("s1", "", 2*time.Second, "SUBAGENT PROMPT"),
		sideAssistant("s2", "s1", 3*time.Second, "SUBAGENT WORK"),
		assistantLine(t, "a2", "a1", 4*time.Second, textBlock("search complete")),
	}

	res := parseLines(t, Options{}, lines...)
	if len(res.Turns) != 1 {
		t.Fatalf("len(turns)=%d, want 1", len(res.Turns))
	}
	if strings.Contains(res.Turns[0].Narrative, "SUBAGENT") || strings.Contains(res.Turns[0].Request, "SUBAGENT") {
		t.Fatalf("sidechain content leaked: %+v", res.Turns[0])
	}
	if len(res.Sidechains) != 0 {
		t.Fatalf("Sidechains=%v, want none without the option", res.Sidechains)
	}

	withSide := parseLines(t, Options{Sidechains: true}, lines...)
	if len(withSide.Turns) != 1 {
		t.Fatalf("primary len(turns)=%d, want 1", len(withSide.Turns))
	}
	sub := withSide.Sidechains["ag1"]
	if len(sub) != 1 || sub[0].Request != "SUBAGENT PROMPT" || sub[0].Narrative != "SUBAGENT WORK" {
		t.Fatalf("sidechain turns=%+v", sub)
	}
	if withSide.Turns[0].Fingerprint != res.Turns[0].Fingerprint {
		t.Fatalf("sidechain option changed primary fingerprint")
	}
}

func TestParse_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	res := parseLines(t, Options{},
		`{not json`,
		`{"uuid":"x"}`,
		`{"type":"user","message":{"content":"no uuid"}}`,
		userLine(t, "u1", "", 0, "still works"),
		`[1,2,3]`,
	)
	if len(res.Turns) != 1 {
		t.Fatalf("len(turns)=%d, want 1", len(res.Turns))
	}
	if len(res.Warnings) != 4 {
		t.Fatalf("len(warnings)=%d, want 4: %v", len(res.Warnings), res.Warnings)
	}
	wantLines := []int{1, 2, 3, 5}
	for i, w := range res.Warnings {
		if w.Line != wantLines[i] {
			t.Fatalf("warning %d line=%d, want %d", i, w.Line, wantLines[i])
		}
	}
	if res.Lines != 5 {
		t.Fatalf("Lines=%d, want 5", res.Lines)
	}
}

func TestOpensTurn(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		line string
		want bool
	}{
		{name: "plain text", line: `{"type":"user","uuid":"1","message":{"content":"do it"}}`, want: true},
		{name: "text blocks", line: `{"type":"user","uuid":"1","message":{"content":[{"type":"text","text":"look at this"},{"type":"image"}]}}`, want: true},
		{name: "tool result", line: `{"type":"user","uuid":"1","message":{"content":[{"type":"tool_result","content":"x"}]}}`, want: false},
		{name: "command", line: `{"type":"user","uuid":"1","message":{"content":"<command-name>/clear</command-name>"}}`, want: false},
		{name: "local command", line: `{"type":"user","uuid":"1","message":{"content":"<local-command-stdout>x</local-command-stdout>"}}`, want: false},
		{name: "interrupt", line: `{"type":"user","uuid":"1","message":{"content":"[Request interrupted by user]"}}`, want: false},
		{name: "interrupt blocks", line: `{"type":"user","uuid":"1","message":{"content":[{"type":"text","text":"[Request interrupted by user for tool use]"}]}}`, want: false},
		{name: "meta", line: `{"type":"user","uuid":"1","isMeta":true,"message":{"content":"caveat"}}`, want: false},
		{name: "empty", line: `{"type":"user","uuid":"1","message":{"content":"   "}}`, want: false},
		{name: "assistant", line: `{"type":"assistant","uuid":"1","message":{"content":"hi"}}`, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := decodeEvent(1, []byte(tc.line))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got := ev.opensTurn(); got != tc.want {
				t.Fatalf("opensTurn=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestParse_SnapshotFilesAttributedOnFirstSight(t *testing.T) {
	t.Parallel()

	snap := func(paths ...string) string {
		backups := map[string]any{}
		for _, p := range paths {
			backups[p] = map[string]any{"version": 1}
		}
		return mustLine(t, map[string]any{
			"type":      "file-history-snapshot",
			"messageId": "m",
			"snapshot":  map[string]any{"trackedFileBackups": backups},
		})
	}

	res := parseLines(t, Options{},
		snap("/p/old.go"),
		userLine(t, "u1", "", 0, "change things"),
		snap("/p/old.go", "/p/new.go"),
		assistantLine(t, "a1", "u1", time.Second, toolBlock("Write", map[string]any{"file_path": "/p/w.go", "content": "x"})),
	)
	if len(res.Turns) != 1 {
		t.Fatalf("len(turns)=%d, want 1", len(res.Turns))
	}
	got := strings.Join(res.Turns[0].FilesModified, ",")
	if got != "/p/new.go,/p/w.go" {
		t.Fatalf("FilesModified=%s", got)
	}
}

func TestParse_SinceTurn(t *testing.T) {
	t.Parallel()

	res := parseLines(t, Options{SinceTurn: 1},
		userLine(t, "u1", "", 0, "one"),
		userLine(t, "u2", "u1", time.Minute, "two"),
	)
	if len(res.Turns) != 1 || res.Turns[0].Index != 2 {
		t.Fatalf("turns=%+v", res.Turns)
	}
}

func TestTurns_LazyAndRestartable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "s1.jsonl")
	content := strings.Join([]string{
		userLine(t, "u1", "", 0, "one"),
		userLine(t, "u2", "u1", time.Minute, "two"),
		userLine(t, "u3", "u2", 2*time.Minute, "three"),
	}, "\n")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	opens := 0
	seq := Turns(func() (io.ReadCloser, error) {
		opens++
		return os.Open(p)
	}, Options{})

	var first []string
	for turn, err := range seq {
		if err != nil {
			t.Fatalf("iter: %v", err)
		}
		first = append(first, turn.Request)
		if len(first) == 2 {
			break
		}
	}
	var all []string
	for turn, err := range seq {
		if err != nil {
			t.Fatalf("iter: %v", err)
		}
		all = append(all, turn.Request)
	}
	if strings.Join(first, ",") != "one,two" {
		t.Fatalf("first=%v", first)
	}
	if strings.Join(all, ",") != "one,two,three" {
		t.Fatalf("all=%v", all)
	}
	if opens != 2 {
		t.Fatalf("opens=%d, want 2", opens)
	}
}

func TestCleanRequest(t *testing.T) {
	t.Parallel()

	in := "<system-reminder>\nignore me\n</system-reminder>Fix   the <b>bug</b>\n\nplease"
	if got := CleanRequest(in); got != "Fix the bug please" {
		t.Fatalf("CleanRequest=%q", got)
	}
	long := strings.Repeat("x", maxRequestRunes+10)
	if got := []rune(CleanRequest(long)); len(got) != maxRequestRunes+1 {
		t.Fatalf("len=%d, want %d", len(got), maxRequestRunes+1)
	}
}

func TestRootOf_FollowsChainAndSurvivesCycles(t *testing.T) {
	t.Parallel()

	s := newScanner(Options{}, func(Turn) bool { return true })
	s.parents["a"] = ""
	s.parents["b"] = "a"
	s.parents["c"] = "b"
	s.parents["orphan"] = "missing"
	s.parents["x"] = "y"
	s.parents["y"] = "x"

	if got := s.rootOf("c"); got != "a" {
		t.Fatalf("rootOf(c)=%q, want a", got)
	}
	if got := s.rootOf("orphan"); got != "orphan" {
		t.Fatalf("rootOf(orphan)=%q, want orphan", got)
	}
	if got := s.rootOf("x"); got == "" {
		t.Fatalf("rootOf(cycle) returned empty")
	}
}
