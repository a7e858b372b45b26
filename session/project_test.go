package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestProjectPath(t *testing.T) {
	t.Parallel()

	file := filepath.Join("/root", ".claude", "projects", "-home-me-proj", "abc.jsonl")
	if got := ProjectPath(file, ""); got != "/home/me/proj" {
		t.Fatalf("ProjectPath(no cwd)=%q", got)
	}
	if got := ProjectPath(file, "/home/me/my-proj/"); got != "/home/me/my-proj" {
		t.Fatalf("ProjectPath(cwd)=%q", got)
	}
	if got := DecodeProjectDir("plain"); got != "" {
		t.Fatalf("DecodeProjectDir(plain)=%q", got)
	}
	if got := SessionID(file); got != "abc" {
		t.Fatalf("SessionID=%q", got)
	}
}

func TestDiscover_SkipsAgentLogs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	files := []string{
		filepath.Join(root, "-home-me-a", "s1.jsonl"),
		filepath.Join(root, "-home-me-a", "agent-123.jsonl"),
		filepath.Join(root, "-home-me-b", "s2.jsonl"),
		filepath.Join(root, "-home-me-b", "notes.txt"),
		filepath.Join(root, "-home-me-b", "deep", "s3.jsonl"),
	}
	for _, f := range files {
		if err := os.MkdirAll(filepath.Dir(f), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(f, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	got, err := Discover(root, DiscoverOptions{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	if strings.Join(names, ",") != "s1.jsonl,s2.jsonl" {
		t.Fatalf("Discover=%v", names)
	}

	all, err := Discover(root, DiscoverOptions{Exclude: []string{}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all)=%d, want 3", len(all))
	}
	if !IsSidechainFile(files[1]) || IsSidechainFile(files[0]) {
		t.Fatalf("IsSidechainFile mismatch")
	}

	missing, err := Discover(filepath.Join(root, "nope"), DiscoverOptions{})
	if err != nil || len(missing) != 0 {
		t.Fatalf("Discover(missing)=%v err=%v", missing, err)
	}
}
