package brief

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestScanProject(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "README.md"), strings.Repeat("r", maxDocChars+50))
	writeFile(t, filepath.Join(ws, "CLAUDE.md"), "  Use make test.  \n")
	for i := range 7 {
		writeFile(t, filepath.Join(ws, "docs", fmt.Sprintf("%02d.md", i)), "doc")
	}
	writeFile(t, filepath.Join(ws, "pyproject.toml"), "[project]\nname='demo'")
	writeFile(t, filepath.Join(ws, "setup.py"), "setup()")
	writeFile(t, filepath.Join(ws, "go.mod"), "module demo")

	docs := ScanProject(ws)

	var names []string
	for _, d := range docs.Docs {
		names = append(names, d.Name)
	}
	want := []string{"README.md", "CLAUDE.md", "docs/00.md", "docs/01.md", "docs/02.md", "docs/03.md", "docs/04.md"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("docs = %v, want %v", names, want)
	}
	if readme := docs.Docs[0].Content; !strings.HasSuffix(readme, truncationSuffix) || len(readme) != maxDocChars+len(truncationSuffix) {
		t.Fatalf("README not truncated: %d chars", len(readme))
	}
	if docs.Docs[1].Content != "Use make test." {
		t.Fatalf("CLAUDE.md = %q", docs.Docs[1].Content)
	}

	var labels []string
	for _, tech := range docs.Tech {
		labels = append(labels, tech.Name)
	}
	if strings.Join(labels, ",") != "python,go" {
		t.Fatalf("tech = %v", labels)
	}
	if docs.Tech[0].Content != "[project]\nname='demo'" {
		t.Fatalf("pyproject should win over setup.py: %q", docs.Tech[0].Content)
	}
}

func TestScanProject_MissingWorkspace(t *testing.T) {
	t.Parallel()
	if docs := ScanProject(filepath.Join(t.TempDir(), "gone")); !docs.Empty() {
		t.Fatalf("expected empty docs, got %+v", docs)
	}
}

func TestBuildSynthesisInput(t *testing.T) {
	t.Parallel()
	docs := ProjectDocs{
		Docs: []NamedText{{Name: "README.md", Content: "Readme body"}},
		Tech: []NamedText{{Name: "go", Content: "module demo"}},
	}
	input := buildSynthesisInput("demo", docs, []Extraction{
		{Title: "Lease fix", Date: "2026-03-01", Facts: Facts{Solved: []string{"Fixed double lease"}}},
	})
	for _, part := range []string{
		"# Project: demo",
		"## Project Documentation\n\n### README.md\nReadme body",
		"## Detected Tech Stack\n\n### go\nmodule demo",
		"## Extracted Knowledge (1 sessions)",
		"### [2026-03-01] Lease fix\n{\n  \"solved\": [",
	} {
		if !strings.Contains(input, part) {
			t.Fatalf("input missing %q:\n%s", part, input)
		}
	}
	if strings.Contains(input, "decisions") {
		t.Fatalf("empty fields should be left out:\n%s", input)
	}

	empty := buildSynthesisInput("demo", docs, nil)
	if !strings.Contains(empty, "## Sessions\nNo session data available.") {
		t.Fatalf("missing placeholder:\n%s", empty)
	}
}
