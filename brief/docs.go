package brief

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Root-level documentation, in the order it is presented to the model.
var docFiles = []string{"README.md", "CLAUDE.md", "AGENTS.md", "CONTRIBUTING.md", "ARCHITECTURE.md"}

const (
	maxDocChars      = 4000
	maxDocsDirFiles  = 5
	maxDocsDirChars  = 2000
	truncationSuffix = "\n... (truncated)"
)

type techFile struct {
	label    string
	name     string
	maxChars int
}

// setup.py only counts when there is no pyproject.toml.
var techFiles = []techFile{
	{label: "python", name: "pyproject.toml", maxChars: 1000},
	{label: "python", name: "setup.py", maxChars: 1000},
	{label: "node", name: "package.json", maxChars: 1000},
	{label: "rust", name: "Cargo.toml", maxChars: 1000},
	{label: "go", name: "go.mod", maxChars: 500},
}

type NamedText struct {
	Name    string
	Content string
}

// ProjectDocs is the stable, checked-in context of a workspace.
type ProjectDocs struct {
	Docs []NamedText
	Tech []NamedText
}

func (p ProjectDocs) Empty() bool {
	return len(p.Docs) == 0 && len(p.Tech) == 0
}

// ScanProject reads documentation and manifest files from the workspace. A missing
// workspace directory yields empty docs; unreadable files are skipped.
func ScanProject(workspace string) ProjectDocs {
	var out ProjectDocs
	if st, err := os.Stat(workspace); err != nil || !st.IsDir() {
		return out
	}

	for _, name := range docFiles {
		if content := readTruncated(filepath.Join(workspace, name), maxDocChars); content != "" {
			out.Docs = append(out.Docs, NamedText{Name: name, Content: content})
		}
	}

	matches, _ := filepath.Glob(filepath.Join(workspace, "docs", "*.md"))
	sort.Strings(matches)
	if len(matches) > maxDocsDirFiles {
		matches = matches[:maxDocsDirFiles]
	}
	for _, path := range matches {
		if content := readTruncated(path, maxDocsDirChars); content != "" {
			out.Docs = append(out.Docs, NamedText{Name: "docs/" + filepath.Base(path), Content: content})
		}
	}

	seen := map[string]bool{}
	for _, tf := range techFiles {
		if seen[tf.label] {
			continue
		}
		if content := readTruncated(filepath.Join(workspace, tf.name), tf.maxChars); content != "" {
			out.Tech = append(out.Tech, NamedText{Name: tf.label, Content: content})
			seen[tf.label] = true
		}
	}
	return out
}

func readTruncated(path string, maxChars int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(strings.ToValidUTF8(string(data), "�"))
	if utf8.RuneCountInString(text) > maxChars {
		text = string([]rune(text)[:maxChars]) + truncationSuffix
	}
	return text
}
