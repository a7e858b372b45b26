package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

var (
	DefaultInclude = []string{"*.jsonl"}
	DefaultExclude = []string{"agent-*.jsonl"}
)

const sidechainFilePrefix = "agent-"

type DiscoverOptions struct {
	Include []string
	Exclude []string
}

type matcher struct {
	include []glob.Glob
	exclude []glob.Glob
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func newMatcher(opts DiscoverOptions) (matcher, error) {
	include := opts.Include
	if include == nil {
		include = DefaultInclude
	}
	exclude := opts.Exclude
	if exclude == nil {
		exclude = DefaultExclude
	}
	inc, err := compilePatterns(include)
	if err != nil {
		return matcher{}, err
	}
	exc, err := compilePatterns(exclude)
	if err != nil {
		return matcher{}, err
	}
	return matcher{include: inc, exclude: exc}, nil
}

func (m matcher) match(name string) bool {
	ok := false
	for _, g := range m.include {
		if g.Match(name) {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	for _, g := range m.exclude {
		if g.Match(name) {
			return false
		}
	}
	return true
}

// Matcher returns a predicate over file base names built from opts.
func Matcher(opts DiscoverOptions) (func(name string) bool, error) {
	m, err := newMatcher(opts)
	if err != nil {
		return nil, err
	}
	return m.match, nil
}

// Discover lists session logs under root: files directly in root and in each
// project directory one level below it. A root that is itself a file is returned
// as-is. Results are sorted.
func Discover(root string, opts DiscoverOptions) ([]string, error) {
	m, err := newMatcher(opts)
	if err != nil {
		return nil, fmt.Errorf("Discover: %w", err)
	}

	st, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("Discover: %w", err)
	}
	if !st.IsDir() {
		return []string{root}, nil
	}

	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			rel, _ := filepath.Rel(root, path)
			if strings.Count(rel, string(filepath.Separator)) >= 1 {
				return filepath.SkipDir
			}
			return nil
		}
		if m.match(d.Name()) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Discover: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// IsSidechainFile reports whether path is a standalone subagent log.
func IsSidechainFile(path string) bool {
	return strings.HasPrefix(filepath.Base(path), sidechainFilePrefix)
}
