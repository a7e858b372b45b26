package brief

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
)

var unsafeSlugChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

// Slug turns a workspace path into a file name: /home/me/proj -> home-me-proj.
func Slug(workspace string) string {
	slug := strings.Trim(workspace, "/")
	slug = strings.ReplaceAll(slug, "/", "-")
	slug = unsafeSlugChars.ReplaceAllString(slug, "-")
	if slug == "" {
		return "root"
	}
	return slug
}

func Path(briefsDir, workspace string) string {
	return filepath.Join(briefsDir, Slug(workspace)+".md")
}

// ReadBrief returns the stored brief, or ok=false when there is none.
func ReadBrief(briefsDir, workspace string) (content string, ok bool, err error) {
	data, ok, err := fileutils.ReadFileIfExists(Path(briefsDir, workspace))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(data), true, nil
}

// WriteBrief replaces the brief atomically, so a failed write leaves the old one.
func WriteBrief(briefsDir, workspace, content string) (string, error) {
	if err := os.MkdirAll(briefsDir, 0o755); err != nil {
		return "", err
	}
	path := Path(briefsDir, workspace)
	if err := fileutils.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// restoreBrief puts back what ReadBrief returned before a write, removing the file
// when there was none.
func restoreBrief(briefsDir, workspace, previous string, existed bool) error {
	if existed {
		_, err := WriteBrief(briefsDir, workspace, previous)
		return err
	}
	err := os.Remove(Path(briefsDir, workspace))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
