package session

import (
	"path/filepath"
	"strings"
)

// ProjectPath picks the workspace a session belongs to. The cwd recorded in the log
// wins; otherwise the encoded project directory name ("-home-me-proj") is decoded.
func ProjectPath(sessionFile, cwd string) string {
	if cwd = strings.TrimSpace(cwd); cwd != "" {
		return filepath.Clean(cwd)
	}
	return DecodeProjectDir(filepath.Base(filepath.Dir(sessionFile)))
}

// DecodeProjectDir reverses the directory naming used under the projects root. The
// encoding is lossy: dashes inside path components come back as separators.
func DecodeProjectDir(name string) string {
	if !strings.HasPrefix(name, "-") {
		return ""
	}
	return "/" + strings.ReplaceAll(name[1:], "-", "/")
}

// SessionID derives a session id from its log file name.
func SessionID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
