package brief

import (
	"context"
	"errors"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

type Verdict string

const (
	Fresh   Verdict = "fresh"
	Stale   Verdict = "stale"
	Missing Verdict = "missing"
)

// Assess is the freshness rule: no brief is missing, any session or turn newer than
// the brief makes it stale, otherwise it is fresh.
func Assess(exists bool, newSessions, newTurns int) Verdict {
	switch {
	case !exists:
		return Missing
	case newSessions > 0 || newTurns > 0:
		return Stale
	default:
		return Fresh
	}
}

type Status struct {
	Workspace   string             `json:"workspace"`
	Verdict     Verdict            `json:"verdict"`
	Path        string             `json:"path,omitempty"`
	GeneratedAt time.Time          `json:"generated_at,omitzero"`
	NewSessions int                `json:"new_sessions"`
	NewTurns    int                `json:"new_turns"`
	Record      *store.BriefRecord `json:"-"`
}

// CheckStatus reads brief metadata and activity counts; it never calls the model. A
// record whose file has been deleted counts as missing.
func CheckStatus(ctx context.Context, st Store, briefsDir, workspace string) (Status, error) {
	status := Status{Workspace: workspace}
	record, err := st.GetBrief(ctx, workspace)
	if errors.Is(err, store.ErrNotFound) {
		status.Verdict = Assess(false, 0, 0)
		return status, nil
	}
	if err != nil {
		return Status{}, err
	}
	path := record.Path
	if path == "" {
		path = Path(briefsDir, workspace)
	}
	if !fileutils.FileExists(path) {
		status.Verdict = Assess(false, 0, 0)
		return status, nil
	}

	newSessions, newTurns, err := st.ActivitySince(ctx, workspace, record.GeneratedAt)
	if err != nil {
		return Status{}, err
	}
	status.Path = path
	status.GeneratedAt = record.GeneratedAt
	status.NewSessions = newSessions
	status.NewTurns = newTurns
	status.Record = &record
	status.Verdict = Assess(true, newSessions, newTurns)
	return status, nil
}
