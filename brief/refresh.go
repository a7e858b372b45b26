package brief

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Status reports whether the workspace's brief is fresh, stale or missing.
func (s *Synthesizer) Status(ctx context.Context, workspace string) (Status, error) {
	return CheckStatus(ctx, s.store, s.opts.BriefsDir, workspace)
}

// Refresh brings the brief up to date the cheapest way: a missing brief is
// synthesized, a stale one gets one update per changed session (oldest first), and a
// fresh one is left alone.
//
// Intermediate updates keep the old generation time and record the sessions they
// folded in, so a refresh that stops partway is picked up again by the next one
// without counting those sessions twice.
func (s *Synthesizer) Refresh(ctx context.Context, workspace string) (Result, error) {
	started := s.opts.Now().UTC()
	status, err := s.Status(ctx, workspace)
	if err != nil {
		return Result{}, err
	}
	logger := s.logger.WithFields(logrus.Fields{"workspace": workspace, "verdict": status.Verdict})

	switch status.Verdict {
	case Missing:
		result, err := s.Synthesize(ctx, workspace)
		result.Verdict = Missing
		return result, err
	case Fresh:
		logger.Debug("brief is fresh")
		return unchanged(status), nil
	}

	record, doc, ok, err := s.loadBrief(ctx, workspace)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		result, err := s.Synthesize(ctx, workspace)
		result.Verdict = Stale
		return result, err
	}

	changed, err := s.store.SessionsChangedSince(ctx, workspace, record.GeneratedAt)
	if err != nil {
		return Result{}, err
	}
	if len(changed) == 0 {
		logger.Info("brief is stale but no primary session changed")
		return unchanged(status), nil
	}

	var result Result
	var updated []string
	for i, sess := range changed {
		result, err = s.update(ctx, workspace, sess.ID, record, doc, i == len(changed)-1, started)
		if err != nil {
			logger.WithField("session_id", sess.ID).WithError(err).Error("update failed, stopping refresh")
			result.Updated = updated
			return result, err
		}
		updated = append(updated, sess.ID)
		if i < len(changed)-1 {
			if record, doc, ok, err = s.loadBrief(ctx, workspace); err != nil {
				return result, err
			} else if !ok {
				return s.Synthesize(ctx, workspace)
			}
		}
	}
	result.Verdict = Stale
	result.Updated = updated
	return result, nil
}

func unchanged(status Status) Result {
	result := Result{
		Workspace: status.Workspace,
		Path:      status.Path,
		Mode:      ModeNone,
		Verdict:   status.Verdict,
	}
	if rec := status.Record; rec != nil {
		result.Requested = rec.SessionsRequested
		result.Incorporated = rec.SessionsIncorporated
		result.Turns = rec.TurnsIncorporated
	}
	return result
}
