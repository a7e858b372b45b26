package brief

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/provider"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

// Update folds one session into the existing brief. Without a usable brief it
// synthesizes one from that session alone.
func (s *Synthesizer) Update(ctx context.Context, workspace, sessionID string) (Result, error) {
	started := s.opts.Now().UTC()
	record, doc, ok, err := s.loadBrief(ctx, workspace)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return s.SynthesizeSessions(ctx, workspace, []string{sessionID})
	}
	return s.update(ctx, workspace, sessionID, record, doc, true, started)
}

// loadBrief returns the stored record and parsed brief, or ok=false when either is
// missing or the file no longer parses.
func (s *Synthesizer) loadBrief(ctx context.Context, workspace string) (store.BriefRecord, Document, bool, error) {
	record, err := s.store.GetBrief(ctx, workspace)
	if errors.Is(err, store.ErrNotFound) {
		return store.BriefRecord{}, Document{}, false, nil
	}
	if err != nil {
		return store.BriefRecord{}, Document{}, false, err
	}
	content, ok, err := ReadBrief(s.opts.BriefsDir, workspace)
	if err != nil || !ok {
		return record, Document{}, false, err
	}
	doc, err := ParseDocument(content)
	if err != nil {
		s.logger.WithField("workspace", workspace).WithError(err).Warn("existing brief does not parse, rebuilding it")
		return record, Document{}, false, nil
	}
	return record, doc, true, nil
}

// update applies one session's facts to doc. A final update stamps the record with
// started and makes its counters the new baseline; otherwise the record keeps its
// generation time and remembers the session as pending.
func (s *Synthesizer) update(ctx context.Context, workspace, sessionID string, prev store.BriefRecord, doc Document, final bool, started time.Time) (result Result, err error) {
	defer func() { s.observeRun(ModeUpdate, err) }()
	logger := s.logger.WithFields(logrus.Fields{"workspace": workspace, "session_id": sessionID, "mode": ModeUpdate})

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return Result{}, err
	}
	extraction, err := s.extract(ctx, sessionID)
	if err != nil {
		s.metrics.Extractions.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("extract session %s: %w", sessionID, err)
	}
	s.metrics.Extractions.WithLabelValues("ok").Inc()

	doc.Name = ProjectName(workspace)
	facts := extraction.Facts
	if facts.Empty() {
		logger.Info("session has no new facts, refreshing footer only")
	} else {
		updated, err := s.rewrite(ctx, workspace, sessionID, doc, extraction)
		if err != nil {
			return Result{}, err
		}
		doc = mergeUpdate(doc, updated, facts)
	}
	if body, removed := resolveOpenThreads(doc.Body(OpenThreads), facts); removed > 0 {
		doc.Bodies[OpenThreads] = body
	}

	folded := appendUnique(prev.Pending, sessionID)
	result, err = s.tally(ctx, prev, folded)
	if err != nil {
		return Result{}, err
	}
	result.Workspace = workspace
	result.Mode = ModeUpdate
	result.Updated = []string{sessionID}

	record := store.BriefRecord{
		GeneratedAt:      prev.GeneratedAt,
		BaseRequested:    prev.BaseRequested,
		BaseIncorporated: prev.BaseIncorporated,
		BaseTurns:        prev.BaseTurns,
		Pending:          folded,
	}
	if final {
		record = baselineRecord(started, result)
	}
	if err := s.persist(ctx, doc, record, &result); err != nil {
		return Result{}, err
	}
	logger.WithFields(logrus.Fields{"path": result.Path, "turns": result.Turns}).Info("brief updated")
	return result, nil
}

// tally counts the brief as its baseline plus every folded session's activity since
// the baseline was generated.
func (s *Synthesizer) tally(ctx context.Context, prev store.BriefRecord, folded []string) (Result, error) {
	result := Result{
		Requested:    prev.BaseRequested,
		Incorporated: prev.BaseIncorporated,
		Turns:        prev.BaseTurns,
	}
	for _, id := range folded {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if sess.CreatedAt.After(prev.GeneratedAt) {
			result.Requested++
			result.Incorporated++
		}
		turns, err := s.store.TurnsImportedSince(ctx, id, prev.GeneratedAt)
		if err != nil {
			return Result{}, err
		}
		result.Turns += turns
	}
	return result, nil
}

func appendUnique(ids []string, id string) []string {
	out := make([]string, 0, len(ids)+1)
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return append(out, id)
}

// rewrite asks the model for the whole brief with the new session applied.
func (s *Synthesizer) rewrite(ctx context.Context, workspace, sessionID string, doc Document, extraction Extraction) (Document, error) {
	facts, err := json.MarshalIndent(extraction.Facts.compact(), "", "  ")
	if err != nil {
		return Document{}, err
	}
	input := fmt.Sprintf("## Current Brief\n\n%s\n\n## New Session Facts\n\nSession: %s (%s)\n%s",
		doc.Render(), extraction.Title, extraction.Date, facts)

	var updated Document
	payload := map[string]string{"workspace": workspace, "session_id": sessionID}
	err = s.audit(ctx, store.KindBriefUpdate, payload, func() (any, error) {
		text, model, err := provider.GenerateText(ctx, s.generator, provider.Request{
			Task:            string(store.KindBriefUpdate),
			Instructions:    briefUpdatePrompt,
			Input:           input,
			MaxOutputTokens: updateMaxTokens,
			Timeout:         s.opts.TextTimeout,
		})
		if err != nil {
			return nil, err
		}
		updated, err = ParseDocument(text)
		if err != nil {
			return nil, err
		}
		return map[string]any{"model": model, "chars": len(text)}, nil
	})
	return updated, err
}

// affectedSections lists the sections a session's facts may change. Purpose only
// changes on a full synthesis.
func affectedSections(f Facts) map[SectionID]bool {
	out := map[SectionID]bool{}
	if len(f.TechChanges) > 0 {
		out[Architecture] = true
	}
	if len(f.Decisions) > 0 {
		out[Decisions] = true
	}
	if len(f.Solved) > 0 || len(f.Features) > 0 || len(f.TechChanges) > 0 {
		out[CurrentState] = true
		out[RecentProgress] = true
	}
	if len(f.Solved) > 0 || len(f.Features) > 0 || len(f.OpenThreads) > 0 {
		out[OpenThreads] = true
	}
	return out
}

// mergeUpdate takes the model's version of affected sections and keeps every other
// section byte-for-byte.
func mergeUpdate(existing, updated Document, f Facts) Document {
	merged := Document{
		Name:     existing.Name,
		Preamble: existing.Preamble,
		Bodies:   make(map[SectionID]string, len(Sections)),
	}
	affected := affectedSections(f)
	for _, id := range Sections {
		if affected[id] {
			merged.Bodies[id] = updated.Bodies[id]
		} else {
			merged.Bodies[id] = existing.Bodies[id]
		}
	}
	return merged
}
