package brief

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/provider"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

const (
	synthesisBaseTokens    = 2048
	synthesisTokensPerItem = 256
	synthesisMaxTokens     = 8192
	updateMaxTokens        = 4096
)

// ProjectName is how a workspace is titled in its brief.
func ProjectName(workspace string) string {
	name := filepath.Base(filepath.Clean(workspace))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "root"
	}
	return name
}

// Synthesize builds the brief from scratch out of the workspace's top sessions and
// its documentation, replacing any existing brief.
func (s *Synthesizer) Synthesize(ctx context.Context, workspace string) (Result, error) {
	sessions, err := s.store.TopSessions(ctx, workspace, s.opts.TopK)
	if err != nil {
		return Result{}, err
	}
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}
	return s.SynthesizeSessions(ctx, workspace, ids)
}

// SynthesizeSessions runs Map over the given sessions, then Reduce over the
// extractions and the project documentation.
func (s *Synthesizer) SynthesizeSessions(ctx context.Context, workspace string, sessionIDs []string) (result Result, err error) {
	defer func() { s.observeRun(ModeSynthesize, err) }()
	started := s.opts.Now().UTC()
	logger := s.logger.WithFields(logrus.Fields{"workspace": workspace, "mode": ModeSynthesize})

	docs := ScanProject(workspace)
	if len(sessionIDs) == 0 && docs.Empty() {
		return Result{}, fmt.Errorf("%s: %w", workspace, ErrNothingToSynthesize)
	}

	extractions, failures := s.extractAll(ctx, sessionIDs)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(sessionIDs) > 0 && len(extractions) == 0 {
		return Result{}, fmt.Errorf("%s: %w (%d sessions)", workspace, ErrNoExtractions, len(sessionIDs))
	}
	logger.WithFields(logrus.Fields{
		"requested": len(sessionIDs),
		"extracted": len(extractions),
	}).Info("session extraction finished")

	name := ProjectName(workspace)
	input := buildSynthesisInput(name, docs, extractions)
	maxTokens := min(synthesisBaseTokens+synthesisTokensPerItem*len(extractions), synthesisMaxTokens)

	var doc Document
	payload := map[string]any{"workspace": workspace, "sessions": sessionIDs}
	err = s.audit(ctx, store.KindBriefSynthesize, payload, func() (any, error) {
		text, model, err := provider.GenerateText(ctx, s.generator, provider.Request{
			Task:            string(store.KindBriefSynthesize),
			Instructions:    briefSynthesizePrompt,
			Input:           input,
			MaxOutputTokens: maxTokens,
			Timeout:         s.opts.TextTimeout,
		})
		if err != nil {
			return nil, err
		}
		doc, err = ParseDocument(text)
		if err != nil {
			return nil, err
		}
		return map[string]any{"model": model, "chars": len(text)}, nil
	})
	if err != nil {
		return Result{}, err
	}
	doc.Name = name

	facts := make([]Facts, 0, len(extractions))
	turns := 0
	for _, e := range extractions {
		facts = append(facts, e.Facts)
		turns += e.Turns
	}
	if body, removed := resolveOpenThreads(doc.Body(OpenThreads), facts...); removed > 0 {
		doc.Bodies[OpenThreads] = body
		logger.WithField("removed", removed).Debug("dropped resolved open threads")
	}

	result = Result{
		Workspace:    workspace,
		Mode:         ModeSynthesize,
		Requested:    len(sessionIDs),
		Incorporated: len(extractions),
		Turns:        turns,
		Failures:     failures,
	}
	if err := s.persist(ctx, doc, baselineRecord(started, result), &result); err != nil {
		return Result{}, err
	}
	logger.WithFields(logrus.Fields{
		"path":         result.Path,
		"incorporated": result.Incorporated,
		"requested":    result.Requested,
		"turns":        result.Turns,
	}).Info("brief synthesized")
	return result, nil
}

// baselineRecord stamps a complete run. GeneratedAt is when the run started, so
// anything imported while it ran still reads as new.
func baselineRecord(started time.Time, result Result) store.BriefRecord {
	return store.BriefRecord{
		GeneratedAt:      started,
		BaseRequested:    result.Requested,
		BaseIncorporated: result.Incorporated,
		BaseTurns:        result.Turns,
	}
}

// persist writes the brief file and then record with result's counters. When the
// record cannot be stored the previous file is put back, so file and record agree.
func (s *Synthesizer) persist(ctx context.Context, doc Document, record store.BriefRecord, result *Result) error {
	previous, existed, err := ReadBrief(s.opts.BriefsDir, result.Workspace)
	if err != nil {
		return err
	}
	footer := Footer{
		Incorporated: result.Incorporated,
		Requested:    result.Requested,
		Turns:        result.Turns,
		UpdatedAt:    s.opts.Now(),
	}
	path, err := WriteBrief(s.opts.BriefsDir, result.Workspace, Compose(doc, footer))
	if err != nil {
		return err
	}
	record.Workspace = result.Workspace
	record.Path = path
	record.Mode = string(result.Mode)
	record.SessionsRequested = result.Requested
	record.SessionsIncorporated = result.Incorporated
	record.TurnsIncorporated = result.Turns
	if err := s.store.PutBrief(ctx, record); err != nil {
		if restoreErr := restoreBrief(s.opts.BriefsDir, result.Workspace, previous, existed); restoreErr != nil {
			s.logger.WithField("workspace", result.Workspace).WithError(restoreErr).Error("could not restore previous brief")
		}
		return err
	}
	result.Path = path
	return nil
}

func buildSynthesisInput(name string, docs ProjectDocs, extractions []Extraction) string {
	parts := []string{"# Project: " + name, ""}
	if len(docs.Docs) > 0 {
		parts = append(parts, "## Project Documentation", "")
		for _, d := range docs.Docs {
			parts = append(parts, "### "+d.Name, d.Content, "")
		}
	}
	if len(docs.Tech) > 0 {
		parts = append(parts, "## Detected Tech Stack", "")
		for _, t := range docs.Tech {
			parts = append(parts, "### "+t.Name, t.Content, "")
		}
	}
	if len(extractions) == 0 {
		parts = append(parts, "## Sessions", "No session data available.")
		return strings.Join(parts, "\n")
	}
	parts = append(parts, fmt.Sprintf("## Extracted Knowledge (%d sessions)", len(extractions)), "")
	for _, e := range extractions {
		facts, _ := json.MarshalIndent(e.Facts.compact(), "", "  ")
		parts = append(parts, fmt.Sprintf("### [%s] %s", e.Date, e.Title), string(facts), "")
	}
	return strings.Join(parts, "\n")
}
