package brief

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/theimaginaryfoundation/context-o-bot/provider"
	"github.com/theimaginaryfoundation/context-o-bot/session"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

type Decision struct {
	What string `json:"what"`
	Why  string `json:"why"`
}

// Facts is what one session contributes to the brief. Every field is required in
// the model's answer, empty or not.
type Facts struct {
	Decisions   []Decision `json:"decisions"`
	Solved      []string   `json:"solved"`
	Features    []string   `json:"features"`
	TechChanges []string   `json:"tech_changes"`
	OpenThreads []string   `json:"open_threads"`
}

var factsSchema = provider.GenerateSchema[Facts]()

func (f Facts) Empty() bool {
	return len(f.Decisions) == 0 && len(f.Solved) == 0 && len(f.Features) == 0 &&
		len(f.TechChanges) == 0 && len(f.OpenThreads) == 0
}

// compact drops empty fields for prompt input.
func (f Facts) compact() map[string]any {
	out := map[string]any{}
	if len(f.Decisions) > 0 {
		out["decisions"] = f.Decisions
	}
	if len(f.Solved) > 0 {
		out["solved"] = f.Solved
	}
	if len(f.Features) > 0 {
		out["features"] = f.Features
	}
	if len(f.TechChanges) > 0 {
		out["tech_changes"] = f.TechChanges
	}
	if len(f.OpenThreads) > 0 {
		out["open_threads"] = f.OpenThreads
	}
	return out
}

// Extraction is a session's facts with the session they came from.
type Extraction struct {
	SessionID string
	Title     string
	Date      string
	StartedAt time.Time
	Turns     int
	Facts     Facts
}

type extractTurn struct {
	Title         string            `json:"title,omitempty"`
	Description   string            `json:"description,omitempty"`
	User          string            `json:"user,omitempty"`
	Assistant     string            `json:"assistant,omitempty"`
	ToolsUsed     []session.ToolUse `json:"tools_used,omitempty"`
	FilesModified []string          `json:"files_modified,omitempty"`
}

type extractInput struct {
	SessionTitle   string        `json:"session_title"`
	SessionSummary string        `json:"session_summary"`
	Workspace      string        `json:"workspace"`
	Date           string        `json:"date"`
	Turns          []extractTurn `json:"turns"`
}

func sessionTitle(sess store.Session) string {
	if sess.Title != "" {
		return sess.Title
	}
	return "Untitled"
}

func sessionDate(sess store.Session) string {
	if sess.StartedAt.IsZero() {
		return "unknown"
	}
	return sess.StartedAt.UTC().Format("2006-01-02")
}

// extract runs the Map step for one session.
func (s *Synthesizer) extract(ctx context.Context, sessionID string) (Extraction, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Extraction{}, err
	}
	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return Extraction{}, err
	}
	if len(turns) == 0 {
		return Extraction{}, fmt.Errorf("session %s has no turns", sessionID)
	}

	input := extractInput{
		SessionTitle:   sessionTitle(sess),
		SessionSummary: sess.Summary,
		Workspace:      sess.Workspace,
		Date:           sessionDate(sess),
		Turns:          make([]extractTurn, 0, len(turns)),
	}
	for _, turn := range turns {
		input.Turns = append(input.Turns, extractTurn{
			Title:         turn.Title,
			Description:   fileutils.Truncate(turn.Description, 300),
			User:          fileutils.Truncate(turn.Request, 500),
			Assistant:     fileutils.Truncate(turn.Narrative, 500),
			ToolsUsed:     turn.Tools,
			FilesModified: turn.FilesModified,
		})
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return Extraction{}, err
	}

	var facts Facts
	err = s.audit(ctx, store.KindSessionExtract, map[string]string{"session_id": sessionID}, func() (any, error) {
		out, _, err := provider.GenerateJSON[Facts](ctx, s.generator, provider.Request{
			Task:            string(store.KindSessionExtract),
			Instructions:    sessionExtractPrompt,
			Input:           string(raw),
			SchemaName:      "SessionFacts",
			Schema:          factsSchema,
			MaxOutputTokens: 2000,
			Timeout:         s.opts.Timeout,
		})
		if err != nil {
			return nil, err
		}
		facts = cleanFacts(out)
		return facts, nil
	})
	if err != nil {
		return Extraction{}, err
	}
	return Extraction{
		SessionID: sessionID,
		Title:     sessionTitle(sess),
		Date:      sessionDate(sess),
		StartedAt: sess.StartedAt,
		Turns:     len(turns),
		Facts:     facts,
	}, nil
}

func cleanFacts(f Facts) Facts {
	out := Facts{
		Solved:      cleanItems(f.Solved),
		Features:    cleanItems(f.Features),
		TechChanges: cleanItems(f.TechChanges),
		OpenThreads: cleanItems(f.OpenThreads),
	}
	for _, d := range f.Decisions {
		d.What = strings.TrimSpace(d.What)
		d.Why = strings.TrimSpace(d.Why)
		if d.What != "" {
			out.Decisions = append(out.Decisions, d)
		}
	}
	return out
}

func cleanItems(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// extractAll is the Map phase: a fixed-width pool over the session list, joined
// before returning. Failed sessions are reported, not fatal. Extractions come back
// oldest first.
func (s *Synthesizer) extractAll(ctx context.Context, sessionIDs []string) ([]Extraction, []SessionFailure) {
	results := make([]*Extraction, len(sessionIDs))
	failures := make([]error, len(sessionIDs))
	sem := make(chan struct{}, s.opts.MapWidth)
	var wg sync.WaitGroup
	for i, sessionID := range sessionIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				failures[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			extraction, err := s.extract(ctx, sessionID)
			if err != nil {
				failures[i] = err
				return
			}
			results[i] = &extraction
		}()
	}
	wg.Wait()

	var extractions []Extraction
	var failed []SessionFailure
	for i, sessionID := range sessionIDs {
		if failures[i] != nil {
			s.metrics.Extractions.WithLabelValues("failed").Inc()
			s.logger.WithFields(logrus.Fields{"session_id": sessionID}).WithError(failures[i]).Warn("session extraction failed, leaving it out")
			failed = append(failed, SessionFailure{SessionID: sessionID, Error: failures[i].Error()})
			continue
		}
		s.metrics.Extractions.WithLabelValues("ok").Inc()
		extractions = append(extractions, *results[i])
	}
	sort.SliceStable(extractions, func(i, j int) bool {
		if !extractions[i].StartedAt.Equal(extractions[j].StartedAt) {
			return extractions[i].StartedAt.Before(extractions[j].StartedAt)
		}
		return extractions[i].SessionID < extractions[j].SessionID
	})
	return extractions, failed
}
