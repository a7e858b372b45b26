package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/theimaginaryfoundation/context-o-bot/provider"
	"github.com/theimaginaryfoundation/context-o-bot/session"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

var satisfactionLevels = map[string]bool{"good": true, "fine": true, "bad": true}

type turnSummaryResponse struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	IsContinuation bool   `json:"is_continuation"`
	Satisfaction   string `json:"satisfaction" jsonschema:"enum=good,enum=fine,enum=bad"`
}

type sessionSummaryResponse struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

var (
	turnSummarySchema    = provider.GenerateSchema[turnSummaryResponse]()
	sessionSummarySchema = provider.GenerateSchema[sessionSummaryResponse]()
)

type turnSummaryInput struct {
	UserMessage       string            `json:"user_message"`
	AssistantSummary  string            `json:"assistant_summary"`
	ToolsUsed         []session.ToolUse `json:"tools_used,omitempty"`
	FilesModified     []string          `json:"files_modified,omitempty"`
	PreviousTurnTitle string            `json:"previous_turn_title,omitempty"`
}

func (w *Worker) summarizeTurn(ctx context.Context, job store.Job) (any, error) {
	var payload store.TurnJobPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if payload.TurnID == "" {
		return nil, errors.New("turn_summary payload has no turn_id")
	}
	turn, err := w.store.GetTurn(ctx, payload.TurnID)
	if err != nil {
		return nil, err
	}

	input := turnSummaryInput{
		UserMessage:      fileutils.Truncate(turn.Request, 3000),
		AssistantSummary: fileutils.Truncate(turn.Narrative, 3000),
		ToolsUsed:        limitTools(turn.Tools, 40),
		FilesModified:    turn.FilesModified,
	}
	if turn.Index > 1 {
		previous, err := w.store.GetTurn(ctx, store.TurnID(turn.SessionID, turn.Index-1))
		if err == nil {
			input.PreviousTurnTitle = previous.Title
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	out, model, err := provider.GenerateJSON[turnSummaryResponse](ctx, w.generator, provider.Request{
		Task:            string(store.KindTurnSummary),
		Instructions:    turnSummaryPrompt,
		Input:           string(raw),
		SchemaName:      "TurnSummary",
		Schema:          turnSummarySchema,
		MaxOutputTokens: 600,
		Timeout:         w.opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	out.Title = fileutils.Truncate(strings.TrimSpace(out.Title), 200)
	out.Description = fileutils.Truncate(strings.TrimSpace(out.Description), 1000)
	out.Satisfaction = strings.ToLower(strings.TrimSpace(out.Satisfaction))
	if out.Title == "" {
		return nil, &provider.SchemaError{Task: string(store.KindTurnSummary), Err: errors.New("empty title")}
	}
	if !satisfactionLevels[out.Satisfaction] {
		return nil, &provider.SchemaError{
			Task: string(store.KindTurnSummary),
			Err:  fmt.Errorf("satisfaction %q is not one of good, fine, bad", out.Satisfaction),
		}
	}

	// Guarded by the fingerprint read above: if the turn was re-imported with new
	// content meanwhile, this summary is for the old content and is rejected.
	if err := w.store.SetTurnSummary(ctx, turn.ID, turn.Fingerprint, store.TurnSummary{
		Title:          out.Title,
		Description:    out.Description,
		IsContinuation: out.IsContinuation,
		Satisfaction:   out.Satisfaction,
		ModelName:      model,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

type sessionTurnInput struct {
	TurnNumber    int               `json:"turn_number"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	UserMessage   string            `json:"user_message"`
	ToolsUsed     []session.ToolUse `json:"tools_used,omitempty"`
	FilesModified []string          `json:"files_modified,omitempty"`
}

func (w *Worker) summarizeSession(ctx context.Context, job store.Job) (any, error) {
	var payload store.SessionJobPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if payload.SessionID == "" {
		return nil, errors.New("session_summary payload has no session_id")
	}
	turns, err := w.store.ListTurns(ctx, payload.SessionID)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("session %s has no turns", payload.SessionID)
	}

	inputs := make([]sessionTurnInput, 0, len(turns))
	for _, turn := range turns {
		inputs = append(inputs, sessionTurnInput{
			TurnNumber:    turn.Index,
			Title:         turnTitle(turn),
			Description:   turn.Description,
			UserMessage:   fileutils.Truncate(turn.Request, 500),
			ToolsUsed:     limitTools(turn.Tools, 10),
			FilesModified: turn.FilesModified,
		})
	}
	raw, err := json.Marshal(map[string]any{"turns": inputs})
	if err != nil {
		return nil, err
	}

	out, _, err := provider.GenerateJSON[sessionSummaryResponse](ctx, w.generator, provider.Request{
		Task:            string(store.KindSessionSummary),
		Instructions:    sessionSummaryPrompt,
		Input:           string(raw),
		SchemaName:      "SessionSummary",
		Schema:          sessionSummarySchema,
		MaxOutputTokens: 1000,
		Timeout:         w.opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	out.Title = fileutils.Truncate(strings.TrimSpace(out.Title), 200)
	out.Summary = fileutils.Truncate(strings.TrimSpace(out.Summary), 2000)
	if out.Title == "" {
		return nil, &provider.SchemaError{Task: string(store.KindSessionSummary), Err: errors.New("empty title")}
	}
	if err := w.store.SetSessionSummary(ctx, payload.SessionID, out.Title, out.Summary); err != nil {
		return nil, err
	}
	return out, nil
}

// turnTitle is the summary title, or a "Turn N" placeholder before one exists.
func turnTitle(turn store.Turn) string {
	if turn.Title != "" {
		return turn.Title
	}
	return fmt.Sprintf("Turn %d", turn.Index)
}

func limitTools(tools []session.ToolUse, max int) []session.ToolUse {
	if len(tools) <= max {
		return tools
	}
	return tools[:max]
}
