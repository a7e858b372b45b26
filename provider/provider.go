// Package provider is the text-generation capability used by the worker and the
// brief synthesizer.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
)

var ErrEmptyOutput = errors.New("model returned empty output")

// Request is one model call. A nil Schema asks for free text.
type Request struct {
	// Task names the job kind, for logs.
	Task            string
	Instructions    string
	Input           string
	SchemaName      string
	Schema          map[string]any
	MaxOutputTokens int
	// Timeout bounds a single attempt; zero uses the generator default.
	Timeout time.Duration
}

type Response struct {
	Text  string
	Model string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Model() string
}

// SchemaError reports model output that decoded but lacks required fields, or that
// could not be decoded at all.
type SchemaError struct {
	Task    string
	Missing []string
	Err     error
}

func (e *SchemaError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: model output missing required fields: %s", e.Task, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: model output does not match schema: %v", e.Task, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

const truncationRetryHint = "\n\nIMPORTANT: Ensure the JSON is complete and valid. If needed, shorten lists to fit."

// GenerateJSON asks for output matching T's schema and decodes it. Every required
// field must be present. A truncated or unparseable first answer is retried once
// with a larger output budget.
func GenerateJSON[T any](ctx context.Context, g Generator, req Request) (T, string, error) {
	var zero T
	if req.Schema == nil {
		req.Schema = GenerateSchema[T]()
	}
	if req.SchemaName == "" {
		req.SchemaName = req.Task
	}
	required := requiredFields(req.Schema)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		call := req
		if attempt == 1 {
			call.Instructions += truncationRetryHint
			if call.MaxOutputTokens > 0 {
				call.MaxOutputTokens = call.MaxOutputTokens * 9 / 5
			}
		}
		resp, err := g.Generate(ctx, call)
		if err != nil {
			return zero, "", err
		}
		if strings.TrimSpace(resp.Text) == "" {
			lastErr = ErrEmptyOutput
			continue
		}

		var fields map[string]json.RawMessage
		if err := fileutils.DecodeModelJSON(resp.Text, &fields); err != nil {
			lastErr = &SchemaError{Task: req.Task, Err: err}
			if isRecoverableModelJSONError(err) {
				continue
			}
			return zero, "", lastErr
		}
		if missing := missingFields(fields, required); len(missing) > 0 {
			return zero, "", &SchemaError{Task: req.Task, Missing: missing}
		}
		var out T
		if err := fileutils.DecodeModelJSON(resp.Text, &out); err != nil {
			return zero, "", &SchemaError{Task: req.Task, Err: err}
		}
		return out, resp.Model, nil
	}
	return zero, "", fmt.Errorf("%s: %w", req.Task, lastErr)
}

// GenerateText asks for a free-text document. A wrapping code fence is removed.
func GenerateText(ctx context.Context, g Generator, req Request) (string, string, error) {
	req.Schema = nil
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return "", "", err
	}
	text := fileutils.StripCodeFence(resp.Text)
	if text == "" {
		return "", "", fmt.Errorf("%s: %w", req.Task, ErrEmptyOutput)
	}
	return text, resp.Model, nil
}

func requiredFields(schema map[string]any) []string {
	raw, ok := schema[requiredKey]
	if !ok {
		return nil
	}
	var out []string
	switch fields := raw.(type) {
	case []string:
		out = append(out, fields...)
	case []any:
		for _, f := range fields {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

func missingFields(fields map[string]json.RawMessage, required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func isJSONTruncationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "unexpected end of json input") ||
		strings.Contains(s, "unexpected eof")
}

func isRecoverableModelJSONError(err error) bool {
	if err == nil {
		return false
	}
	if isJSONTruncationError(err) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "no json object found in model output")
}
