package session

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/tidwall/gjson"
)

// Turn is one human request plus everything the assistant did until the next request.
type Turn struct {
	Index int `json:"index"`
	// Sidechain is empty for the primary sequence, otherwise the subagent thread key.
	Sidechain string `json:"sidechain,omitempty"`

	AnchorUUID    string    `json:"anchor_uuid"`
	Request       string    `json:"request"`
	Narrative     string    `json:"narrative"`
	Tools         []ToolUse `json:"tools"`
	FilesModified []string  `json:"files_modified"`
	Fingerprint   string    `json:"fingerprint"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	FirstLine int       `json:"first_line"`
	LastLine  int       `json:"last_line"`
	Attempts  int       `json:"attempts"`
}

// ToolUse is a tool invocation reduced to its name and a few salient input fields.
type ToolUse struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

func (t ToolUse) key() string {
	if len(t.Params) == 0 {
		return t.Name
	}
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(t.Name)
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(t.Params[k])
	}
	return b.String()
}

type salientField struct {
	name string
	max  int
}

var salientFields = map[string][]salientField{
	"Bash":         {{"command", 200}, {"description", 100}},
	"Read":         {{"file_path", 0}},
	"Write":        {{"file_path", 0}},
	"Edit":         {{"file_path", 0}},
	"MultiEdit":    {{"file_path", 0}},
	"NotebookEdit": {{"notebook_path", 0}},
	"Glob":         {{"pattern", 0}, {"path", 0}},
	"Grep":         {{"pattern", 100}, {"path", 0}},
	"Task":         {{"description", 100}, {"subagent_type", 0}},
	"WebSearch":    {{"query", 100}},
	"WebFetch":     {{"url", 200}},
}

// modifyingTools name the tools whose path input counts as a modified file.
var modifyingTools = map[string]string{
	"Edit":         "file_path",
	"Write":        "file_path",
	"MultiEdit":    "file_path",
	"NotebookEdit": "notebook_path",
}

func toolUseFromBlock(block gjson.Result) (ToolUse, bool) {
	name := strings.TrimSpace(block.Get("name").String())
	if name == "" {
		return ToolUse{}, false
	}
	tu := ToolUse{Name: name}
	input := block.Get("input")
	if !input.IsObject() {
		return tu, true
	}
	for _, f := range salientFields[name] {
		v := input.Get(f.name)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if tu.Params == nil {
			tu.Params = make(map[string]string, 2)
		}
		tu.Params[f.name] = truncateRunes(v.String(), f.max)
	}
	return tu, true
}

func (t ToolUse) modifiedPath() string {
	field, ok := modifyingTools[t.Name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(t.Params[field])
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

const maxRequestRunes = 2000

var (
	reminderRe = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// CleanRequest strips system reminders and markup from a human request and collapses whitespace.
func CleanRequest(text string) string {
	text = reminderRe.ReplaceAllString(text, "")
	text = tagRe.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")
	return fileutils.Truncate(text, maxRequestRunes)
}
