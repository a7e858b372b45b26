package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// EventType is the discriminator carried by every log line.
type EventType string

const (
	EventUser         EventType = "user"
	EventAssistant    EventType = "assistant"
	EventProgress     EventType = "progress"
	EventSystem       EventType = "system"
	EventFileSnapshot EventType = "file-history-snapshot"
	EventQueueOp      EventType = "queue-operation"
	EventSummary      EventType = "summary"
)

// Event is one decoded log line. Payload fields are kept as gjson results so the
// polymorphic message content is only walked when a turn needs it.
type Event struct {
	Line        int
	UUID        string
	ParentUUID  string
	SessionID   string
	AgentID     string
	Type        EventType
	Timestamp   time.Time
	IsSidechain bool
	IsMeta      bool
	Cwd         string

	raw      []byte
	content  gjson.Result
	snapshot gjson.Result
}

var errMissingField = errors.New("missing required field")

func decodeEvent(line int, raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, errors.New("undecodable JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Event{}, errors.New("not a JSON object")
	}

	typ := root.Get("type")
	if typ.Type != gjson.String || strings.TrimSpace(typ.Str) == "" {
		return Event{}, fmt.Errorf("%w: type", errMissingField)
	}

	ev := Event{
		Line:        line,
		Type:        EventType(typ.Str),
		UUID:        root.Get("uuid").String(),
		ParentUUID:  root.Get("parentUuid").String(),
		SessionID:   root.Get("sessionId").String(),
		AgentID:     root.Get("agentId").String(),
		IsSidechain: root.Get("isSidechain").Bool(),
		IsMeta:      root.Get("isMeta").Bool(),
		Cwd:         root.Get("cwd").String(),
		raw:         raw,
	}

	if ts := root.Get("timestamp"); ts.Exists() && ts.Type != gjson.Null {
		t, err := time.Parse(time.RFC3339Nano, ts.String())
		if err != nil {
			return Event{}, fmt.Errorf("bad timestamp %q", ts.String())
		}
		ev.Timestamp = t.UTC()
	}

	switch ev.Type {
	case EventUser, EventAssistant:
		if ev.UUID == "" {
			return Event{}, fmt.Errorf("%w: uuid", errMissingField)
		}
		if !root.Get("message").IsObject() {
			return Event{}, fmt.Errorf("%w: message", errMissingField)
		}
		ev.content = root.Get("message.content")
		if !ev.content.Exists() {
			return Event{}, fmt.Errorf("%w: message.content", errMissingField)
		}
	case EventFileSnapshot:
		ev.snapshot = root.Get("snapshot.trackedFileBackups")
	}
	return ev, nil
}

// Text returns the plain text of a message: the string content itself, or the text
// blocks of an array joined by newlines.
func (e Event) Text() string {
	if e.content.Type == gjson.String {
		return e.content.Str
	}
	if !e.content.IsArray() {
		return ""
	}
	var parts []string
	e.content.ForEach(func(_, block gjson.Result) bool {
		switch {
		case block.Type == gjson.String:
			parts = append(parts, block.Str)
		case block.Get("type").String() == "text":
			parts = append(parts, block.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func (e Event) hasBlock(kind string) bool {
	if !e.content.IsArray() {
		return false
	}
	found := false
	e.content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == kind {
			found = true
			return false
		}
		return true
	})
	return found
}

func (e Event) blockTexts() []string {
	var out []string
	if !e.content.IsArray() {
		return out
	}
	e.content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			out = append(out, block.Get("text").String())
		}
		return true
	})
	return out
}

// snapshotPaths lists the tracked file paths of a file-history snapshot.
func (e Event) snapshotPaths() []string {
	if !e.snapshot.IsObject() {
		return nil
	}
	var out []string
	e.snapshot.ForEach(func(key, _ gjson.Result) bool {
		if p := strings.TrimSpace(key.String()); p != "" {
			out = append(out, p)
		}
		return true
	})
	return out
}

var commandMarkers = []string{"<command-name>", "<command-message>", "<local-command-"}

const interruptNotice = "request interrupted by user"

// opensTurn reports whether a user event is a human request: not meta, not a tool
// result delivery, not a slash-command wrapper, and not an interruption notice.
func (e Event) opensTurn() bool {
	if e.Type != EventUser || e.IsMeta {
		return false
	}
	switch {
	case e.content.Type == gjson.String:
		s := strings.TrimSpace(e.content.Str)
		if s == "" {
			return false
		}
		for _, m := range commandMarkers {
			if strings.HasPrefix(s, m) {
				return false
			}
		}
		return !strings.Contains(strings.ToLower(s), interruptNotice)
	case e.content.IsArray():
		if e.hasBlock("tool_result") {
			return false
		}
		texts := e.blockTexts()
		if len(texts) == 0 {
			return false
		}
		for _, t := range texts {
			if !strings.Contains(strings.ToLower(t), interruptNotice) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
