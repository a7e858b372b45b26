package brief

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var ErrMalformedBrief = errors.New("brief is missing required sections")

type SectionID int

const (
	Purpose SectionID = iota
	Architecture
	Decisions
	CurrentState
	RecentProgress
	OpenThreads
)

// Sections lists every section in document order.
var Sections = []SectionID{Purpose, Architecture, Decisions, CurrentState, RecentProgress, OpenThreads}

func (id SectionID) Heading() string {
	switch id {
	case Purpose:
		return "Purpose & Value"
	case Architecture:
		return "Architecture & Tech Stack"
	case Decisions:
		return "Key Decisions"
	case CurrentState:
		return "Current State"
	case RecentProgress:
		return "Recent Progress"
	case OpenThreads:
		return "Open Threads"
	}
	return fmt.Sprintf("Section %d", int(id))
}

// matchSection maps a heading the model wrote to a section. Models drift on exact
// wording, so keywords are matched rather than whole headings.
func matchSection(heading string) (SectionID, bool) {
	h := strings.ToLower(strings.TrimSpace(heading))
	switch {
	case strings.Contains(h, "purpose"):
		return Purpose, true
	case strings.Contains(h, "architecture"), strings.Contains(h, "tech stack"):
		return Architecture, true
	case strings.Contains(h, "decision"):
		return Decisions, true
	case strings.Contains(h, "current state"), h == "state", h == "status":
		return CurrentState, true
	case strings.Contains(h, "progress"):
		return RecentProgress, true
	case strings.Contains(h, "open thread"), strings.Contains(h, "open question"), strings.Contains(h, "open issue"):
		return OpenThreads, true
	}
	return 0, false
}

// Document is a brief split into its fixed sections. Bodies keep the exact text
// found between headings, minus surrounding blank lines.
type Document struct {
	Name     string
	Preamble string
	Bodies   map[SectionID]string
}

func (d Document) Body(id SectionID) string {
	return d.Bodies[id]
}

var footerPattern = regexp.MustCompile(`(?s)\n*-{3,}\s*\n\*Auto-generated by [^\n]*\*\s*$`)

func stripFooter(s string) string {
	return footerPattern.ReplaceAllString(s, "")
}

var titlePrefix = regexp.MustCompile(`(?i)^project:\s*`)

// ParseDocument locates the six sections of a brief. A level-two heading that does
// not name a section, or repeats one, stays inside the preceding section's body. Any
// trailing generation footer is ignored. All six sections must be present.
func ParseDocument(src string) (Document, error) {
	src = stripFooter(strings.ReplaceAll(src, "\r\n", "\n"))
	data := []byte(src)
	root := goldmark.New().Parser().Parse(text.NewReader(data))

	type boundary struct {
		id        SectionID
		lineStart int
		bodyStart int
	}
	doc := Document{Bodies: make(map[SectionID]string, len(Sections))}
	var bounds []boundary
	titleEnd := -1
	seen := map[SectionID]bool{}

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Lines().Len() == 0 {
			continue
		}
		seg := heading.Lines().At(0)
		headingText := strings.TrimSpace(string(seg.Value(data)))
		lineStart := bytes.LastIndexByte(data[:seg.Start], '\n') + 1
		bodyStart := headingBodyStart(data, lineStart, seg.Stop)

		switch heading.Level {
		case 1:
			if titleEnd == -1 && len(bounds) == 0 {
				doc.Name = strings.TrimSpace(titlePrefix.ReplaceAllString(headingText, ""))
				titleEnd = bodyStart
			}
		case 2:
			id, ok := matchSection(headingText)
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			bounds = append(bounds, boundary{id: id, lineStart: lineStart, bodyStart: bodyStart})
		}
	}

	var missing []string
	for _, id := range Sections {
		if !seen[id] {
			missing = append(missing, id.Heading())
		}
	}
	if len(missing) > 0 {
		return Document{}, fmt.Errorf("%w: %s", ErrMalformedBrief, strings.Join(missing, ", "))
	}

	if titleEnd >= 0 && titleEnd <= bounds[0].lineStart {
		doc.Preamble = trimBlankLines(src[titleEnd:bounds[0].lineStart])
	}
	for i, b := range bounds {
		end := len(src)
		if i+1 < len(bounds) {
			end = bounds[i+1].lineStart
		}
		doc.Bodies[b.id] = trimBlankLines(src[b.bodyStart:end])
	}
	return doc, nil
}

// headingBodyStart returns the offset just past the heading's line, skipping the
// underline of a setext heading.
func headingBodyStart(data []byte, lineStart, stop int) int {
	next := lineEnd(data, stop)
	atx := strings.HasPrefix(strings.TrimLeft(string(data[lineStart:stop]), " "), "#")
	if !atx && next < len(data) {
		underline := strings.TrimSpace(string(data[next:lineEnd(data, next)]))
		if underline != "" && (strings.Trim(underline, "=") == "" || strings.Trim(underline, "-") == "") {
			return lineEnd(data, next)
		}
	}
	return next
}

func lineEnd(data []byte, from int) int {
	if from >= len(data) {
		return len(data)
	}
	if i := bytes.IndexByte(data[from:], '\n'); i >= 0 {
		return from + i + 1
	}
	return len(data)
}

func trimBlankLines(s string) string {
	s = strings.TrimRight(s, " \t\n")
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 || strings.TrimSpace(s[:i]) != "" {
			break
		}
		s = s[i+1:]
	}
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

// Render writes the document with canonical headings and no footer.
func (d Document) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Project: %s\n\n", d.Name)
	if d.Preamble != "" {
		b.WriteString(d.Preamble)
		b.WriteString("\n\n")
	}
	for _, id := range Sections {
		fmt.Fprintf(&b, "## %s\n\n", id.Heading())
		if body := d.Bodies[id]; body != "" {
			b.WriteString(body)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
