package brief

import (
	"strings"
)

const noOpenThreads = "_No open threads._"

// normalizeItem makes list items comparable: bullets, checkboxes, case, spacing and
// trailing punctuation are ignored.
func normalizeItem(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	for _, box := range []string{"[ ] ", "[x] ", "[X] "} {
		s = strings.TrimPrefix(s, box)
	}
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, ".;:")
}

func isBullet(line string) bool {
	t := strings.TrimLeft(line, " \t")
	return strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") || strings.HasPrefix(t, "+ ")
}

// resolveOpenThreads drops Open Threads bullets that exactly match something a
// session reports as solved or shipped. Other lines are kept as written.
func resolveOpenThreads(body string, facts ...Facts) (string, int) {
	addressed := map[string]bool{}
	for _, f := range facts {
		for _, item := range f.Solved {
			addressed[normalizeItem(item)] = true
		}
		for _, item := range f.Features {
			addressed[normalizeItem(item)] = true
		}
	}
	if len(addressed) == 0 || body == "" {
		return body, 0
	}

	lines := strings.Split(body, "\n")
	kept := lines[:0]
	removed := 0
	for _, line := range lines {
		if isBullet(line) && addressed[normalizeItem(line)] {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return body, 0
	}
	out := trimBlankLines(strings.Join(kept, "\n"))
	if out == "" {
		out = noOpenThreads
	}
	return out, removed
}
