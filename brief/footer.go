package brief

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const footerTimeLayout = "2006-01-02 15:04"

// Footer is the generation line appended to every brief.
type Footer struct {
	Incorporated int
	Requested    int
	Turns        int
	UpdatedAt    time.Time
}

func (f Footer) String() string {
	return fmt.Sprintf("\n---\n*Auto-generated by context-o-bot | %d of %d sessions incorporated | %d turns | Last updated: %s UTC*\n",
		f.Incorporated, f.Requested, f.Turns, f.UpdatedAt.UTC().Format(footerTimeLayout))
}

var footerFields = regexp.MustCompile(`\*Auto-generated by context-o-bot \| (\d+) of (\d+) sessions incorporated \| (\d+) turns \| Last updated: (\d{4}-\d{2}-\d{2} \d{2}:\d{2}) UTC\*\s*$`)

// ParseFooter reads the footer of a rendered brief.
func ParseFooter(content string) (Footer, bool) {
	m := footerFields.FindStringSubmatch(content)
	if m == nil {
		return Footer{}, false
	}
	incorporated, _ := strconv.Atoi(m[1])
	requested, _ := strconv.Atoi(m[2])
	turns, _ := strconv.Atoi(m[3])
	updated, err := time.Parse(footerTimeLayout, m[4])
	if err != nil {
		return Footer{}, false
	}
	return Footer{Incorporated: incorporated, Requested: requested, Turns: turns, UpdatedAt: updated}, true
}

// Compose renders the document followed by its footer.
func Compose(doc Document, footer Footer) string {
	return doc.Render() + footer.String()
}
