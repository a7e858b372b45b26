package session

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"
)

// DefaultRetryWindow bounds how far apart two sends of the same request may be and
// still count as one turn.
const DefaultRetryWindow = 120 * time.Second

type Options struct {
	// RetryWindow overrides DefaultRetryWindow when > 0.
	RetryWindow time.Duration
	// Sidechains also reconstructs subagent threads, each as its own sequence keyed
	// by agent id (or thread root when no agent id is recorded).
	Sidechains bool
	// SidechainFile treats sidechain events as the primary sequence. Used for
	// agent-*.jsonl files, which hold a single subagent thread.
	SidechainFile bool
	// SinceTurn suppresses primary turns with Index <= SinceTurn.
	SinceTurn int
	// OnWarning, when set, receives skipped-line warnings as they happen.
	OnWarning func(Warning)
}

func (o Options) retryWindow() time.Duration {
	if o.RetryWindow > 0 {
		return o.RetryWindow
	}
	return DefaultRetryWindow
}

// Warning records a line that was skipped because it failed structural validation.
type Warning struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Reason)
}

type Result struct {
	SessionID  string
	Cwd        string
	Turns      []Turn
	Sidechains map[string][]Turn
	Warnings   []Warning
	Lines      int
}

// Parse reads a whole log and returns its reconstructed turns. Malformed lines are
// reported in Result.Warnings; only read errors are returned.
func Parse(r io.Reader, opts Options) (Result, error) {
	var res Result
	userWarn := opts.OnWarning
	opts.OnWarning = func(w Warning) {
		res.Warnings = append(res.Warnings, w)
		if userWarn != nil {
			userWarn(w)
		}
	}
	s := newScanner(opts, func(t Turn) bool {
		if t.Sidechain == "" {
			res.Turns = append(res.Turns, t)
			return true
		}
		if res.Sidechains == nil {
			res.Sidechains = make(map[string][]Turn)
		}
		res.Sidechains[t.Sidechain] = append(res.Sidechains[t.Sidechain], t)
		return true
	})
	if err := s.run(r); err != nil {
		return Result{}, err
	}
	res.SessionID = s.sessionID
	res.Cwd = s.cwd
	res.Lines = s.lines
	return res, nil
}

func ParseFile(path string, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("ParseFile: %w", err)
	}
	defer f.Close()
	res, err := Parse(f, opts)
	if err != nil {
		return Result{}, fmt.Errorf("ParseFile: %s: %w", path, err)
	}
	return res, nil
}

// Turns returns a lazy sequence of turns. Every range over the sequence calls open
// again and re-reads from the start, so the sequence can be restarted.
func Turns(open func() (io.ReadCloser, error), opts Options) iter.Seq2[Turn, error] {
	return func(yield func(Turn, error) bool) {
		rc, err := open()
		if err != nil {
			yield(Turn{}, err)
			return
		}
		defer rc.Close()

		s := newScanner(opts, func(t Turn) bool { return yield(t, nil) })
		if err := s.run(rc); err != nil && !s.stopped {
			yield(Turn{}, err)
		}
	}
}

func FileTurns(path string, opts Options) iter.Seq2[Turn, error] {
	return Turns(func() (io.ReadCloser, error) { return os.Open(path) }, opts)
}

type scanner struct {
	opts Options
	emit func(Turn) bool

	// parents indexes every event id seen so far to its parent id.
	parents map[string]string
	roots   map[string]string

	primary   *sequence
	side      map[string]*sequence
	sideOrder []string

	sessionID string
	cwd       string
	lines     int
	stopped   bool
}

func newScanner(opts Options, emit func(Turn) bool) *scanner {
	return &scanner{
		opts:    opts,
		emit:    emit,
		parents: make(map[string]string),
		roots:   make(map[string]string),
		primary: newSequence(""),
		side:    make(map[string]*sequence),
	}
}

func (s *scanner) run(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			s.lines++
			if line := bytes.TrimSpace(raw); len(line) > 0 {
				ev, derr := decodeEvent(s.lines, line)
				if derr != nil {
					s.warn(Warning{Line: s.lines, Reason: derr.Error()})
				} else {
					s.feed(ev)
				}
			}
			if s.stopped {
				return nil
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read line %d: %w", s.lines+1, err)
		}
	}

	s.flush(s.primary)
	for _, key := range s.sideOrder {
		s.flush(s.side[key])
	}
	return nil
}

func (s *scanner) warn(w Warning) {
	if s.opts.OnWarning != nil {
		s.opts.OnWarning(w)
	}
}

func (s *scanner) feed(ev Event) {
	if s.sessionID == "" && ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}
	if s.cwd == "" && ev.Cwd != "" {
		s.cwd = ev.Cwd
	}
	if ev.UUID != "" {
		if _, dup := s.parents[ev.UUID]; !dup {
			s.parents[ev.UUID] = ev.ParentUUID
		}
	}

	seq := s.sequenceFor(ev)
	if seq == nil {
		return
	}
	s.feedSequence(seq, ev)
}

func (s *scanner) sequenceFor(ev Event) *sequence {
	if !ev.IsSidechain || s.opts.SidechainFile {
		return s.primary
	}
	if !s.opts.Sidechains {
		return nil
	}
	key := ev.AgentID
	if key == "" {
		key = s.rootOf(ev.UUID)
	}
	if key == "" {
		return nil
	}
	seq, ok := s.side[key]
	if !ok {
		seq = newSequence(key)
		s.side[key] = seq
		s.sideOrder = append(s.sideOrder, key)
	}
	return seq
}

// rootOf follows parent links until an event has no parent or its parent is not in
// the file. Walks are iterative and memoized; a cycle ends the walk where it closes.
func (s *scanner) rootOf(id string) string {
	if id == "" {
		return ""
	}
	var path []string
	visited := make(map[string]struct{})
	cur := id
	root := ""
	for {
		if r, ok := s.roots[cur]; ok {
			root = r
			break
		}
		if _, seen := visited[cur]; seen {
			root = cur
			break
		}
		visited[cur] = struct{}{}
		path = append(path, cur)

		parent := s.parents[cur]
		if parent == "" {
			root = cur
			break
		}
		if _, ok := s.parents[parent]; !ok {
			root = cur
			break
		}
		cur = parent
	}
	for _, p := range path {
		s.roots[p] = root
	}
	return root
}

func (s *scanner) feedSequence(seq *sequence, ev Event) {
	switch {
	case ev.Type == EventFileSnapshot:
		for _, p := range ev.snapshotPaths() {
			if _, seen := seq.seenFiles[p]; seen {
				continue
			}
			seq.seenFiles[p] = struct{}{}
			if seq.cur != nil {
				seq.cur.addFile(p)
			}
		}
		if seq.cur != nil {
			seq.cur.addLine(ev)
		}
		return
	case ev.opensTurn():
		if seq.cur != nil && s.isResend(seq.cur, ev) {
			seq.cur.addLine(ev)
			seq.cur.resend(ev)
			return
		}
		s.flush(seq)
		seq.cur = newDraft(ev, s.rootOf(ev.UUID))
		return
	}

	if seq.cur == nil {
		return
	}
	seq.cur.addLine(ev)
	if ev.Type == EventAssistant {
		seq.cur.absorbAssistant(ev, s.opts.retryWindow())
	}
}

// isResend reports whether a new human event repeats the open turn's request within
// the retry window on the same thread.
func (s *scanner) isResend(d *draft, ev Event) bool {
	if strings.TrimSpace(ev.Text()) != d.text {
		return false
	}
	if d.lastAnchorAt.IsZero() || ev.Timestamp.IsZero() {
		return false
	}
	if absDuration(ev.Timestamp.Sub(d.lastAnchorAt)) > s.opts.retryWindow() {
		return false
	}
	return s.rootOf(ev.UUID) == d.root
}

func (s *scanner) flush(seq *sequence) {
	if seq == nil || seq.cur == nil {
		return
	}
	d := seq.cur
	seq.cur = nil
	seq.next++
	t := d.turn(seq.next, seq.key)
	if seq.key == "" && t.Index <= s.opts.SinceTurn {
		return
	}
	if s.stopped {
		return
	}
	if !s.emit(t) {
		s.stopped = true
	}
}

type sequence struct {
	key       string
	next      int
	cur       *draft
	seenFiles map[string]struct{}
}

func newSequence(key string) *sequence {
	return &sequence{key: key, seenFiles: make(map[string]struct{})}
}

type draft struct {
	anchor       Event
	root         string
	text         string
	lastAnchorID string
	lastAnchorAt time.Time

	narrative     []string
	lastNarrative []string

	tools       []ToolUse
	mergedTools map[string]int
	attemptSeen map[string]int

	files   []string
	fileSet map[string]struct{}

	lines     [][]byte
	firstLine int
	lastLine  int
	endedAt   time.Time

	attempts         int
	attemptAssistant bool
	attemptStartedAt time.Time
}

func newDraft(anchor Event, root string) *draft {
	d := &draft{
		anchor:       anchor,
		root:         root,
		text:         strings.TrimSpace(anchor.Text()),
		lastAnchorID: anchor.UUID,
		lastAnchorAt: anchor.Timestamp,
		mergedTools:  make(map[string]int),
		attemptSeen:  make(map[string]int),
		fileSet:      make(map[string]struct{}),
		firstLine:    anchor.Line,
		attempts:     1,
	}
	d.addLine(anchor)
	return d
}

func (d *draft) addLine(ev Event) {
	d.lines = append(d.lines, ev.raw)
	d.lastLine = ev.Line
	if ev.Timestamp.After(d.endedAt) {
		d.endedAt = ev.Timestamp
	}
}

func (d *draft) addFile(p string) {
	if _, ok := d.fileSet[p]; ok {
		return
	}
	d.fileSet[p] = struct{}{}
	d.files = append(d.files, p)
}

// addTool appends tu unless an earlier attempt already contributed the same invocation
// as many times as this attempt has now seen it.
func (d *draft) addTool(tu ToolUse) {
	k := tu.key()
	d.attemptSeen[k]++
	if d.attemptSeen[k] <= d.mergedTools[k] {
		return
	}
	d.mergedTools[k]++
	d.tools = append(d.tools, tu)
}

func (d *draft) newAttempt(at time.Time) {
	if len(d.narrative) > 0 {
		d.lastNarrative = d.narrative
	}
	d.narrative = nil
	d.attemptSeen = make(map[string]int)
	d.attemptAssistant = false
	d.attemptStartedAt = at
	d.attempts++
}

func (d *draft) resend(ev Event) {
	d.newAttempt(ev.Timestamp)
	d.lastAnchorID = ev.UUID
	d.lastAnchorAt = ev.Timestamp
}

func (d *draft) absorbAssistant(ev Event, window time.Duration) {
	// A second assistant chain hanging off the same human event is a reissued answer.
	if ev.ParentUUID != "" && ev.ParentUUID == d.lastAnchorID && d.attemptAssistant {
		if d.attemptStartedAt.IsZero() || ev.Timestamp.IsZero() || absDuration(ev.Timestamp.Sub(d.attemptStartedAt)) <= window {
			d.newAttempt(ev.Timestamp)
		}
	}
	if !d.attemptAssistant {
		d.attemptAssistant = true
		if d.attemptStartedAt.IsZero() {
			d.attemptStartedAt = ev.Timestamp
		}
	}

	if !ev.content.IsArray() {
		if txt := strings.TrimSpace(ev.Text()); txt != "" {
			d.narrative = append(d.narrative, txt)
		}
		return
	}
	for _, block := range ev.content.Array() {
		switch block.Get("type").String() {
		case "text":
			if txt := strings.TrimSpace(block.Get("text").String()); txt != "" {
				d.narrative = append(d.narrative, txt)
			}
		case "tool_use":
			tu, ok := toolUseFromBlock(block)
			if !ok {
				continue
			}
			d.addTool(tu)
			if p := tu.modifiedPath(); p != "" {
				d.addFile(p)
			}
		}
	}
}

func (d *draft) turn(index int, sidechain string) Turn {
	narrative := d.narrative
	if len(narrative) == 0 {
		narrative = d.lastNarrative
	}
	tools := d.tools
	if tools == nil {
		tools = []ToolUse{}
	}
	files := d.files
	if files == nil {
		files = []string{}
	}
	return Turn{
		Index:         index,
		Sidechain:     sidechain,
		AnchorUUID:    d.anchor.UUID,
		Request:       CleanRequest(d.anchor.Text()),
		Narrative:     strings.Join(narrative, "\n\n"),
		Tools:         tools,
		FilesModified: files,
		Fingerprint:   Fingerprint(d.lines),
		StartedAt:     d.anchor.Timestamp,
		EndedAt:       d.endedAt,
		FirstLine:     d.firstLine,
		LastLine:      d.lastLine,
		Attempts:      d.attempts,
	}
}

// Fingerprint hashes raw lines in order; it is the turn's dedup key.
func Fingerprint(lines [][]byte) string {
	h := sha256.New()
	for i, l := range lines {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write(l)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
