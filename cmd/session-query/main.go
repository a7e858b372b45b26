package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/theimaginaryfoundation/context-o-bot/config"
	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/theimaginaryfoundation/context-o-bot/store"
)

const titleWidth = 60

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err.Error())
		os.Exit(2)
	}
	shared, err := config.Load(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	cfg.applyShared(shared)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer st.Close()

	if err := run(ctx, st, cfg, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ConfigPath, "config", "", "Config file (default ~/.context-o-bot/config.yaml or $CONTEXTBOT_CONFIG)")
	fs.StringVar(&cfg.DBPath, "db", "", "SQLite database path (default from config: db_path)")
	fs.StringVar(&cfg.Workspace, "workspace", "", "Only list or search sessions of this project directory")
	fs.StringVar(&cfg.Show, "show", "", "Print one session and all of its turns (full id or unique prefix)")
	fs.StringVar(&cfg.Search, "search", "", "Search sessions and turns for this text")
	fs.StringVar(&cfg.Scope, "type", ScopeAll, "What -search looks at: all, turn or session")
	fs.BoolVar(&cfg.Regex, "regex", false, "Treat -search as a regular expression")
	fs.BoolVar(&cfg.CaseSensitive, "case-sensitive", false, "Match -search case-sensitively")
	fs.IntVar(&cfg.Limit, "limit", store.DefaultListLimit, "Maximum sessions (and turns) to print")
	fs.BoolVar(&cfg.JSON, "json", false, "Print results as JSON")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExamples:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/session-query -workspace ~/src/api")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/session-query -show 3f2a")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/session-query -search 'lease|retry' -regex -type turn")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.Workspace != "" {
		abs, err := filepath.Abs(fileutils.ExpandHome(cfg.Workspace))
		if err != nil {
			return Config{}, err
		}
		cfg.Workspace = abs
	}
	if cfg.DBPath != "" {
		cfg.DBPath = filepath.Clean(fileutils.ExpandHome(cfg.DBPath))
	}
	return cfg, nil
}

func run(ctx context.Context, st *store.Store, cfg Config, stdout io.Writer) error {
	switch cfg.Mode() {
	case ModeShow:
		return show(ctx, st, cfg, stdout)
	case ModeSearch:
		return search(ctx, st, cfg, stdout)
	default:
		return list(ctx, st, cfg, stdout)
	}
}

type sessionView struct {
	ID           string    `json:"id"`
	Workspace    string    `json:"workspace,omitempty"`
	Parent       string    `json:"parent_session_id,omitempty"`
	Title        string    `json:"title,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Turns        int       `json:"turns"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastActivity time.Time `json:"last_activity_at,omitzero"`
	FilePath     string    `json:"file_path"`
}

type turnView struct {
	SessionID     string    `json:"session_id"`
	Index         int       `json:"index"`
	Title         string    `json:"title,omitempty"`
	Description   string    `json:"description,omitempty"`
	Request       string    `json:"request"`
	Satisfaction  string    `json:"satisfaction,omitempty"`
	Tools         []string  `json:"tools,omitempty"`
	FilesModified []string  `json:"files_modified,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
}

func newSessionView(s store.Session) sessionView {
	return sessionView{
		ID:           s.ID,
		Workspace:    s.Workspace,
		Parent:       s.ParentSessionID,
		Title:        s.Title,
		Summary:      s.Summary,
		Turns:        s.TotalTurns,
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivityAt,
		FilePath:     s.FilePath,
	}
}

func newTurnView(t store.Turn) turnView {
	view := turnView{
		SessionID:     t.SessionID,
		Index:         t.Index,
		Title:         t.Title,
		Description:   t.Description,
		Request:       t.Request,
		Satisfaction:  t.Satisfaction,
		FilesModified: t.FilesModified,
		StartedAt:     t.StartedAt,
	}
	for _, tool := range t.Tools {
		view.Tools = append(view.Tools, tool.Name)
	}
	return view
}

func list(ctx context.Context, st *store.Store, cfg Config, stdout io.Writer) error {
	sessions, err := st.ListSessions(ctx, store.ListSessionsArgs{Workspace: cfg.Workspace, Limit: cfg.Limit})
	if err != nil {
		return err
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newSessionView(s))
	}
	if cfg.JSON {
		return writeJSON(stdout, map[string]any{"sessions": views, "total": len(views)})
	}
	if err := writeSessions(stdout, views); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "sessions=%d\n", len(views))
	return err
}

func show(ctx context.Context, st *store.Store, cfg Config, stdout io.Writer) error {
	sess, err := st.FindSession(ctx, cfg.Show)
	if err != nil {
		return err
	}
	turns, err := st.ListTurns(ctx, sess.ID)
	if err != nil {
		return err
	}
	view := newSessionView(sess)
	turnViews := make([]turnView, 0, len(turns))
	for _, t := range turns {
		turnViews = append(turnViews, newTurnView(t))
	}
	if cfg.JSON {
		return writeJSON(stdout, map[string]any{"session": view, "turns": turnViews})
	}

	fmt.Fprintf(stdout, "session:   %s\n", view.ID)
	fmt.Fprintf(stdout, "workspace: %s\n", orDash(view.Workspace))
	if view.Parent != "" {
		fmt.Fprintf(stdout, "parent:    %s\n", view.Parent)
	}
	fmt.Fprintf(stdout, "title:     %s\n", orDash(view.Title))
	fmt.Fprintf(stdout, "active:    %s .. %s\n", formatTime(view.StartedAt), formatTime(view.LastActivity))
	fmt.Fprintf(stdout, "file:      %s\n", view.FilePath)
	if view.Summary != "" {
		fmt.Fprintf(stdout, "\n%s\n", view.Summary)
	}
	fmt.Fprintln(stdout)
	if err := writeTurns(stdout, turnViews); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "turns=%d\n", len(turnViews))
	return err
}

func search(ctx context.Context, st *store.Store, cfg Config, stdout io.Writer) error {
	args := store.SearchArgs{
		Query:         cfg.Search,
		Regex:         cfg.Regex,
		CaseSensitive: cfg.CaseSensitive,
		Workspace:     cfg.Workspace,
		Limit:         cfg.Limit,
	}
	sessionViews := []sessionView{}
	turnViews := []turnView{}
	if cfg.Scope == ScopeAll || cfg.Scope == ScopeSession {
		sessions, err := st.SearchSessions(ctx, args)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			sessionViews = append(sessionViews, newSessionView(s))
		}
	}
	if cfg.Scope == ScopeAll || cfg.Scope == ScopeTurn {
		turns, err := st.SearchTurns(ctx, args)
		if err != nil {
			return err
		}
		for _, t := range turns {
			turnViews = append(turnViews, newTurnView(t))
		}
	}
	if cfg.JSON {
		return writeJSON(stdout, map[string]any{"sessions": sessionViews, "turns": turnViews})
	}

	if len(sessionViews) > 0 {
		if err := writeSessions(stdout, sessionViews); err != nil {
			return err
		}
		fmt.Fprintln(stdout)
	}
	if len(turnViews) > 0 {
		if err := writeTurns(stdout, turnViews); err != nil {
			return err
		}
		fmt.Fprintln(stdout)
	}
	_, err := fmt.Fprintf(stdout, "sessions=%d turns=%d\n", len(sessionViews), len(turnViews))
	return err
}

func writeSessions(w io.Writer, sessions []sessionView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTURNS\tLAST ACTIVITY\tTITLE\tWORKSPACE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			s.ID, s.Turns, formatTime(s.LastActivity), orDash(oneLine(s.Title)), orDash(s.Workspace))
	}
	return tw.Flush()
}

// writeTurns prints the summary title when there is one and the request otherwise.
func writeTurns(w io.Writer, turns []turnView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTURN\tSTARTED\tTEXT")
	for _, t := range turns {
		text := t.Title
		if text == "" {
			text = t.Request
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", t.SessionID, t.Index, formatTime(t.StartedAt), orDash(oneLine(text)))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string) string {
	return fileutils.Truncate(strings.Join(strings.Fields(s), " "), titleWidth)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
