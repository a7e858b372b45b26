package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"modernc.org/sqlite"
)

const DefaultListLimit = 100

var ErrAmbiguousID = errors.New("ambiguous id prefix")

// compiledPatterns caches patterns used by the REGEXP operator; one query evaluates
// the same pattern once per row.
var compiledPatterns sync.Map

func init() {
	sqlite.MustRegisterDeterministicScalarFunction("regexp", 2, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		pattern, ok := args[0].(string)
		if !ok {
			return false, nil
		}
		value, ok := args[1].(string)
		if !ok {
			return false, nil
		}
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, err
		}
		return re.MatchString(value), nil
	})
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := compiledPatterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	compiledPatterns.Store(pattern, re)
	return re, nil
}

type ListSessionsArgs struct {
	// Workspace limits the listing to one project; empty lists every workspace.
	Workspace string
	Limit     int
}

// ListSessions returns imported sessions, most recently active first.
func (store *Store) ListSessions(ctx context.Context, args ListSessionsArgs) ([]Session, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	params := []any{}
	if args.Workspace != "" {
		query += ` WHERE workspace = ?`
		params = append(params, args.Workspace)
	}
	query += ` ORDER BY last_activity_at DESC, id ASC LIMIT ?`
	params = append(params, limit)

	rows, err := store.database.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// FindSession resolves a full session id or a unique prefix of one.
func (store *Store) FindSession(ctx context.Context, idOrPrefix string) (Session, error) {
	if idOrPrefix == "" {
		return Session{}, errors.New("FindSession: empty id")
	}
	session, err := store.GetSession(ctx, idOrPrefix)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return session, err
	}

	rows, err := store.database.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE substr(id, 1, length(?)) = ?
		ORDER BY last_activity_at DESC, id ASC
		LIMIT 2`, idOrPrefix, idOrPrefix)
	if err != nil {
		return Session{}, err
	}
	matches, err := collectSessions(rows)
	if err != nil {
		return Session{}, err
	}
	switch len(matches) {
	case 0:
		return Session{}, fmt.Errorf("session %s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return Session{}, fmt.Errorf("session %s (%s, %s, ...): %w", idOrPrefix, matches[0].ID, matches[1].ID, ErrAmbiguousID)
	}
}

type SearchArgs struct {
	Query string
	// Regex treats Query as a regular expression; otherwise it is a plain substring.
	// Both match case-insensitively unless CaseSensitive is set.
	Regex         bool
	CaseSensitive bool
	Workspace     string
	Limit         int
}

// condition returns a WHERE fragment matching any of columns, plus its parameters.
func (args SearchArgs) condition(columns ...string) (string, []any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return "", nil, errors.New("search: empty query")
	}
	var clauses []string
	var params []any
	if args.Regex {
		pattern := args.Query
		if !args.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		if _, err := compilePattern(pattern); err != nil {
			return "", nil, fmt.Errorf("search: %w", err)
		}
		for _, column := range columns {
			clauses = append(clauses, column+` REGEXP ?`)
			params = append(params, pattern)
		}
		return "(" + strings.Join(clauses, " OR ") + ")", params, nil
	}

	like := "%" + escapeLike(args.Query) + "%"
	for _, column := range columns {
		if args.CaseSensitive {
			clauses = append(clauses, `instr(`+column+`, ?) > 0`)
			params = append(params, args.Query)
			continue
		}
		clauses = append(clauses, column+` LIKE ? ESCAPE '\'`)
		params = append(params, like)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", params, nil
}

func (args SearchArgs) limit() int {
	if args.Limit <= 0 {
		return DefaultListLimit
	}
	return args.Limit
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// SearchSessions matches session ids, titles and summaries, most recently active first.
func (store *Store) SearchSessions(ctx context.Context, args SearchArgs) ([]Session, error) {
	condition, params, err := args.condition("id", "title", "summary")
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + condition
	if args.Workspace != "" {
		query += ` AND workspace = ?`
		params = append(params, args.Workspace)
	}
	query += ` ORDER BY last_activity_at DESC, id ASC LIMIT ?`
	params = append(params, args.limit())

	rows, err := store.database.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	return collectSessions(rows)
}

// SearchTurns matches turn requests, titles and descriptions, newest first.
func (store *Store) SearchTurns(ctx context.Context, args SearchArgs) ([]Turn, error) {
	condition, params, err := args.condition("request", "title", "description")
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + turnColumns + ` FROM turns WHERE ` + condition
	if args.Workspace != "" {
		query += ` AND session_id IN (SELECT id FROM sessions WHERE workspace = ?)`
		params = append(params, args.Workspace)
	}
	query += ` ORDER BY COALESCE(started_at, imported_at) DESC, session_id ASC, turn_index DESC LIMIT ?`
	params = append(params, args.limit())

	rows, err := store.database.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("search turns: %w", err)
	}
	return collectTurns(rows)
}

func collectTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var turns []Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
