package storage

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// TextMatcher turns a literal phrase into a SQL predicate over the commands
// table. The store tries its primary matcher first and reruns the same query
// with the scan matcher when the primary is unavailable or fails.
type TextMatcher interface {
	Name() string
	Available(ctx context.Context) bool
	Predicate(ctx context.Context, phrase string) (clause string, args []interface{}, err error)
}

var errPhraseTooShort = errors.New("phrase shorter than one trigram")

// ftsMatcher matches through the commands_fts trigram index
type ftsMatcher struct {
	db *Database
}

func (m *ftsMatcher) Name() string { return "fts5" }

func (m *ftsMatcher) Available(ctx context.Context) bool {
	return m.db != nil && m.db.migrator != nil && m.db.migrator.HasTextIndex()
}

func (m *ftsMatcher) Predicate(ctx context.Context, phrase string) (string, []interface{}, error) {
	if utf8.RuneCountInString(phrase) < 3 {
		return "", nil, errPhraseTooShort
	}
	return `id IN (SELECT rowid FROM commands_fts WHERE commands_fts MATCH ?)`,
		[]interface{}{QuoteFTSPhrase(phrase)}, nil
}

// scanMatcher is a plain case-sensitive substring test over the unindexed
// command text. instr has no wildcards, so phrase needs no escaping.
type scanMatcher struct{}

func (scanMatcher) Name() string { return "scan" }

func (scanMatcher) Available(context.Context) bool { return true }

func (scanMatcher) Predicate(_ context.Context, phrase string) (string, []interface{}, error) {
	return `instr(command, ?) > 0`, []interface{}{phrase}, nil
}

// QuoteFTSPhrase makes phrase a single FTS5 string token: embedded double
// quotes are doubled and the whole phrase is wrapped in quotes, so operators
// and punctuation are matched literally.
func QuoteFTSPhrase(phrase string) string {
	return `"` + strings.ReplaceAll(phrase, `"`, `""`) + `"`
}

// Search runs a filtered, ordered and limited read. A text phrase goes
// through the primary matcher; if that cannot run, the identical query is
// repeated with a substring scan and the failure is only logged.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]CommandRecord, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = DefaultSearchLimit
	}

	if q.Text == "" {
		return s.runSearch(ctx, q, nil)
	}

	primary := s.matcher
	if primary != nil && primary.Name() != s.scan.Name() {
		if primary.Available(ctx) {
			records, err := s.runSearch(ctx, q, primary)
			if err == nil {
				return records, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}
			evt := s.logger.Warn()
			if errors.Is(err, errPhraseTooShort) {
				evt = s.logger.Debug()
			}
			evt.Err(err).
				Str("matcher", primary.Name()).
				Msg("Text index query failed, retrying with scan")
		} else {
			s.logger.Debug().
				Str("matcher", primary.Name()).
				Msg("Text index unavailable, using scan")
		}
	}

	return s.runSearch(ctx, q, s.scan)
}

func (s *Store) runSearch(ctx context.Context, q SearchQuery, matcher TextMatcher) ([]CommandRecord, error) {
	start := time.Now()

	conn, err := s.conn()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)

	if q.Category != "" {
		where = append(where, `category = ?`)
		args = append(args, q.Category)
	}

	if q.SuccessOnly != nil {
		if *q.SuccessOnly {
			where = append(where, `exit_code = 0`)
		} else {
			where = append(where, `exit_code != 0`)
		}
	}

	if q.WorkingDir != "" {
		clause, dirArgs := directoryPredicate(q.WorkingDir, q.Recursive)
		where = append(where, clause)
		args = append(args, dirArgs...)
	}

	if matcher != nil {
		clause, textArgs, err := matcher.Predicate(ctx, q.Text)
		if err != nil {
			return nil, errors.Wrapf(err, "%s matcher", matcher.Name())
		}
		where = append(where, clause)
		args = append(args, textArgs...)
	}

	query := `SELECT ` + recordColumns + ` FROM commands`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY ` + orderClause(q.OrderBy) + ` LIMIT ?`
	args = append(args, q.Limit)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "search commands")
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, storageError(err, "search commands")
	}

	matcherName := "none"
	if matcher != nil {
		matcherName = matcher.Name()
	}
	s.logger.Performance("search", time.Since(start), map[string]interface{}{
		"matcher": matcherName,
		"results": len(records),
	})

	return records, nil
}

// directoryPredicate matches dir exactly, or dir and its descendants when
// recursive. Siblings sharing a name prefix (/srv/app2 for /srv/app) are
// not descendants.
func directoryPredicate(dir string, recursive bool) (string, []interface{}) {
	if !recursive {
		return `working_dir = ?`, []interface{}{dir}
	}

	base := strings.TrimRight(dir, "/")
	if base == "" {
		return `instr(working_dir, '/') = 1`, nil
	}
	return `(working_dir = ? OR instr(working_dir, ?) = 1)`,
		[]interface{}{base, base + "/"}
}

func orderClause(o OrderBy) string {
	switch o {
	case OrderByUsageCount, OrderByRelevance:
		return `usage_count DESC, timestamp DESC, id DESC`
	default:
		return `timestamp DESC, id DESC`
	}
}

// Recent returns the n newest records. A non-empty dir scopes the read to
// that directory, or to its subtree when recursive.
func (s *Store) Recent(ctx context.Context, n int, dir string, recursive bool) ([]CommandRecord, error) {
	return s.Search(ctx, SearchQuery{
		WorkingDir: dir,
		Recursive:  recursive,
		Limit:      n,
		OrderBy:    OrderByTimestamp,
	})
}

// Top returns the n most used records, scoped like Recent
func (s *Store) Top(ctx context.Context, n int, dir string, recursive bool) ([]CommandRecord, error) {
	return s.Search(ctx, SearchQuery{
		WorkingDir: dir,
		Recursive:  recursive,
		Limit:      n,
		OrderBy:    OrderByUsageCount,
	})
}

// ByCategory returns the n most used records in category, scoped like Recent
func (s *Store) ByCategory(ctx context.Context, category string, n int, dir string, recursive bool) ([]CommandRecord, error) {
	return s.Search(ctx, SearchQuery{
		Category:   category,
		WorkingDir: dir,
		Recursive:  recursive,
		Limit:      n,
		OrderBy:    OrderByUsageCount,
	})
}
