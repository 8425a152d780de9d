package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/NeverVane/omniscient/internal/logger"
)

const recordColumns = `id, command, timestamp, exit_code, duration_ms, working_dir, category, usage_count, last_used`

// Store is the command store: insert/update primitives and every read shape
type Store struct {
	db      *Database
	logger  *logger.Logger
	matcher TextMatcher
	scan    TextMatcher
}

// NewStore wraps db. Phrase search uses the FTS5 index with a scan fallback.
func NewStore(db *Database) *Store {
	return &Store{
		db:      db,
		logger:  logger.GetLogger().Storage(),
		matcher: &ftsMatcher{db: db},
		scan:    scanMatcher{},
	}
}

// SetTextMatcher replaces the primary text matcher. nil restores scan-only matching.
func (s *Store) SetTextMatcher(m TextMatcher) {
	if m == nil {
		m = s.scan
	}
	s.matcher = m
}

// TextMatcher returns the primary text matcher
func (s *Store) TextMatcher() TextMatcher {
	return s.matcher
}

// Database returns the underlying database
func (s *Store) Database() *Database {
	return s.db
}

func (s *Store) conn() (*sql.DB, error) {
	if s.db == nil || s.db.db == nil {
		return nil, errors.Mark(errors.New("database is closed"), ErrStorage)
	}
	return s.db.db, nil
}

// Insert appends record and sets record.ID
func (s *Store) Insert(ctx context.Context, record *CommandRecord) (int64, error) {
	if record.LastUsed.IsZero() {
		record.LastUsed = record.Timestamp
	}
	if err := record.Validate(); err != nil {
		return 0, fmt.Errorf("invalid command record: %w", err)
	}

	conn, err := s.conn()
	if err != nil {
		return 0, err
	}

	res, err := conn.ExecContext(ctx,
		`INSERT INTO commands (command, timestamp, exit_code, duration_ms, working_dir, category, usage_count, last_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Command,
		formatTime(record.Timestamp),
		record.ExitCode,
		record.DurationMs,
		record.WorkingDir,
		record.Category,
		record.UsageCount,
		formatTime(record.LastUsed),
	)
	if err != nil {
		return 0, storageError(err, "insert command")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageError(err, "read inserted id")
	}
	record.ID = id

	s.logger.Debug().Int64("id", id).Str("category", record.Category).Msg("Inserted command")
	return id, nil
}

// FindDuplicate returns the record keyed by (command, workingDir), or nil
func (s *Store) FindDuplicate(ctx context.Context, command, workingDir string) (*CommandRecord, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}

	row := conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM commands WHERE command = ? AND working_dir = ? LIMIT 1`,
		command, workingDir)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "find duplicate")
	}
	return record, nil
}

// Get returns the record with id
func (s *Store) Get(ctx context.Context, id int64) (*CommandRecord, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}

	record, err := scanRecord(conn.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM commands WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErrorf(err, "get command %d", id)
	}
	return record, nil
}

// IncrementUsage adds one use to id and moves last_used to now
func (s *Store) IncrementUsage(ctx context.Context, id int64) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx,
		`UPDATE commands SET usage_count = usage_count + 1, last_used = MAX(last_used, ?) WHERE id = ?`,
		formatTime(Now()), id)
	if err != nil {
		return storageErrorf(err, "increment usage of %d", id)
	}
	return s.expectOne(res, id)
}

// SetUsage overwrites the usage count of id. last_used only moves forward.
func (s *Store) SetUsage(ctx context.Context, id, count int64, lastUsed time.Time) error {
	if count < 1 {
		return fmt.Errorf("usage count must be at least 1, got %d", count)
	}

	conn, err := s.conn()
	if err != nil {
		return err
	}

	if lastUsed.IsZero() {
		lastUsed = Now()
	}

	res, err := conn.ExecContext(ctx,
		`UPDATE commands SET usage_count = ?, last_used = MAX(last_used, ?) WHERE id = ?`,
		count, formatTime(lastUsed), id)
	if err != nil {
		return storageErrorf(err, "set usage of %d", id)
	}
	return s.expectOne(res, id)
}

func (s *Store) expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageError(err, "read affected rows")
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// All returns every record, oldest first
func (s *Store) All(ctx context.Context) ([]CommandRecord, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT `+recordColumns+` FROM commands ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, storageError(err, "list commands")
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, storageError(err, "list commands")
	}
	return records, nil
}

// After returns the records with an id above afterID, in id order
func (s *Store) After(ctx context.Context, afterID int64) ([]CommandRecord, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT `+recordColumns+` FROM commands WHERE id > ? ORDER BY id ASC`, afterID)
	if err != nil {
		return nil, storageError(err, "list new commands")
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, storageError(err, "list new commands")
	}
	return records, nil
}

// Count returns the number of stored records
func (s *Store) Count(ctx context.Context) (int64, error) {
	conn, err := s.conn()
	if err != nil {
		return 0, err
	}

	var n int64
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands`).Scan(&n); err != nil {
		return 0, storageError(err, "count commands")
	}
	return n, nil
}

// Stats aggregates the whole store
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByCategory: []CategoryCount{}}

	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands`).Scan(&stats.TotalCommands); err != nil {
		return nil, storageError(err, "count commands")
	}

	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands WHERE exit_code = 0`).Scan(&stats.SuccessfulCommands); err != nil {
		return nil, storageError(err, "count successful commands")
	}
	stats.FailedCommands = stats.TotalCommands - stats.SuccessfulCommands

	rows, err := conn.QueryContext(ctx,
		`SELECT category, COUNT(*) AS n FROM commands GROUP BY category ORDER BY n DESC, category ASC`)
	if err != nil {
		return nil, storageError(err, "count categories")
	}
	for rows.Next() {
		var cc CategoryCount
		if err := rows.Scan(&cc.Category, &cc.Count); err != nil {
			rows.Close()
			return nil, storageError(err, "scan category count")
		}
		stats.ByCategory = append(stats.ByCategory, cc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageError(err, "count categories")
	}
	rows.Close()

	var oldest, newest sql.NullString
	if err := conn.QueryRowContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM commands`).Scan(&oldest, &newest); err != nil {
		return nil, storageError(err, "timestamp range")
	}
	if oldest.Valid {
		if t, err := parseTime(oldest.String); err == nil {
			stats.OldestCommand = &t
		}
	}
	if newest.Valid {
		if t, err := parseTime(newest.String); err == nil {
			stats.NewestCommand = &t
		}
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*CommandRecord, error) {
	var (
		r                   CommandRecord
		timestamp, lastUsed string
	)
	if err := row.Scan(
		&r.ID,
		&r.Command,
		&timestamp,
		&r.ExitCode,
		&r.DurationMs,
		&r.WorkingDir,
		&r.Category,
		&r.UsageCount,
		&lastUsed,
	); err != nil {
		return nil, err
	}

	var err error
	if r.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	if r.LastUsed, err = parseTime(lastUsed); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]CommandRecord, error) {
	records := []CommandRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
