package storage

import (
	"fmt"
	"strings"
	"time"
)

// CommandRecord is one distinct (command, working directory) pair
type CommandRecord struct {
	ID         int64     `json:"id" yaml:"id"`
	Command    string    `json:"command" yaml:"command"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`     // first observation, immutable
	ExitCode   int       `json:"exit_code" yaml:"exit_code"`     // of the first observation
	DurationMs int64     `json:"duration_ms" yaml:"duration_ms"` // of the first observation
	WorkingDir string    `json:"working_dir" yaml:"working_dir"`
	Category   string    `json:"category" yaml:"category"`
	UsageCount int64     `json:"usage_count" yaml:"usage_count"`
	LastUsed   time.Time `json:"last_used" yaml:"last_used"`
}

// NewCommandRecord creates a record observed now with a usage count of 1
func NewCommandRecord(command string, exitCode int, durationMs int64, workingDir, category string) *CommandRecord {
	now := Now()
	return &CommandRecord{
		Command:    command,
		Timestamp:  now,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		WorkingDir: workingDir,
		Category:   category,
		UsageCount: 1,
		LastUsed:   now,
	}
}

// Validate checks the fields every stored record must satisfy
func (cr *CommandRecord) Validate() error {
	if strings.TrimSpace(cr.Command) == "" {
		return fmt.Errorf("command is empty")
	}
	if len(cr.Command) > MaxCommandLength {
		return fmt.Errorf("command exceeds %d bytes", MaxCommandLength)
	}
	if len(cr.WorkingDir) > MaxWorkingDirLength {
		return fmt.Errorf("working directory exceeds %d bytes", MaxWorkingDirLength)
	}
	if cr.DurationMs < 0 {
		return fmt.Errorf("duration must be non-negative")
	}
	if cr.UsageCount < 1 {
		return fmt.Errorf("usage count must be at least 1")
	}
	if cr.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

func (cr *CommandRecord) IsSuccess() bool {
	return cr.ExitCode == 0
}

// StatusSymbol is ✓ for success and ✗ otherwise
func (cr *CommandRecord) StatusSymbol() string {
	if cr.IsSuccess() {
		return "✓"
	}
	return "✗"
}

// DurationDisplay renders the duration as 500ms, 2.5s or 2m5s
func (cr *CommandRecord) DurationDisplay() string {
	ms := cr.DurationMs
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		minutes := ms / 60000
		seconds := (ms % 60000) / 1000
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
}

// CategoryCount is one row of the per-category breakdown
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// Stats is an on-demand aggregate over the whole store
type Stats struct {
	TotalCommands      int64           `json:"total_commands"`
	SuccessfulCommands int64           `json:"successful_commands"`
	FailedCommands     int64           `json:"failed_commands"`
	ByCategory         []CategoryCount `json:"by_category"`
	OldestCommand      *time.Time      `json:"oldest_command,omitempty"`
	NewestCommand      *time.Time      `json:"newest_command,omitempty"`
}

// SuccessRate is the percentage of successful commands, 0 on an empty store
func (s *Stats) SuccessRate() float64 {
	if s.TotalCommands == 0 {
		return 0.0
	}
	return float64(s.SuccessfulCommands) / float64(s.TotalCommands) * 100.0
}

// OrderBy selects the sort order of search results
type OrderBy int

const (
	// OrderByTimestamp sorts newest first
	OrderByTimestamp OrderBy = iota
	// OrderByUsageCount sorts most used first, newest first on ties
	OrderByUsageCount
	// OrderByRelevance is an alias of OrderByUsageCount
	OrderByRelevance
)

func (o OrderBy) String() string {
	switch o {
	case OrderByUsageCount:
		return "usage"
	case OrderByRelevance:
		return "relevance"
	default:
		return "timestamp"
	}
}

// SearchQuery describes one bounded read of the store
type SearchQuery struct {
	// Literal phrase matched against the command text
	Text string

	Category string

	// nil: any exit code; true: exit code 0; false: non-zero exit code
	SuccessOnly *bool

	WorkingDir string
	// Match WorkingDir and everything below it
	Recursive bool

	// Zero means DefaultSearchLimit
	Limit int

	OrderBy OrderBy
}

// DatabaseSchema contains all SQL statements for database initialization
type DatabaseSchema struct {
	// Current schema version
	Version int

	// DDL statements
	Tables  []string
	Indexes []string

	// Text index statements, applied separately so a missing FTS5 module
	// leaves the store usable
	TextIndex []string

	// Migration statements keyed by target version
	Migrations map[int][]string
}

// GetCurrentSchema returns the current database schema
func GetCurrentSchema() *DatabaseSchema {
	return &DatabaseSchema{
		Version: CurrentSchemaVersion,
		Tables: []string{
			`CREATE TABLE IF NOT EXISTS commands (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				command TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				exit_code INTEGER NOT NULL,
				duration_ms INTEGER NOT NULL,
				working_dir TEXT NOT NULL,
				category TEXT NOT NULL,
				usage_count INTEGER NOT NULL DEFAULT 1,
				last_used TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at INTEGER NOT NULL,
				description TEXT
			)`,
		},

		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_timestamp ON commands(timestamp DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_category ON commands(category)`,
			`CREATE INDEX IF NOT EXISTS idx_usage ON commands(usage_count DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_command ON commands(command)`,
			`CREATE INDEX IF NOT EXISTS idx_exit_code ON commands(exit_code)`,
			`CREATE INDEX IF NOT EXISTS idx_working_dir ON commands(working_dir)`,
		},

		TextIndex: []string{
			`CREATE VIRTUAL TABLE IF NOT EXISTS commands_fts USING fts5(
				command,
				content='commands',
				content_rowid='id',
				tokenize='trigram case_sensitive 1'
			)`,

			`CREATE TRIGGER IF NOT EXISTS commands_ai AFTER INSERT ON commands BEGIN
				INSERT INTO commands_fts(rowid, command) VALUES (new.id, new.command);
			END`,

			`CREATE TRIGGER IF NOT EXISTS commands_ad AFTER DELETE ON commands BEGIN
				INSERT INTO commands_fts(commands_fts, rowid, command) VALUES('delete', old.id, old.command);
			END`,

			`CREATE TRIGGER IF NOT EXISTS commands_au AFTER UPDATE OF command ON commands BEGIN
				INSERT INTO commands_fts(commands_fts, rowid, command) VALUES('delete', old.id, old.command);
				INSERT INTO commands_fts(rowid, command) VALUES (new.id, new.command);
			END`,

			`INSERT INTO commands_fts(commands_fts) VALUES('rebuild')`,
		},

		Migrations: map[int][]string{},
	}
}

// SchemaVersion represents the schema version tracking
type SchemaVersion struct {
	Version     int
	AppliedAt   int64
	Description string
}

// Constants for database constraints and limits
const (
	MaxCommandLength    = 65536
	MaxWorkingDirLength = 4096

	DefaultSearchLimit = 20

	// Stored when the working directory cannot be resolved
	UnknownWorkingDir = "/unknown"

	CurrentSchemaVersion = 1
	MinSupportedVersion  = 1
)

// timeLayout is fixed-width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Now returns the current time at the precision the store keeps
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
