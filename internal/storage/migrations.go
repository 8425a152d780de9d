package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/NeverVane/omniscient/internal/logger"
)

// Migrator handles database schema creation and migrations
type Migrator struct {
	db     *sql.DB
	schema *DatabaseSchema
	logger *logger.Logger
}

// NewMigrator creates a new database migrator
func NewMigrator(db *sql.DB, schema *DatabaseSchema) *Migrator {
	return &Migrator{
		db:     db,
		schema: schema,
		logger: logger.GetLogger().Database(),
	}
}

// GetCurrentVersion returns the current schema version, 0 for a fresh database
func (m *Migrator) GetCurrentVersion() (int, error) {
	exists, err := m.objectExists("table", "schema_version")
	if err != nil {
		return 0, fmt.Errorf("failed to check if schema_version table exists: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = m.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get current schema version: %w", err)
	}

	return version, nil
}

// InitializeSchema creates tables, indexes and the version row in one transaction
func (m *Migrator) InitializeSchema() error {
	m.logger.Debug().Msg("Initializing database schema")

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, table := range m.schema.Tables {
		if _, err := tx.Exec(table); err != nil {
			return fmt.Errorf("failed to create table %d: %w", i, err)
		}
	}

	for i, index := range m.schema.Indexes {
		if _, err := tx.Exec(index); err != nil {
			return fmt.Errorf("failed to create index %d: %w", i, err)
		}
	}

	if err := m.recordSchemaVersion(tx, m.schema.Version, "Initial schema creation"); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema initialization: %w", err)
	}

	m.logger.Debug().Int("version", m.schema.Version).Msg("Database schema initialized")
	return nil
}

// MigrateToLatest migrates the database to the latest schema version
func (m *Migrator) MigrateToLatest() error {
	currentVersion, err := m.GetCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	targetVersion := m.schema.Version

	if currentVersion == 0 {
		return m.InitializeSchema()
	}

	if currentVersion == targetVersion {
		return nil
	}

	if currentVersion > targetVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, targetVersion)
	}

	for version := currentVersion + 1; version <= targetVersion; version++ {
		if err := m.applyMigration(version); err != nil {
			return fmt.Errorf("failed to apply migration to version %d: %w", version, err)
		}
	}

	return nil
}

func (m *Migrator) applyMigration(version int) error {
	statements, exists := m.schema.Migrations[version]
	if !exists {
		return fmt.Errorf("no migration found for version %d", version)
	}

	m.logger.Info().Int("version", version).Msg("Applying database migration")

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for i, statement := range statements {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute migration statement %d for version %d: %w", i, version, err)
		}
	}

	if err := m.recordSchemaVersion(tx, version, fmt.Sprintf("Migration to version %d", version)); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

func (m *Migrator) recordSchemaVersion(tx *sql.Tx, version int, description string) error {
	_, err := tx.Exec(`INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
		version, time.Now().UnixMilli(), description)
	return err
}

// EnsureTextIndex creates the FTS5 table and its sync triggers when missing
// and fills it from the existing rows. All statements share one transaction,
// so a failure leaves neither the table nor triggers behind.
func (m *Migrator) EnsureTextIndex() error {
	if m.HasTextIndex() {
		if m.textIndexCaseSensitive() {
			return nil
		}
		m.logger.Info().Msg("Recreating case-insensitive text index")
		if err := m.DropTextIndex(); err != nil {
			return err
		}
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin text index transaction: %w", err)
	}
	defer tx.Rollback()

	for i, statement := range m.schema.TextIndex {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to create text index (statement %d): %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit text index: %w", err)
	}

	m.logger.Debug().Msg("Text index created")
	return nil
}

// DropTextIndex removes the FTS5 table and its triggers
func (m *Migrator) DropTextIndex() error {
	statements := []string{
		`DROP TRIGGER IF EXISTS commands_ai`,
		`DROP TRIGGER IF EXISTS commands_ad`,
		`DROP TRIGGER IF EXISTS commands_au`,
		`DROP TABLE IF EXISTS commands_fts`,
	}
	for _, statement := range statements {
		if _, err := m.db.Exec(statement); err != nil {
			return fmt.Errorf("failed to drop text index: %w", err)
		}
	}
	return nil
}

// textIndexCaseSensitive reports whether commands_fts was created with the
// case-sensitive trigram tokenizer
func (m *Migrator) textIndexCaseSensitive() bool {
	var ddl string
	err := m.db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'commands_fts'`).Scan(&ddl)
	return err == nil && strings.Contains(ddl, "case_sensitive 1")
}

// HasTextIndex reports whether the FTS5 table exists
func (m *Migrator) HasTextIndex() bool {
	exists, err := m.objectExists("table", "commands_fts")
	return err == nil && exists
}

// ValidateSchema checks that required tables and indexes exist
func (m *Migrator) ValidateSchema() error {
	for _, table := range []string{"commands", "schema_version"} {
		if err := m.validateExists("table", table); err != nil {
			return fmt.Errorf("table validation failed: %w", err)
		}
	}

	requiredIndexes := []string{
		"idx_timestamp",
		"idx_category",
		"idx_usage",
		"idx_command",
		"idx_exit_code",
		"idx_working_dir",
	}
	for _, index := range requiredIndexes {
		if err := m.validateExists("index", index); err != nil {
			return fmt.Errorf("index validation failed: %w", err)
		}
	}

	currentVersion, err := m.GetCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if currentVersion < MinSupportedVersion {
		return fmt.Errorf("schema version %d is below minimum supported version %d", currentVersion, MinSupportedVersion)
	}
	if currentVersion > m.schema.Version {
		return fmt.Errorf("schema version %d is newer than application version %d", currentVersion, m.schema.Version)
	}

	return nil
}

func (m *Migrator) validateExists(kind, name string) error {
	exists, err := m.objectExists(kind, name)
	if err != nil {
		return fmt.Errorf("failed to check %s %s: %w", kind, name, err)
	}
	if !exists {
		return fmt.Errorf("required %s %s does not exist", kind, name)
	}
	return nil
}

func (m *Migrator) objectExists(kind, name string) (bool, error) {
	var count int
	err := m.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?`, kind, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetMigrationHistory returns the migration history
func (m *Migrator) GetMigrationHistory() ([]SchemaVersion, error) {
	rows, err := m.db.Query(`SELECT version, applied_at, description FROM schema_version ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	var history []SchemaVersion
	for rows.Next() {
		var sv SchemaVersion
		var description sql.NullString
		if err := rows.Scan(&sv.Version, &sv.AppliedAt, &description); err != nil {
			return nil, fmt.Errorf("failed to scan migration history row: %w", err)
		}
		sv.Description = description.String
		history = append(history, sv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration history: %w", err)
	}

	return history, nil
}

// CheckIntegrity runs PRAGMA integrity_check and, when present, the FTS5
// integrity-check command
func (m *Migrator) CheckIntegrity() error {
	var result string
	if err := m.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}

	if m.HasTextIndex() {
		if _, err := m.db.Exec(`INSERT INTO commands_fts(commands_fts) VALUES('integrity-check')`); err != nil {
			return fmt.Errorf("text index integrity check failed: %w", err)
		}
	}

	return nil
}
