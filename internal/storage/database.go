package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NeverVane/omniscient/internal/config"
	"github.com/NeverVane/omniscient/internal/logger"
)

// Database wraps sql.DB with schema management for the command store
type Database struct {
	db        *sql.DB
	config    *config.StorageConfig
	logger    *logger.Logger
	migrator  *Migrator
	path      string
	textIndex bool
}

// DatabaseOptions contains options for database initialization
type DatabaseOptions struct {
	// Overrides cfg.DatabasePath()
	Path            string
	CreateIfMissing bool
	MigrateOnOpen   bool
	ValidateSchema  bool
	// Skip creating the FTS5 index; phrase search then scans
	DisableTextIndex bool
}

// DefaultDatabaseOptions returns the options used by NewDatabase when nil is passed
func DefaultDatabaseOptions() *DatabaseOptions {
	return &DatabaseOptions{
		CreateIfMissing: true,
		MigrateOnOpen:   true,
		ValidateSchema:  true,
	}
}

// NewDatabase opens (creating if needed) the SQLite database described by cfg
func NewDatabase(cfg *config.Config, opts *DatabaseOptions) (*Database, error) {
	if opts == nil {
		opts = DefaultDatabaseOptions()
	}

	path := opts.Path
	if path == "" {
		path = cfg.DatabasePath()
	}

	db := &Database{
		config: &cfg.Storage,
		logger: logger.GetLogger().Database(),
		path:   path,
	}

	if err := db.initialize(opts); err != nil {
		return nil, storageError(err, "failed to initialize database")
	}

	return db, nil
}

func (db *Database) initialize(opts *DatabaseOptions) error {
	if err := os.MkdirAll(filepath.Dir(db.path), 0700); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	dbExists := true
	if _, err := os.Stat(db.path); os.IsNotExist(err) {
		dbExists = false
		if !opts.CreateIfMissing {
			return fmt.Errorf("database file does not exist: %s", db.path)
		}
	}

	connStr := db.buildConnectionString()
	db.logger.Debug().
		Str("path", db.path).
		Str("connection_string", connStr).
		Msg("Opening database connection")

	sqlDB, err := sql.Open("sqlite", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.db = sqlDB

	// One connection keeps per-connection pragmas and the WAL writer
	// consistent inside this process.
	db.db.SetMaxOpenConns(1)
	db.db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.ping(); err != nil {
		db.db.Close()
		return fmt.Errorf("database connection test failed: %w", err)
	}

	db.migrator = NewMigrator(db.db, GetCurrentSchema())

	if !dbExists {
		db.logger.Info().Str("path", db.path).Msg("Creating new database")
		if err := db.migrator.InitializeSchema(); err != nil {
			db.db.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	} else if opts.MigrateOnOpen {
		if err := db.migrator.MigrateToLatest(); err != nil {
			db.db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if err := db.setSecurePermissions(); err != nil {
		db.db.Close()
		return fmt.Errorf("failed to set secure permissions: %w", err)
	}

	if opts.ValidateSchema {
		if err := db.migrator.ValidateSchema(); err != nil {
			db.db.Close()
			return fmt.Errorf("schema validation failed: %w", err)
		}
	}

	if !opts.DisableTextIndex {
		if err := db.migrator.EnsureTextIndex(); err != nil {
			db.logger.Warn().Err(err).Msg("Text index unavailable, phrase search will scan")
		}
	}
	db.textIndex = db.migrator.HasTextIndex()

	db.logger.Debug().
		Str("path", db.path).
		Bool("new_database", !dbExists).
		Bool("text_index", db.textIndex).
		Msg("Database initialized")

	return nil
}

// buildConnectionString sets pragmas through the DSN so every pooled
// connection gets them.
func (db *Database) buildConnectionString() string {
	busy := db.config.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}

	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "temp_store(memory)")

	return "file:" + db.path + "?" + params.Encode()
}

// setSecurePermissions restricts the database and its WAL files to the owner
func (db *Database) setSecurePermissions() error {
	if err := os.Chmod(db.path, 0600); err != nil {
		return fmt.Errorf("failed to set database file permissions: %w", err)
	}

	for _, extra := range []string{db.path + "-wal", db.path + "-shm"} {
		if _, err := os.Stat(extra); err == nil {
			if err := os.Chmod(extra, 0600); err != nil {
				db.logger.Warn().Err(err).Str("file", extra).Msg("Failed to set file permissions")
			}
		}
	}

	return nil
}

func (db *Database) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var result int
	if err := db.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("test query failed: %w", err)
	}
	return nil
}

// GetMigrator returns the database migrator
func (db *Database) GetMigrator() *Migrator {
	return db.migrator
}

// Close checkpoints the WAL and closes the connection
func (db *Database) Close() error {
	if db.db == nil {
		return nil
	}

	if _, err := db.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to perform final WAL checkpoint")
	}

	if err := db.db.Close(); err != nil {
		return storageError(err, "failed to close database")
	}

	db.db = nil
	return nil
}

// CheckIntegrity runs SQLite's integrity check and the text index check
func (db *Database) CheckIntegrity() error {
	if err := db.migrator.CheckIntegrity(); err != nil {
		return storageError(err, "integrity check")
	}
	return nil
}

// GetSize returns the size of the database file in bytes
func (db *Database) GetSize() (int64, error) {
	info, err := os.Stat(db.path)
	if err != nil {
		return 0, storageError(err, "failed to get database file info")
	}
	return info.Size(), nil
}

// GetPath returns the database file path
func (db *Database) GetPath() string {
	return db.path
}
