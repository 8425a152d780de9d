package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverVane/omniscient/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "history.db")
	return cfg
}

func newTestDatabase(t *testing.T, opts *DatabaseOptions) *Database {
	t.Helper()
	db, err := NewDatabase(testConfig(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDatabase(t *testing.T) {
	cfg := testConfig(t)

	db, err := NewDatabase(cfg, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, cfg.DatabasePath())
	assert.Equal(t, cfg.DatabasePath(), db.GetPath())
	assert.True(t, db.GetMigrator().HasTextIndex())

	info, err := os.Stat(cfg.DatabasePath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestNewDatabase_Pragmas(t *testing.T) {
	db := newTestDatabase(t, nil)

	var journal string
	require.NoError(t, db.db.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)

	// NORMAL
	var synchronous int
	require.NoError(t, db.db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous)
}

func TestNewDatabase_ExistingDatabase(t *testing.T) {
	cfg := testConfig(t)

	db, err := NewDatabase(cfg, nil)
	require.NoError(t, err)
	store := NewStore(db)
	_, err = store.Insert(context.Background(), NewCommandRecord("git status", 0, 5, "/repo", "git"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := NewDatabase(cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := NewStore(reopened).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	history, err := reopened.GetMigrator().GetMigrationHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, CurrentSchemaVersion, history[0].Version)
}

func TestNewDatabase_CreateIfMissingFalse(t *testing.T) {
	cfg := testConfig(t)

	_, err := NewDatabase(cfg, &DatabaseOptions{CreateIfMissing: false})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestNewDatabase_DirectoryCreation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "a", "b", "history.db")

	db, err := NewDatabase(cfg, nil)
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(filepath.Dir(cfg.Storage.Path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewDatabase_PathOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.db")
	db := newTestDatabase(t, &DatabaseOptions{Path: path, CreateIfMissing: true, ValidateSchema: true})
	assert.Equal(t, path, db.GetPath())
	assert.FileExists(t, path)
}

func TestNewDatabase_DisableTextIndex(t *testing.T) {
	db := newTestDatabase(t, &DatabaseOptions{CreateIfMissing: true, DisableTextIndex: true})
	assert.False(t, db.textIndex)
	assert.False(t, db.GetMigrator().HasTextIndex())
}

func TestMigrator_EnsureTextIndexBackfills(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	db, err := NewDatabase(cfg, &DatabaseOptions{CreateIfMissing: true, DisableTextIndex: true})
	require.NoError(t, err)
	store := NewStore(db)
	_, err = store.Insert(ctx, NewCommandRecord("kubectl get pods", 0, 5, "/", "kubernetes"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// reopening builds the index from existing rows
	db, err = NewDatabase(cfg, nil)
	require.NoError(t, err)
	defer db.Close()
	require.True(t, db.GetMigrator().HasTextIndex())

	var n int
	require.NoError(t, db.db.QueryRow(
		`SELECT COUNT(*) FROM commands_fts WHERE commands_fts MATCH ?`, QuoteFTSPhrase("get pod")).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestMigrator_DropTextIndex(t *testing.T) {
	db := newTestDatabase(t, nil)
	m := db.GetMigrator()

	require.True(t, m.HasTextIndex())
	require.NoError(t, m.DropTextIndex())
	assert.False(t, m.HasTextIndex())

	// inserts keep working without triggers
	_, err := NewStore(db).Insert(context.Background(), NewCommandRecord("ls", 0, 1, "/", "file"))
	assert.NoError(t, err)
}

func TestMigrator_RecreatesCaseInsensitiveTextIndex(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	db, err := NewDatabase(cfg, nil)
	require.NoError(t, err)
	_, err = NewStore(db).Insert(ctx, NewCommandRecord("kubectl get pods", 0, 5, "/", "kubernetes"))
	require.NoError(t, err)

	require.NoError(t, db.GetMigrator().DropTextIndex())
	_, err = db.db.Exec(`CREATE VIRTUAL TABLE commands_fts USING fts5(command, content='commands', content_rowid='id', tokenize='trigram')`)
	require.NoError(t, err)
	_, err = db.db.Exec(`INSERT INTO commands_fts(commands_fts) VALUES('rebuild')`)
	require.NoError(t, err)
	require.False(t, db.GetMigrator().textIndexCaseSensitive())
	require.NoError(t, db.Close())

	db, err = NewDatabase(cfg, nil)
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.GetMigrator().textIndexCaseSensitive())

	matches := func(phrase string) int {
		var n int
		require.NoError(t, db.db.QueryRow(
			`SELECT COUNT(*) FROM commands_fts WHERE commands_fts MATCH ?`, QuoteFTSPhrase(phrase)).Scan(&n))
		return n
	}
	assert.Equal(t, 1, matches("kubectl"))
	assert.Zero(t, matches("KUBECTL"))
}

func TestMigrator_ValidateSchema(t *testing.T) {
	db := newTestDatabase(t, nil)
	m := db.GetMigrator()

	require.NoError(t, m.ValidateSchema())

	_, err := db.db.Exec(`DROP INDEX idx_usage`)
	require.NoError(t, err)

	err = m.ValidateSchema()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idx_usage")
}

func TestMigrator_RejectsNewerSchema(t *testing.T) {
	db := newTestDatabase(t, nil)

	_, err := db.db.Exec(`INSERT INTO schema_version (version, applied_at, description) VALUES (?, 0, 'future')`, CurrentSchemaVersion+1)
	require.NoError(t, err)

	err = db.GetMigrator().MigrateToLatest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestDatabase_CheckIntegrity(t *testing.T) {
	db := newTestDatabase(t, nil)
	_, err := NewStore(db).Insert(context.Background(), NewCommandRecord("make", 0, 1, "/src", "build"))
	require.NoError(t, err)

	assert.NoError(t, db.CheckIntegrity())
}

func TestDatabase_GetSize(t *testing.T) {
	db := newTestDatabase(t, nil)
	size, err := db.GetSize()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestDatabase_Close(t *testing.T) {
	cfg := testConfig(t)
	db, err := NewDatabase(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.Nil(t, db.db)
	assert.NoError(t, db.Close(), "closing twice is a no-op")

	_, err = NewStore(db).Count(context.Background())
	assert.True(t, errors.Is(err, ErrStorage))
}
