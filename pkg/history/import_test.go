package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverVane/omniscient/internal/storage"
)

func writeSnapshot(t *testing.T, name string, snap *Snapshot) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, encodeSnapshot(f, snap, FormatForPath(path)))
	return path
}

func usageOf(t *testing.T, store *storage.Store, command, dir string) int64 {
	t.Helper()
	r, err := store.FindDuplicate(context.Background(), command, dir)
	require.NoError(t, err)
	require.NotNil(t, r, "%s in %s", command, dir)
	return r.UsageCount
}

func TestImport_PreserveHigher(t *testing.T) {
	tests := []struct {
		name      string
		existing  int64
		incoming  int64
		wantUsage int64
		want      ImportStats
	}{
		{"incoming higher", 5, 10, 10, ImportStats{Total: 1, Updated: 1}},
		{"incoming lower", 5, 3, 5, ImportStats{Total: 1, Skipped: 1}},
		{"equal", 5, 5, 5, ImportStats{Total: 1, Skipped: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			seed(t, store, record("ls", "/tmp", tt.existing, t0))

			path := writeSnapshot(t, "in.json", newSnapshot([]storage.CommandRecord{
				record("ls", "/tmp", tt.incoming, t0.Add(time.Hour)),
			}))

			stats, err := Import(context.Background(), store, path, StrategyPreserveHigher)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *stats)
			assert.Equal(t, tt.wantUsage, usageOf(t, store, "ls", "/tmp"))
		})
	}
}

func TestImport_Skip(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, record("ls", "/tmp", 5, t0))

	path := writeSnapshot(t, "in.json", newSnapshot([]storage.CommandRecord{
		record("ls", "/tmp", 50, t0),
		record("pwd", "/tmp", 2, t0),
	}))

	stats, err := Import(context.Background(), store, path, StrategySkip)
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Total: 2, Imported: 1, Skipped: 1}, *stats)
	assert.Equal(t, int64(5), usageOf(t, store, "ls", "/tmp"))
	assert.Equal(t, int64(2), usageOf(t, store, "pwd", "/tmp"))
}

func TestImport_UpdateUsageSums(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, record("ls", "/tmp", 5, t0))

	later := t0.Add(72 * time.Hour)
	incoming := record("ls", "/tmp", 3, t0)
	incoming.LastUsed = later

	path := writeSnapshot(t, "in.json", newSnapshot([]storage.CommandRecord{incoming}))

	stats, err := Import(context.Background(), store, path, StrategyUpdateUsage)
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Total: 1, Updated: 1}, *stats)

	r, err := store.FindDuplicate(context.Background(), "ls", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, int64(8), r.UsageCount)
	assert.True(t, r.LastUsed.Equal(later))
	assert.True(t, r.Timestamp.Equal(t0), "first-seen timestamp kept")
}

func TestImport_UpdateUsageKeepsNewerLastUsed(t *testing.T) {
	store := newTestStore(t)
	existing := record("ls", "/tmp", 1, t0)
	existing.LastUsed = t0.Add(100 * time.Hour)
	seed(t, store, existing)

	path := writeSnapshot(t, "in.json", newSnapshot([]storage.CommandRecord{record("ls", "/tmp", 1, t0)}))
	_, err := Import(context.Background(), store, path, StrategyUpdateUsage)
	require.NoError(t, err)

	r, err := store.FindDuplicate(context.Background(), "ls", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.UsageCount)
	assert.True(t, r.LastUsed.Equal(existing.LastUsed))
}

func TestImport_StatsInvariant(t *testing.T) {
	for _, strategy := range Strategies() {
		t.Run(strategy.String(), func(t *testing.T) {
			store := newTestStore(t)
			seed(t, store,
				record("a", "/", 1, t0),
				record("b", "/", 9, t0),
				record("c", "/x", 2, t0),
			)

			path := writeSnapshot(t, "in.yaml", newSnapshot([]storage.CommandRecord{
				record("a", "/", 4, t0),
				record("b", "/", 2, t0),
				record("c", "/y", 1, t0),
				record("d", "/", 1, t0),
				record("d", "/", 3, t0),
				record("   ", "/", 1, t0),
			}))

			stats, err := Import(context.Background(), store, path, strategy)
			require.NoError(t, err)
			assert.Equal(t, 6, stats.Total)
			assert.Equal(t, stats.Total, stats.Imported+stats.Skipped+stats.Updated)
			assert.Equal(t, 2, stats.Imported)

			all, err := store.All(context.Background())
			require.NoError(t, err)
			assert.Len(t, all, 5, "no duplicate pairs after import")
		})
	}
}

func TestImport_NormalizesRecords(t *testing.T) {
	store := newTestStore(t)

	path := writeSnapshot(t, "in.json", &Snapshot{
		Version: "1.0",
		Commands: []storage.CommandRecord{
			{Command: "  git log  ", UsageCount: 0},
		},
	})

	stats, err := Import(context.Background(), store, path, StrategyPreserveHigher)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)

	r, err := store.FindDuplicate(context.Background(), "git log", storage.UnknownWorkingDir)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "git", r.Category)
	assert.Equal(t, int64(1), r.UsageCount)
	assert.False(t, r.Timestamp.IsZero())
}

func TestImport_InvalidSnapshot(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"garbage.json":    "not json at all",
		"noversion.json":  `{"exported_at":"2024-01-01T00:00:00Z","command_count":0,"commands":[]}`,
		"emptyver.json":   `{"version":"  ","commands":[]}`,
		"garbage.yaml":    "version: [unclosed",
		"noversion.yml":   "commands: []\n",
		"wrongtypes.json": `{"version":"1.0","commands":"nope"}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0600))

			store := newTestStore(t)
			_, err := Import(context.Background(), store, path, StrategyPreserveHigher)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSnapshot))
		})
	}
}

func TestImport_NewerVersionStillImports(t *testing.T) {
	store := newTestStore(t)
	snap := newSnapshot([]storage.CommandRecord{record("ls", "/", 1, t0)})
	snap.Version = "2.3"

	stats, err := Import(context.Background(), store, writeSnapshot(t, "in.json", snap), StrategySkip)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)
}

func TestImport_MissingFile(t *testing.T) {
	store := newTestStore(t)
	_, err := Import(context.Background(), store, filepath.Join(t.TempDir(), "absent.json"), StrategySkip)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidSnapshot))
}

func TestImport_CancelledContext(t *testing.T) {
	store := newTestStore(t)
	path := writeSnapshot(t, "in.json", newSnapshot([]storage.CommandRecord{record("ls", "/", 1, t0)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := Import(ctx, store, path, StrategySkip)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Total)
}

func TestImportStats_Summary(t *testing.T) {
	s := &ImportStats{Total: 10, Imported: 5, Updated: 2, Skipped: 3}
	assert.Equal(t, "Imported 5 new commands, updated 2, skipped 3 duplicates (total: 10)", s.Summary())
}

func TestCheckVersion(t *testing.T) {
	newer, err := checkVersion("1.0")
	require.NoError(t, err)
	assert.False(t, newer)

	newer, err = checkVersion("1.7.2")
	require.NoError(t, err)
	assert.False(t, newer)

	newer, err = checkVersion("2.0")
	require.NoError(t, err)
	assert.True(t, newer)

	_, err = checkVersion("banana")
	assert.Error(t, err)
}
