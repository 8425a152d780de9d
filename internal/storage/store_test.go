package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(newTestDatabase(t, nil))
}

// insertAt stores a record with a fixed timestamp
func insertAt(t *testing.T, s *Store, command, dir, category string, exitCode int, ts time.Time) *CommandRecord {
	t.Helper()
	r := &CommandRecord{
		Command:    command,
		Timestamp:  ts,
		ExitCode:   exitCode,
		DurationMs: 10,
		WorkingDir: dir,
		Category:   category,
		UsageCount: 1,
		LastUsed:   ts,
	}
	_, err := s.Insert(context.Background(), r)
	require.NoError(t, err)
	return r
}

func TestStore_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := NewCommandRecord("git status", 0, 42, "/repo", "git")
	id, err := s.Insert(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, id, r.ID)
	assert.Greater(t, id, int64(0))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "git status", got.Command)
	assert.Equal(t, int64(42), got.DurationMs)
	assert.Equal(t, "/repo", got.WorkingDir)
	assert.Equal(t, "git", got.Category)
	assert.Equal(t, int64(1), got.UsageCount)
	assert.True(t, r.Timestamp.Equal(got.Timestamp))
	assert.True(t, r.LastUsed.Equal(got.LastUsed))
}

func TestStore_InsertDefaultsLastUsed(t *testing.T) {
	s := newTestStore(t)
	r := NewCommandRecord("ls", 0, 1, "/", "file")
	r.LastUsed = time.Time{}

	_, err := s.Insert(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, r.Timestamp, r.LastUsed)
}

func TestStore_InsertRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert(context.Background(), NewCommandRecord("   ", 0, 1, "/", "other"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStorage))

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStore_CommandTextPreservedVerbatim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, cmd := range []string{
		`echo "it's a 'test'"`,
		`grep -E '^(foo|bar)$' *.txt`,
		"printf 'a\\tb'",
		`echo 日本語`,
		`x; DROP TABLE commands; --`,
	} {
		r := NewCommandRecord(cmd, 0, 1, "/tmp", "other")
		_, err := s.Insert(ctx, r)
		require.NoError(t, err)

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, cmd, got.Command)
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_FindDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := NewCommandRecord("make test", 2, 100, "/src/app", "build")
	_, err := s.Insert(ctx, r)
	require.NoError(t, err)

	dup, err := s.FindDuplicate(ctx, "make test", "/src/app")
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, r.ID, dup.ID)

	t.Run("different directory", func(t *testing.T) {
		dup, err := s.FindDuplicate(ctx, "make test", "/src/other")
		require.NoError(t, err)
		assert.Nil(t, dup)
	})

	t.Run("different command", func(t *testing.T) {
		dup, err := s.FindDuplicate(ctx, "make  test", "/src/app")
		require.NoError(t, err)
		assert.Nil(t, dup)
	})
}

func TestStore_IncrementUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	r := insertAt(t, s, "docker ps", "/", "docker", 0, past)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementUsage(ctx, r.ID))
	}

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.UsageCount)
	assert.True(t, got.LastUsed.After(past))
	assert.True(t, got.Timestamp.Equal(past), "first-seen timestamp is immutable")
	assert.Equal(t, 0, got.ExitCode)
}

func TestStore_IncrementUsage_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.IncrementUsage(context.Background(), 12345)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_SetUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := insertAt(t, s, "go test ./...", "/code", "other", 0, ts)

	later := ts.Add(24 * time.Hour)
	require.NoError(t, s.SetUsage(ctx, r.ID, 10, later))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.UsageCount)
	assert.True(t, got.LastUsed.Equal(later))

	// an older last_used never moves the value back
	require.NoError(t, s.SetUsage(ctx, r.ID, 12, ts.Add(-time.Hour)))
	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.UsageCount)
	assert.True(t, got.LastUsed.Equal(later))

	assert.Error(t, s.SetUsage(ctx, r.ID, 0, later))
	assert.True(t, errors.Is(s.SetUsage(ctx, 999, 3, later), ErrNotFound))
}

func TestStore_AllAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	insertAt(t, s, "third", "/", "other", 0, base.Add(2*time.Hour))
	insertAt(t, s, "first", "/", "other", 0, base)
	insertAt(t, s, "second", "/", "other", 0, base.Add(time.Hour))

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].Command)
	assert.Equal(t, "second", all[1].Command)
	assert.Equal(t, "third", all[2].Command)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalCommands)
		assert.Equal(t, 0.0, stats.SuccessRate())
		assert.Empty(t, stats.ByCategory)
		assert.Nil(t, stats.OldestCommand)
		assert.Nil(t, stats.NewestCommand)
	})

	base := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	insertAt(t, s, "git status", "/a", "git", 0, base)
	insertAt(t, s, "git push", "/a", "git", 1, base.Add(time.Minute))
	insertAt(t, s, "ls", "/a", "file", 0, base.Add(2*time.Minute))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCommands)
	assert.Equal(t, int64(2), stats.SuccessfulCommands)
	assert.Equal(t, int64(1), stats.FailedCommands)
	assert.InDelta(t, 66.67, stats.SuccessRate(), 0.01)

	require.Len(t, stats.ByCategory, 2)
	assert.Equal(t, CategoryCount{Category: "git", Count: 2}, stats.ByCategory[0])
	assert.Equal(t, CategoryCount{Category: "file", Count: 1}, stats.ByCategory[1])

	require.NotNil(t, stats.OldestCommand)
	require.NotNil(t, stats.NewestCommand)
	assert.True(t, stats.OldestCommand.Equal(base))
	assert.True(t, stats.NewestCommand.Equal(base.Add(2*time.Minute)))
}

func TestStore_ClosedDatabase(t *testing.T) {
	db, err := NewDatabase(testConfig(t), nil)
	require.NoError(t, err)
	s := NewStore(db)
	require.NoError(t, db.Close())

	ctx := context.Background()

	_, err = s.Insert(ctx, NewCommandRecord("ls", 0, 1, "/", "file"))
	assert.True(t, errors.Is(err, ErrStorage))

	_, err = s.Search(ctx, SearchQuery{Text: "ls"})
	assert.True(t, errors.Is(err, ErrStorage))

	_, err = s.Stats(ctx)
	assert.True(t, errors.Is(err, ErrStorage))

	assert.True(t, errors.Is(s.IncrementUsage(ctx, 1), ErrStorage))
}
