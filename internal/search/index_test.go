package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverVane/omniscient/internal/config"
	"github.com/NeverVane/omniscient/internal/storage"
)

var fixture = []struct {
	command string
	dir     string
	exit    int
}{
	{"ssh admin@10.104.113.39", "/home/u", 0},
	{"ping 10.104.113.3", "/home/u", 0},
	{"curl https://example.com/api?q=1", "/home/u", 7},
	{`echo "hello world"`, "/home/u", 0},
	{"rm *.txt", "/srv/app", 0},
	{"df -h | grep 50%", "/srv/app", 0},
	{"ls -la", "/srv/app/sub", 0},
	{"LS -LA", "/srv/app2", 1},
	{"grep -E '^(a|b)+$' log", "/srv", 0},
	{"echo 日本語", "/srv", 0},
	{"echo CAFÉ ÉTÉ", "/srv", 0},
	{"grep Ärger log", "/srv", 0},
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "history.db")

	db, err := storage.NewDatabase(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewStore(db)
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	for i, f := range fixture {
		ts := base.Add(time.Duration(i) * time.Minute)
		_, err := store.Insert(context.Background(), &storage.CommandRecord{
			Command:    f.command,
			Timestamp:  ts,
			ExitCode:   f.exit,
			WorkingDir: f.dir,
			Category:   "other",
			UsageCount: 1,
			LastUsed:   ts,
		})
		require.NoError(t, err)
	}
	return store
}

func openIndex(t *testing.T, store *storage.Store) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.bleve"), store)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func commandsOf(records []storage.CommandRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Command
	}
	return out
}

func TestIndex_SyncOnAvailable(t *testing.T) {
	store := newTestStore(t)
	idx := openIndex(t, store)

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.True(t, idx.Available(context.Background()))

	count, err = idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(fixture)), count)
}

func TestIndex_Match(t *testing.T) {
	store := newTestStore(t)
	idx := openIndex(t, store)
	ctx := context.Background()
	require.NoError(t, idx.Sync(ctx))

	tests := []struct {
		phrase string
		want   int
	}{
		{"10.104.113.39", 1},
		{"10.104.113.3", 2},
		{"https://example.com/api?q=1", 1},
		{`"hello`, 1},
		{"*.txt", 1},
		{"50%", 1},
		{"ls -la", 1},
		{"LS -LA", 1},
		{"^(a|b)+$", 1},
		{"日本", 1},
		{"CAFÉ ÉTÉ", 1},
		{"café été", 0},
		{"Ärger", 1},
		{"ärger", 0},
		{"l", 5},
		{"absent", 0},
	}
	for _, tt := range tests {
		t.Run(tt.phrase, func(t *testing.T) {
			ids, err := idx.Match(ctx, tt.phrase)
			require.NoError(t, err)
			assert.Len(t, ids, tt.want)
		})
	}
}

func TestIndex_MatchesScan(t *testing.T) {
	indexed := newTestStore(t)
	idx := openIndex(t, indexed)
	indexed.SetTextMatcher(idx)

	scanning := newTestStore(t)
	scanning.SetTextMatcher(nil)

	ctx := context.Background()
	success := true
	for _, phrase := range []string{"10.104", "LS", "*.", `"`, "%", "app", "a|b", ".", "日本語", "CAFÉ", "café", "É", "Ärger", "ärger", "nope"} {
		for _, q := range []storage.SearchQuery{
			{Text: phrase, Limit: 100},
			{Text: phrase, Limit: 100, OrderBy: storage.OrderByUsageCount},
			{Text: phrase, Limit: 100, SuccessOnly: &success},
			{Text: phrase, Limit: 100, WorkingDir: "/srv/app", Recursive: true},
			{Text: phrase, Limit: 1},
		} {
			want, err := scanning.Search(ctx, q)
			require.NoError(t, err)
			got, err := indexed.Search(ctx, q)
			require.NoError(t, err)
			assert.Equal(t, commandsOf(want), commandsOf(got), "%q %+v", phrase, q)
		}
	}
}

func TestIndex_PicksUpNewRecords(t *testing.T) {
	store := newTestStore(t)
	idx := openIndex(t, store)
	store.SetTextMatcher(idx)
	ctx := context.Background()

	records, err := store.Search(ctx, storage.SearchQuery{Text: "terraform"})
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = store.Insert(ctx, storage.NewCommandRecord("terraform plan", 0, 10, "/infra", "other"))
	require.NoError(t, err)

	records, err = store.Search(ctx, storage.SearchQuery{Text: "terraform"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "terraform plan", records[0].Command)
}

func TestIndex_SyncIndexesOnlyNewRecords(t *testing.T) {
	store := newTestStore(t)
	idx := openIndex(t, store)
	ctx := context.Background()
	marker := []byte("test:marker")

	require.NoError(t, idx.Sync(ctx))
	all, err := store.All(ctx)
	require.NoError(t, err)
	lastID, err := idx.lastIDLocked()
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].ID, lastID)

	// survives incremental syncs, lost on a rebuild
	require.NoError(t, idx.index.SetInternal(marker, []byte("1")))

	added, err := store.Insert(ctx, storage.NewCommandRecord("kubectl get pods", 0, 10, "/infra", "other"))
	require.NoError(t, err)
	require.NoError(t, idx.Sync(ctx))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(fixture)+1), count)
	lastID, err = idx.lastIDLocked()
	require.NoError(t, err)
	assert.Equal(t, added, lastID)

	kept, err := idx.index.GetInternal(marker)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), kept)

	ids, err := idx.Match(ctx, "kubectl")
	require.NoError(t, err)
	assert.Equal(t, []int64{added}, ids)
}

func TestIndex_SyncRebuildsWhenRecordsMissing(t *testing.T) {
	store := newTestStore(t)
	idx := openIndex(t, store)
	ctx := context.Background()
	marker := []byte("test:marker")

	require.NoError(t, idx.Sync(ctx))
	all, err := store.All(ctx)
	require.NoError(t, err)
	require.NoError(t, idx.index.SetInternal(marker, []byte("1")))
	require.NoError(t, idx.index.Delete(docID(all[0].ID)))

	_, err = store.Insert(ctx, storage.NewCommandRecord("kubectl get pods", 0, 10, "/infra", "other"))
	require.NoError(t, err)
	require.NoError(t, idx.Sync(ctx))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(fixture)+1), count)

	kept, err := idx.index.GetInternal(marker)
	require.NoError(t, err)
	assert.Empty(t, kept)
}

func TestIndex_RebuildWhenLarger(t *testing.T) {
	big := newTestStore(t)
	path := filepath.Join(t.TempDir(), "index.bleve")

	idx, err := Open(path, big)
	require.NoError(t, err)
	require.NoError(t, idx.Sync(context.Background()))
	require.NoError(t, idx.Close())

	// same index reopened against a store with fewer records
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "small.db")
	db, err := storage.NewDatabase(cfg, nil)
	require.NoError(t, err)
	defer db.Close()
	small := storage.NewStore(db)
	_, err = small.Insert(context.Background(), storage.NewCommandRecord("only one", 0, 1, "/", "other"))
	require.NoError(t, err)

	idx, err = Open(path, small)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Sync(context.Background()))
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestIndex_ClosedFallsBackToScan(t *testing.T) {
	store := newTestStore(t)
	idx := openIndex(t, store)
	store.SetTextMatcher(idx)
	require.NoError(t, idx.Close())

	assert.False(t, idx.Available(context.Background()))

	records, err := store.Search(context.Background(), storage.SearchQuery{Text: "ls -la"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestIndex_Predicate(t *testing.T) {
	store := newTestStore(t)
	idx := openIndex(t, store)
	ctx := context.Background()
	require.NoError(t, idx.Sync(ctx))

	clause, args, err := idx.Predicate(ctx, "absent")
	require.NoError(t, err)
	assert.Equal(t, `0 = 1`, clause)
	assert.Empty(t, args)

	clause, _, err = idx.Predicate(ctx, "ssh admin")
	require.NoError(t, err)
	assert.Regexp(t, `^id IN \(\d+\)$`, clause)
}

func TestContainsPattern(t *testing.T) {
	assert.Equal(t, `(?s).*\*\.txt.*`, containsPattern("*.txt"))
	assert.Equal(t, `(?s).*LS -LA.*`, containsPattern("LS -LA"))
}
