// Package search keeps a bleve index of command text and exposes it as a
// storage.TextMatcher, an alternative to the SQLite FTS5 index.
package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/NeverVane/omniscient/internal/logger"
	"github.com/NeverVane/omniscient/internal/storage"
)

const (
	matcherName  = "bleve"
	commandField = "command"
	batchSize    = 500
)

// lastIDKey stores the highest record id the index has seen
var lastIDKey = []byte("omniscient:last_id")

// indexedCommand is the document stored per record, keyed by the record id
type indexedCommand struct {
	Command string `json:"command"`
}

// Index is a bleve index over the command column of a store.
// The whole command is indexed as one case-preserving term so a phrase
// matches exactly the rows a case-sensitive substring test matches.
type Index struct {
	index  bleve.Index
	path   string
	store  *storage.Store
	logger *logger.Logger
	mu     sync.Mutex
}

// Open opens the index at path, creating it when missing. A corrupt index
// is removed and recreated.
func Open(path string, store *storage.Store) (*Index, error) {
	idx := &Index{
		path:   path,
		store:  store,
		logger: logger.GetLogger().Search(),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	var (
		index bleve.Index
		err   error
	)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx.logger.Info().Str("index_path", path).Msg("Creating new search index")
		index, err = bleve.New(path, buildMapping())
	} else {
		index, err = bleve.Open(path)
		if err != nil {
			idx.logger.Warn().Err(err).Str("index_path", path).Msg("Search index unreadable, recreating")
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("failed to remove broken search index: %w", rmErr)
			}
			index, err = bleve.New(path, buildMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}

	idx.index = index
	return idx, nil
}

func buildMapping() mapping.IndexMapping {
	commandMapping := bleve.NewDocumentMapping()

	commandFieldMapping := bleve.NewTextFieldMapping()
	commandFieldMapping.Analyzer = keyword.Name
	commandFieldMapping.Store = false
	commandFieldMapping.Index = true
	commandFieldMapping.IncludeTermVectors = false
	commandFieldMapping.IncludeInAll = false
	commandMapping.AddFieldMappingsAt(commandField, commandFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = commandMapping
	indexMapping.DefaultAnalyzer = keyword.Name
	return indexMapping
}

// Path returns the on-disk index location
func (i *Index) Path() string {
	return i.path
}

// Close closes the bleve index
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.index == nil {
		return nil
	}
	err := i.index.Close()
	i.index = nil
	return err
}

// DocCount returns the number of indexed records
func (i *Index) DocCount() (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.index == nil {
		return 0, fmt.Errorf("search index is closed")
	}
	return i.index.DocCount()
}

// Sync indexes the records added since the last sync. Records are only
// ever appended, so everything above the stored high-water id is new. An
// index that disagrees with the store is rebuilt.
func (i *Index) Sync(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.index == nil {
		return fmt.Errorf("search index is closed")
	}

	stored, err := i.store.Count(ctx)
	if err != nil {
		return err
	}
	indexed, err := i.index.DocCount()
	if err != nil {
		return fmt.Errorf("failed to count indexed documents: %w", err)
	}

	if uint64(stored) == indexed {
		return nil
	}
	if indexed > uint64(stored) {
		i.logger.Info().Uint64("indexed", indexed).Int64("stored", stored).Msg("Search index is ahead of the store, rebuilding")
		return i.rebuildLocked(ctx)
	}

	lastID, err := i.lastIDLocked()
	if err != nil {
		return err
	}
	records, err := i.store.After(ctx, lastID)
	if err != nil {
		return err
	}
	if indexed+uint64(len(records)) != uint64(stored) {
		i.logger.Info().Uint64("indexed", indexed).Int64("stored", stored).Msg("Search index is missing records, rebuilding")
		return i.rebuildLocked(ctx)
	}
	return i.indexLocked(records)
}

func (i *Index) rebuildLocked(ctx context.Context) error {
	if err := i.index.Close(); err != nil {
		i.logger.Warn().Err(err).Msg("Failed to close search index before reset")
	}
	if err := os.RemoveAll(i.path); err != nil {
		i.index = nil
		return fmt.Errorf("failed to remove search index: %w", err)
	}
	index, err := bleve.New(i.path, buildMapping())
	if err != nil {
		i.index = nil
		return fmt.Errorf("failed to recreate search index: %w", err)
	}
	i.index = index

	records, err := i.store.After(ctx, 0)
	if err != nil {
		return err
	}
	return i.indexLocked(records)
}

// indexLocked adds records in batches and advances the high-water id
func (i *Index) indexLocked(records []storage.CommandRecord) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()

	batch := i.index.NewBatch()
	for n := range records {
		r := &records[n]
		if err := batch.Index(docID(r.ID), indexedCommand{Command: r.Command}); err != nil {
			return fmt.Errorf("failed to add record %d to batch: %w", r.ID, err)
		}
		if batch.Size() >= batchSize {
			if err := i.index.Batch(batch); err != nil {
				return fmt.Errorf("failed to execute batch index: %w", err)
			}
			batch.Reset()
		}
	}
	if batch.Size() > 0 {
		if err := i.index.Batch(batch); err != nil {
			return fmt.Errorf("failed to execute batch index: %w", err)
		}
	}

	last := records[len(records)-1].ID
	if err := i.index.SetInternal(lastIDKey, []byte(docID(last))); err != nil {
		return fmt.Errorf("failed to store index position: %w", err)
	}

	i.logger.Performance("index_sync", time.Since(start), map[string]interface{}{
		"records": len(records),
		"last_id": last,
	})
	return nil
}

// lastIDLocked returns the high-water id, 0 when none was stored
func (i *Index) lastIDLocked() (int64, error) {
	raw, err := i.index.GetInternal(lastIDKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read index position: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		i.logger.Warn().Str("value", string(raw)).Msg("Ignoring unreadable index position")
		return 0, nil
	}
	return id, nil
}

// Name implements storage.TextMatcher
func (i *Index) Name() string { return matcherName }

// Available syncs the index and reports whether it can answer queries
func (i *Index) Available(ctx context.Context) bool {
	if err := i.Sync(ctx); err != nil {
		i.logger.Warn().Err(err).Msg("Search index sync failed")
		return false
	}
	return true
}

// Predicate resolves phrase against the index and returns the matching ids
// as an id IN (...) clause.
func (i *Index) Predicate(ctx context.Context, phrase string) (string, []interface{}, error) {
	ids, err := i.Match(ctx, phrase)
	if err != nil {
		return "", nil, err
	}
	if len(ids) == 0 {
		return `0 = 1`, nil, nil
	}

	parts := make([]string, len(ids))
	for n, id := range ids {
		parts[n] = strconv.FormatInt(id, 10)
	}
	return `id IN (` + strings.Join(parts, ",") + `)`, nil, nil
}

// Match returns the ids of every record whose command contains phrase
func (i *Index) Match(ctx context.Context, phrase string) ([]int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.index == nil {
		return nil, fmt.Errorf("search index is closed")
	}

	total, err := i.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count indexed documents: %w", err)
	}
	if total == 0 {
		return nil, nil
	}

	q := bleve.NewRegexpQuery(containsPattern(phrase))
	q.SetField(commandField)

	req := bleve.NewSearchRequestOptions(q, int(total), 0, false)
	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search index query failed: %w", err)
	}

	ids := make([]int64, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			i.logger.Warn().Str("doc_id", hit.ID).Msg("Skipping search hit with invalid id")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// containsPattern is a whole-term regexp matching any term with phrase as
// a substring. bleve anchors regexps at both ends.
func containsPattern(phrase string) string {
	return `(?s).*` + regexp.QuoteMeta(phrase) + `.*`
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}
