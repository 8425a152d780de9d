package history

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/NeverVane/omniscient/internal/category"
	"github.com/NeverVane/omniscient/internal/logger"
	"github.com/NeverVane/omniscient/internal/storage"
)

// ImportStats counts what happened to each record of a snapshot.
// Imported+Skipped+Updated always equals Total.
type ImportStats struct {
	Total    int
	Imported int
	Skipped  int
	Updated  int
}

// Summary renders the stats for the CLI
func (s *ImportStats) Summary() string {
	return fmt.Sprintf("Imported %d new commands, updated %d, skipped %d duplicates (total: %d)",
		s.Imported, s.Updated, s.Skipped, s.Total)
}

// Import merges the snapshot at path into store. Records without a
// duplicate are inserted as they are; duplicates are resolved by strategy.
// On a storage error the stats gathered so far are returned with the error.
func Import(ctx context.Context, store Store, path string, strategy MergeStrategy) (*ImportStats, error) {
	handler, ok := mergeHandlers[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown merge strategy %s", strategy)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	snap, err := decodeSnapshot(data, FormatForPath(path))
	if err != nil {
		return nil, err
	}

	log := logger.GetLogger().History()
	if newer, err := checkVersion(snap.Version); err != nil {
		log.Warn().Str("version", snap.Version).Msg("Unrecognized snapshot version, importing anyway")
	} else if newer {
		log.Warn().
			Str("version", snap.Version).
			Str("supported", SnapshotVersion).
			Msg("Snapshot was written by a newer version, importing anyway")
	}

	stats := &ImportStats{}
	for i := range snap.Commands {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		incoming := snap.Commands[i]
		stats.Total++

		if !normalize(&incoming) {
			stats.Skipped++
			continue
		}

		existing, err := store.FindDuplicate(ctx, incoming.Command, incoming.WorkingDir)
		if err != nil {
			return stats, fmt.Errorf("failed to look up duplicate: %w", err)
		}

		if existing == nil {
			incoming.ID = 0
			if _, err := store.Insert(ctx, &incoming); err != nil {
				return stats, fmt.Errorf("failed to insert imported record: %w", err)
			}
			stats.Imported++
			continue
		}

		outcome, err := handler(ctx, store, existing, &incoming)
		if err != nil {
			return stats, fmt.Errorf("failed to merge record %d (%s): %w", existing.ID, strategy, err)
		}
		switch outcome {
		case outcomeUpdated:
			stats.Updated++
		default:
			stats.Skipped++
		}
	}

	log.Info().
		Str("path", path).
		Str("strategy", strategy.String()).
		Int("total", stats.Total).
		Int("imported", stats.Imported).
		Int("updated", stats.Updated).
		Int("skipped", stats.Skipped).
		Msg("Imported history")

	return stats, nil
}

// normalize fills the fields an older or hand-written snapshot may lack.
// It returns false for records that cannot be stored.
func normalize(r *storage.CommandRecord) bool {
	r.Command = strings.TrimSpace(r.Command)
	if r.Command == "" {
		return false
	}
	if r.WorkingDir == "" {
		r.WorkingDir = storage.UnknownWorkingDir
	}
	if r.Category == "" {
		r.Category = category.Categorize(r.Command)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = storage.Now()
	}
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Microsecond)
	if r.LastUsed.IsZero() || r.LastUsed.Before(r.Timestamp) {
		r.LastUsed = r.Timestamp
	}
	r.LastUsed = r.LastUsed.UTC().Truncate(time.Microsecond)
	if r.UsageCount < 1 {
		r.UsageCount = 1
	}
	if r.DurationMs < 0 {
		r.DurationMs = 0
	}
	return len(r.Command) <= storage.MaxCommandLength && len(r.WorkingDir) <= storage.MaxWorkingDirLength
}
