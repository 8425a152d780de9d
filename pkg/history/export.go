// Package history exports a store to a portable snapshot and merges
// snapshots back into a store.
package history

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/NeverVane/omniscient/internal/logger"
	"github.com/NeverVane/omniscient/internal/storage"
)

// Store is the part of storage.Store the export/import engine uses
type Store interface {
	All(ctx context.Context) ([]storage.CommandRecord, error)
	FindDuplicate(ctx context.Context, command, workingDir string) (*storage.CommandRecord, error)
	Insert(ctx context.Context, record *storage.CommandRecord) (int64, error)
	SetUsage(ctx context.Context, id, count int64, lastUsed time.Time) error
}

// ExportResult contains the result of an export operation
type ExportResult struct {
	ExportedRecords int
	OutputFile      string
	Format          Format
	BytesWritten    int64
	ExportedAt      time.Time
}

// Export writes every record, oldest first, to path. The snapshot is
// written to a temporary file next to path and renamed into place.
func Export(ctx context.Context, store Store, path string) (*ExportResult, error) {
	log := logger.GetLogger().History()
	format := FormatForPath(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmpPath)

	result, err := ExportTo(ctx, store, file, format)
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync output file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close output file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	result.OutputFile = path
	log.Info().
		Int("records", result.ExportedRecords).
		Str("path", path).
		Str("format", string(format)).
		Msg("Exported history")
	return result, nil
}

// ExportTo encodes the snapshot to w
func ExportTo(ctx context.Context, store Store, w io.Writer, format Format) (*ExportResult, error) {
	records, err := store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	snap := newSnapshot(records)
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	if err := encodeSnapshot(cw, snap, format); err != nil {
		return nil, fmt.Errorf("failed to encode %s snapshot: %w", format, err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}

	return &ExportResult{
		ExportedRecords: len(records),
		OutputFile:      "stdout",
		Format:          format,
		BytesWritten:    cw.n,
		ExportedAt:      snap.ExportedAt,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
