// Package capture turns one observed shell command into at most one store
// mutation. Capture never returns an error: failures are logged, forwarded
// to an ErrorReporter and surfaced as ResultFailed.
package capture

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/NeverVane/omniscient/internal/category"
	"github.com/NeverVane/omniscient/internal/config"
	"github.com/NeverVane/omniscient/internal/lock"
	"github.com/NeverVane/omniscient/internal/logger"
	"github.com/NeverVane/omniscient/internal/redact"
	"github.com/NeverVane/omniscient/internal/storage"
)

// Result describes what a capture did
type Result int

const (
	ResultSkippedEmpty Result = iota
	ResultSkippedDuration
	ResultRedacted
	ResultIncremented
	ResultInserted
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSkippedEmpty:
		return "skipped_empty"
	case ResultSkippedDuration:
		return "skipped_duration"
	case ResultRedacted:
		return "redacted"
	case ResultIncremented:
		return "incremented"
	case ResultInserted:
		return "inserted"
	case ResultFailed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Persisted reports whether the store was mutated
func (r Result) Persisted() bool {
	return r == ResultIncremented || r == ResultInserted
}

// Store is the subset of storage.Store the pipeline writes through
type Store interface {
	FindDuplicate(ctx context.Context, command, workingDir string) (*storage.CommandRecord, error)
	IncrementUsage(ctx context.Context, id int64) error
	Insert(ctx context.Context, record *storage.CommandRecord) (int64, error)
}

// WorkingDirFunc resolves the directory the command ran in
type WorkingDirFunc func() (string, error)

// ErrorReporter receives errors the pipeline swallows
type ErrorReporter interface {
	ReportError(err error, operation string, tags map[string]string) string
}

// Pipeline runs captures against one store
type Pipeline struct {
	store         Store
	redactor      *redact.Redactor
	minDurationMs int64
	lockPath      string
	lockTimeout   time.Duration
	workingDir    WorkingDirFunc
	reporter      ErrorReporter
	logger        *logger.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithWorkingDirFunc overrides os.Getwd
func WithWorkingDirFunc(fn WorkingDirFunc) Option {
	return func(p *Pipeline) {
		p.workingDir = fn
	}
}

// WithErrorReporter forwards swallowed errors to r
func WithErrorReporter(r ErrorReporter) Option {
	return func(p *Pipeline) {
		p.reporter = r
	}
}

// WithLockPath overrides the lock file location
func WithLockPath(path string) Option {
	return func(p *Pipeline) {
		p.lockPath = path
	}
}

// New builds a pipeline from the capture and privacy sections of cfg
func New(store Store, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	redactor, err := cfg.Redactor()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:         store,
		redactor:      redactor,
		minDurationMs: cfg.Capture.MinDurationMS,
		lockPath:      cfg.LockPath(),
		lockTimeout:   cfg.GetLockTimeout(),
		workingDir:    os.Getwd,
		logger:        logger.GetLogger().Capture(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Capture records raw as executed with exitCode in durationMs
func (p *Pipeline) Capture(ctx context.Context, raw string, exitCode int, durationMs int64) Result {
	command := strings.TrimSpace(raw)
	if command == "" {
		return ResultSkippedEmpty
	}

	if durationMs < p.minDurationMs {
		p.logger.Debug().
			Int64("duration_ms", durationMs).
			Int64("min_duration_ms", p.minDurationMs).
			Msg("Command below duration threshold")
		return ResultSkippedDuration
	}

	if p.redactor.ShouldRedact(command) {
		p.logger.Debug().Msg("Command matched a redaction pattern, not recorded")
		return ResultRedacted
	}

	dir := p.resolveWorkingDir()
	cat := category.Categorize(command)

	var result Result
	err := lock.WithLock(ctx, p.lockPath, p.lockTimeout, func() error {
		var err error
		result, err = p.record(ctx, command, exitCode, durationMs, dir, cat)
		return err
	})
	if err != nil {
		p.fail(err, cat)
		return ResultFailed
	}

	p.logger.Debug().
		Str("result", result.String()).
		Str("category", cat).
		Msg("Command captured")
	return result
}

// record is the lookup-then-mutate step; the caller holds the capture lock
func (p *Pipeline) record(ctx context.Context, command string, exitCode int, durationMs int64, dir, cat string) (Result, error) {
	existing, err := p.store.FindDuplicate(ctx, command, dir)
	if err != nil {
		return ResultFailed, err
	}

	if existing != nil {
		err := p.store.IncrementUsage(ctx, existing.ID)
		if err == nil {
			return ResultIncremented, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return ResultFailed, err
		}
		p.logger.Warn().Int64("id", existing.ID).Msg("Duplicate vanished before increment, inserting")
	}

	record := storage.NewCommandRecord(command, exitCode, durationMs, dir, cat)
	if _, err := p.store.Insert(ctx, record); err != nil {
		return ResultFailed, err
	}
	return ResultInserted, nil
}

func (p *Pipeline) resolveWorkingDir() string {
	if p.workingDir == nil {
		return storage.UnknownWorkingDir
	}
	dir, err := p.workingDir()
	if err != nil || dir == "" {
		p.logger.Debug().Err(err).Msg("Working directory unavailable")
		return storage.UnknownWorkingDir
	}
	return dir
}

func (p *Pipeline) fail(err error, cat string) {
	evt := p.logger.Error().Err(err).Str("category", cat)
	if p.reporter != nil {
		if id := p.reporter.ReportError(err, "capture", map[string]string{"category": cat}); id != "" {
			evt = evt.Str("correlation_id", id)
		}
	}
	evt.Msg("Capture failed")
}
