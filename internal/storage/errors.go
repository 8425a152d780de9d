package storage

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrStorage marks I/O or engine failures opening, reading or writing the store
	ErrStorage = errors.New("storage failure")

	// ErrNotFound is returned when an update targets an id that no longer exists
	ErrNotFound = errors.New("command not found")
)

// storageError wraps err with op and marks it as ErrStorage so callers can
// test the class with errors.Is while the driver error stays reachable.
func storageError(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrStorage)
}

func storageErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStorage)
}

func notFound(id int64) error {
	return errors.Wrapf(ErrNotFound, "id %d", id)
}
