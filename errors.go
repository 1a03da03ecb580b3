package blobstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/cqkv/blobstore/config"
	"github.com/cqkv/blobstore/journal"
	"github.com/cqkv/blobstore/seglog"
)

var (
	ErrEmptyKey      = addPrefix("the key is empty")
	ErrNotFound      = addPrefix("key not found")
	ErrDeleted       = addPrefix("key is deleted")
	ErrExpired       = addPrefix("key is expired")
	ErrCorruptRecord = addPrefix("record is corrupted")
	ErrOutOfCapacity = addPrefix("record is larger than a segment")
	ErrIOFailure     = addPrefix("storage i/o failure")

	// ErrTooOld means a catch-up position fell out of the journal.
	ErrTooOld = journal.ErrTooOld

	ErrStoreClosed          = addPrefix("store is closed")
	ErrDirIsUsing           = addPrefix("directory is used by another store")
	ErrCorruptManifest      = addPrefix("manifest is corrupted")
	ErrUnknownPolicy        = addPrefix("unknown compaction policy")
	ErrCompactionInProgress = addPrefix("compaction is in progress")
	ErrSwapTimeout          = addPrefix("timed out waiting for the swap lock")
	ErrAlreadyStarted       = addPrefix("background tasks are already running")
)

// ValidationError reports a tunable outside its valid range.
type ValidationError = config.ValidationError

func addPrefix(errStr string) error {
	return fmt.Errorf("blobstore err: %s", errStr)
}

// IOError wraps a failure of the underlying storage. It matches ErrIOFailure
// with errors.Is and unwraps to the cause.
type IOError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *IOError) Error() string {
	return fmt.Sprintf("blobstore err: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIOFailure
}

// IsRetryAble is true for every storage failure, the device may come back.
func (e *IOError) IsRetryAble() bool {
	return true
}

func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Err: err, Timestamp: time.Now()}
}

// translate maps log errors onto the store taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, seglog.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, seglog.ErrDeleted):
		return ErrDeleted
	case errors.Is(err, seglog.ErrCorruptRecord):
		return ErrCorruptRecord
	case errors.Is(err, seglog.ErrOutOfCapacity):
		return ErrOutOfCapacity
	}
	return wrapIO(op, err)
}
