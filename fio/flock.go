package fio

import (
	"errors"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked means another process holds the directory lock.
var ErrLocked = errors.New("fio: directory is locked by another process")

const lockFileName = "LOCK"

// LockDir takes an exclusive advisory lock on dir. Unlock the returned lock to release it.
func LockDir(dir string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(dir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrLocked
	}
	return fl, nil
}
