package engine

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/quotawatch/quotawatch/internal/errors"
)

// acquireLock takes an exclusive, non-blocking lock on path. The returned
// function releases it.
func acquireLock(path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &errors.ErrDirectoryCreate{Path: filepath.Dir(path), Err: err}
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errors.ErrRunLocked{Path: path}
	}
	return lock.Unlock, nil
}
