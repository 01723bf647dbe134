//go:build windows

package pipeline

import (
	"errors"
	"os"
)

// acquire creates path exclusively. It returns a nil file when the file
// already exists, meaning another process holds the lock.
func acquire(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil, nil
	}
	return f, err
}

// release closes and removes the lock file.
func release(f *os.File, path string) error {
	err := f.Close()
	if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = errors.Join(err, rerr)
	}
	return err
}
