//go:build !windows

package pipeline

import (
	"errors"
	"os"
	"syscall"
)

// acquire takes an exclusive flock on path. It returns a nil file when the
// lock is held elsewhere.
func acquire(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// release unlocks f. The file stays so that the holder stamp survives and a
// concurrent acquire never locks an unlinked inode.
func release(f *os.File, _ string) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return errors.Join(err, f.Close())
}
