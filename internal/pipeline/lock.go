package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoopLock lets one worker process per host run a maintenance loop's tick.
// Each loop has its own lock file <dir>/<loop>.lock, which records the
// current holder for operators.
type LoopLock struct {
	loop string
	path string
}

// NewLoopLock returns the lock for loop under dir.
func NewLoopLock(dir, loop string) *LoopLock {
	return &LoopLock{loop: loop, path: filepath.Join(dir, loop+".lock")}
}

// Path returns the lock file location.
func (l *LoopLock) Path() string { return l.path }

// Do runs fn while holding the lock. It returns false without calling fn
// when another process holds it.
func (l *LoopLock) Do(fn func() error) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := acquire(l.path)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.loop, err)
	}
	if f == nil {
		return false, nil
	}
	defer release(f, l.path)

	// The stamp is informational; a failed write does not give up the lock.
	if err := f.Truncate(0); err == nil {
		host, _ := os.Hostname()
		fmt.Fprintf(f, "%s pid=%d host=%s since=%s\n", l.loop, os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
	}
	return true, fn()
}

// Holder returns the stamp written by the last process to take the lock, or
// "" when the loop has never run.
func (l *LoopLock) Holder() (string, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
