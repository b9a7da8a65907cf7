package etl

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockAcquisitionError reports that another run holds the execution lock.
type LockAcquisitionError struct {
	Path string
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("sync already running (lock held: %s)", e.Path)
}

// Lock is a file-based execution lock: at most one sync run proceeds
// system-wide. The PID and start time are written into the lock file for
// operator debugging.
type Lock struct {
	path string
	file *os.File
}

// NewLock creates an unacquired lock at the given path.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the lock without blocking. Returns LockAcquisitionError
// when another process holds it.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return &LockAcquisitionError{Path: l.path}
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f.Sync()

	l.file = f
	return nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	return err
}
