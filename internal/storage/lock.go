package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLocked reports that another process holds the store.
var ErrLocked = errors.New("storage locked")

// LockedError carries the holder recorded in the lock file; PID is 0 when
// it could not be read.
type LockedError struct {
	Path string
	PID  int
}

func (e *LockedError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("storage %s is in use by pid %d", e.Path, e.PID)
	}
	return fmt.Sprintf("storage %s is in use by another process", e.Path)
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// Lock is an exclusive advisory lock next to the store. Release is safe to
// call more than once.
type Lock struct {
	f *os.File
}

// LockPath is where the lock for cfg lives; empty for in-memory stores.
func LockPath(cfg Config) string {
	p := strings.TrimSpace(cfg.Path)
	if p == "" || p == ":memory:" {
		return ""
	}
	return p + ".lock"
}

// AcquireLock takes the lock at path without waiting and records the
// current pid in it. An empty path yields a lock that guards nothing.
func AcquireLock(path string) (*Lock, error) {
	if path == "" {
		return &Lock{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	busy, err := tryLock(f)
	if err != nil || busy {
		pid := readPID(f)
		if cerr := f.Close(); cerr != nil && err != nil {
			err = errors.Join(err, cerr)
		}
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		return nil, &LockedError{Path: path, PID: pid}
	}

	l := &Lock{f: f}
	if err := writePID(f); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return l, nil
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := unlock(f); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	if err != nil {
		return err
	}
	return f.Sync()
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
