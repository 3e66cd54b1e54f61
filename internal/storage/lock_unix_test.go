//go:build unix

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLockIsExclusive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "tgdigest.db.lock")

	first, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	_, err = AcquireLock(path)
	var le *LockedError
	if !errors.Is(err, ErrLocked) || !errors.As(err, &le) {
		t.Fatalf("second AcquireLock = %v, want ErrLocked", err)
	}
	if le.PID != os.Getpid() {
		t.Fatalf("holder pid = %d, want %d", le.PID, os.Getpid())
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	again, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	_ = again.Release()
}

func TestLockPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want string
	}{
		{"/var/lib/tgdigest/state.db", "/var/lib/tgdigest/state.db.lock"},
		{" ./state ", "./state.lock"},
		{":memory:", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := LockPath(Config{Path: tt.path}); got != tt.want {
			t.Errorf("LockPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
