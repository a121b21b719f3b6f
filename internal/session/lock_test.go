package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLockDirIsExclusive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	first, err := LockDir(dir)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := LockDir(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for second lock, got %v", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFile)); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed, stat err=%v", err)
	}

	again, err := LockDir(dir)
	if err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	defer again.Unlock()
}

func TestUnlockNilLock(t *testing.T) {
	var l *DirLock
	if err := l.Unlock(); err != nil {
		t.Fatalf("nil unlock: %v", err)
	}
}
