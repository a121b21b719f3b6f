//go:build !windows

package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// DirLock is an exclusive advisory lock on a state directory, held by the
// one process allowed to mutate it.
type DirLock struct {
	file *os.File
}

// LockDir takes the lock file in dir without blocking. It returns ErrLocked
// when another process holds it.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, LockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &DirLock{file: f}, nil
}

// Unlock releases the lock and removes the lock file.
func (l *DirLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	name := l.file.Name()
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	os.Remove(name)
	return err
}
