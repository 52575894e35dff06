//go:build !unix

package statestore

import (
	"errors"
	"os"
)

var ErrLocked = errors.New("sync directory is locked by another process")

type DirLock struct{}

func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &DirLock{}, nil
}

func (l *DirLock) Unlock() error { return nil }
