//go:build unix

package blobvol

import (
	"errors"

	"golang.org/x/sys/unix"
)

// lock reports false, without error, when another descriptor holds the lock.
func (l *fileLock) lock() (bool, error) {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return err == nil, err
}

func (l *fileLock) unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
