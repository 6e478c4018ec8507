//go:build windows

package blobvol

import (
	"errors"

	"golang.org/x/sys/windows"
)

// lock reports false, without error, when another handle holds the lock.
// The locked range covers the whole file.
func (l *fileLock) lock() (bool, error) {
	var ol windows.Overlapped
	err := windows.LockFileEx(windows.Handle(l.f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, ^uint32(0), ^uint32(0), &ol)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return false, nil
	}
	return err == nil, err
}

func (l *fileLock) unlock() error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, ^uint32(0), ^uint32(0), &ol)
}
