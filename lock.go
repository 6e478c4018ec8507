// OS-level writer locking.
//
// A volume has at most one writer across all processes. Writable opens take
// a non-blocking exclusive flock(2) / LockFileEx on the volume file and fail
// with ErrLocked when someone else holds it; readers never lock, since bins
// only become visible once their header is committed.
//
// fileLock pairs the OS lock with a mutex that guards the file handle's
// lifetime. Callers use setFile(nil) before closing the underlying file so
// that an in-flight syscall cannot race with Close on the same fd.
package blobvol

import (
	"fmt"
	"os"
	"sync"
)

// fileLock coordinates OS-level file locks with safe handle teardown.
type fileLock struct {
	mu   sync.Mutex
	f    *os.File
	held bool
}

// tryLock acquires the exclusive lock or reports ErrLocked.
func (l *fileLock) tryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil || l.held {
		return nil
	}
	locked, err := l.lock()
	if err != nil {
		return fmt.Errorf("%w: lock %s: %w", ErrIO, l.f.Name(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, l.f.Name())
	}
	l.held = true
	return nil
}

// Unlock releases the lock. Returns nil immediately if the handle has been
// cleared via setFile(nil) or the lock is not held.
func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil || !l.held {
		return nil
	}
	l.held = false
	return l.unlock()
}

// setFile swaps the underlying file handle. Passing nil drains any
// in-flight syscall and disables further locking. Closing the fd drops the
// OS lock along with it.
func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.held = false
	l.mu.Unlock()
}
