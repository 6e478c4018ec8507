// Guarded storage handles.
//
// Storage leaves locking to the caller: one writer at a time, serialised by
// a lock the caller owns. Guarded is that discipline packaged up. It pairs
// a Storage with a mutex and remembers how it was opened, so that any
// goroutine may close the handle and any other may reopen it.
//
// Guarded does not retry on its own. A write racing a Close fails with
// ErrClosed exactly as it would on a bare Storage; Retry is the explicit
// opt-in for "reopen and try once more".
package blobvol

import (
	"errors"
	"sync"
)

// Guarded is a Storage behind a mutex. It is safe for concurrent use.
type Guarded struct {
	mu     sync.Mutex
	s      *Storage
	dir    string
	name   string
	flags  Flags
	config Config
}

// OpenGuarded opens a Storage and wraps it.
func OpenGuarded(dir, name string, flags Flags, config Config) (*Guarded, error) {
	s, err := Open(dir, name, flags, config)
	if err != nil {
		return nil, err
	}
	return &Guarded{s: s, dir: dir, name: name, flags: flags, config: config}, nil
}

// Do runs fn with the lock held. fn sees ErrClosed-returning methods when
// the storage has been closed.
func (g *Guarded) Do(fn func(*Storage) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.s)
}

// Write stores data under the lock.
func (g *Guarded) Write(data []byte) (Locator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.Write(data)
}

// WriteFile stores the file at path under the lock.
func (g *Guarded) WriteFile(path string) (Locator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.WriteFile(path)
}

// Get reads the payload of loc under the lock.
func (g *Guarded) Get(loc Locator) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.Get(loc)
}

// Close closes the storage. The handle can be reopened with Reopen.
func (g *Guarded) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.Close()
}

// Closed reports whether the storage is currently closed.
func (g *Guarded) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.closed
}

// Reopen opens the storage again if it has been closed. It is a no-op on
// an open handle.
func (g *Guarded) Reopen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reopen()
}

func (g *Guarded) reopen() error {
	if !g.s.closed {
		return nil
	}
	s, err := Open(g.dir, g.name, g.flags, g.config)
	if err != nil {
		return err
	}
	g.s = s
	return nil
}

// Retry runs fn under the lock and, if it fails with ErrClosed, reopens
// the storage and runs fn once more.
func (g *Guarded) Retry(fn func(*Storage) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := fn(g.s)
	if !errors.Is(err, ErrClosed) {
		return err
	}
	if err := g.reopen(); err != nil {
		return err
	}
	return fn(g.s)
}
