package blobvol

import (
	"errors"
	"testing"
)

func TestWriterLock(t *testing.T) {
	s := openTestStorage(t, 0, Config{})
	mustWrite(t, s, []byte("one"))

	if _, err := Open(s.Dir(), s.Name(), CreateOrOpen|Writable, Config{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second writer: %v, want ErrLocked", err)
	}

	// Readers never lock, and see bins committed after they opened
	r, err := Open(s.Dir(), s.Name(), 0, Config{})
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer r.Close()
	loc := mustWrite(t, s, []byte("two"))
	if got, err := r.Get(loc); err != nil || string(got) != "two" {
		t.Errorf("reader Get = %q, %v", got, err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	w, err := Open(s.Dir(), s.Name(), CreateOrOpen|Writable, Config{})
	if err != nil {
		t.Fatalf("writer after close: %v", err)
	}
	w.Close()
}

// TestLockReleasedOnRotate: a sealed volume can be locked again, which is
// what Delete relies on.
func TestLockReleasedOnRotate(t *testing.T) {
	s := openTestStorage(t, 0, Config{MaxVolumeBins: 1})
	mustWrite(t, s, []byte("one"))
	mustWrite(t, s, []byte("two"))

	v, err := OpenVolume[BinHeader, BinFooter](s.root, s.name, 0, Writable, Config{}, s.ID())
	if err != nil {
		t.Fatalf("lock sealed volume: %v", err)
	}
	v.Close()

	_, err = OpenVolume[BinHeader, BinFooter](s.root, s.name, 1, Writable, Config{}, s.ID())
	if !errors.Is(err, ErrLocked) {
		t.Errorf("lock write volume: %v, want ErrLocked", err)
	}
}
