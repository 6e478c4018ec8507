package blobvol

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

// abandon drops s the way a crashed process would: descriptors and locks
// released, dirty flags left set, nothing synced or cleaned up.
func abandon(s *Storage) {
	for _, v := range s.vols {
		v.abort()
	}
	s.root.Close()
	s.closed = true
}

func appendBytes(t *testing.T, path string, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		t.Fatal(err)
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.Size()
}

func dirtyByte(t *testing.T, path string) byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data[dirtyOffset]
}

func TestDirtyFlag(t *testing.T) {
	s := openTestStorage(t, 0, Config{})
	path := volumePath(s, 0)
	if got := dirtyByte(t, path); got != '0' {
		t.Errorf("fresh volume dirty byte = %q", got)
	}
	mustWrite(t, s, []byte("x"))
	if got := dirtyByte(t, path); got != '1' {
		t.Errorf("dirty byte after write = %q, want '1'", got)
	}
	s.Close()
	if got := dirtyByte(t, path); got != '0' {
		t.Errorf("dirty byte after close = %q, want '0'", got)
	}
}

func TestRecoverTornTail(t *testing.T) {
	tails := map[string][]byte{
		// Placeholder header plus part of the payload
		"uncommitted": append(make([]byte, BinHeaderSize), randomBytes(3, 50)...),
		// Committed header whose bin never finished
		"short bin": append(BinHeader{}.Init(1000, 1000, 0).Encode(), randomBytes(4, 10)...),
		// Fewer bytes than a header
		"stub": {0x42, 0x00, 0x05},
	}
	for name, tail := range tails {
		t.Run(name, func(t *testing.T) {
			s := openTestStorage(t, 0, Config{})
			a := mustWrite(t, s, []byte("alpha"))
			b := mustWrite(t, s, randomBytes(2, 300))
			path := volumePath(s, 0)
			abandon(s)

			appendBytes(t, path, tail)
			committed := b.Offset + b.Length
			if dirtyByte(t, path) != '1' {
				t.Fatal("abandoned volume is not dirty")
			}

			// A reader leaves the file alone and stops at the torn bin
			r, err := Open(s.Dir(), s.Name(), 0, Config{})
			if err != nil {
				t.Fatalf("read-only open: %v", err)
			}
			n := 0
			for _, err := range r.Bins() {
				if err != nil {
					t.Fatal(err)
				}
				n++
			}
			r.Close()
			if n != 2 {
				t.Errorf("reader saw %d bins, want 2", n)
			}
			if got := fileSize(t, path); got != committed+int64(len(tail)) {
				t.Errorf("read-only open changed the size to %d", got)
			}

			w, err := Open(s.Dir(), s.Name(), CreateOrOpen|Writable, Config{})
			if err != nil {
				t.Fatalf("writable open: %v", err)
			}
			defer w.Close()
			if got := fileSize(t, path); got != committed {
				t.Errorf("size after recovery = %d, want %d", got, committed)
			}
			if got := dirtyByte(t, path); got != '0' {
				t.Errorf("dirty byte after recovery = %q", got)
			}
			if got, err := w.Get(a); err != nil || string(got) != "alpha" {
				t.Errorf("Get = %q, %v", got, err)
			}
			if _, err := w.Get(b); err != nil {
				t.Errorf("Get: %v", err)
			}
			c := mustWrite(t, w, []byte("after"))
			if c.Offset != committed {
				t.Errorf("next bin at %d, want %d", c.Offset, committed)
			}
		})
	}
}

// TestRecoverRefusesCorruption: damage inside the committed region is not
// a torn tail, so recovery fails and leaves the file as it found it.
func TestRecoverRefusesCorruption(t *testing.T) {
	s := openTestStorage(t, 0, Config{})
	mustWrite(t, s, []byte("alpha"))
	b := mustWrite(t, s, []byte("bravo"))
	mustWrite(t, s, []byte("charlie"))
	path := volumePath(s, 0)
	abandon(s)

	flip(t, path, b.Offset)
	size := fileSize(t, path)

	_, err := Open(s.Dir(), s.Name(), CreateOrOpen|Writable, Config{})
	if !errors.Is(err, ErrCorruptVolume) {
		t.Fatalf("Open: %v, want ErrCorruptVolume", err)
	}
	if got := fileSize(t, path); got != size {
		t.Errorf("size = %d, want %d", got, size)
	}
	if dirtyByte(t, path) != '1' {
		t.Error("dirty flag cleared on a failed recovery")
	}

	// Readers still get the bins in front of the damage
	r, err := Open(s.Dir(), s.Name(), 0, Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != "alpha" {
		t.Errorf("Read = %q, %v", buf[:n], err)
	}
	if _, err := r.Read(buf); !errors.Is(err, ErrCorruptVolume) {
		t.Errorf("Read past damage: %v, want ErrCorruptVolume", err)
	}
}

// TestRecoverOnlyWriteVolume: sealed volumes were closed cleanly by
// rotation, so only the last volume can carry a torn tail.
func TestRecoverOnlyWriteVolume(t *testing.T) {
	s := openTestStorage(t, 0, Config{MaxVolumeBins: 1})
	mustWrite(t, s, []byte("one"))
	mustWrite(t, s, []byte("two"))
	abandon(s)

	if got := dirtyByte(t, volumePath(s, 0)); got != '0' {
		t.Errorf("sealed volume dirty byte = %q", got)
	}
	appendBytes(t, volumePath(s, 1), make([]byte, 30))

	w, err := Open(s.Dir(), s.Name(), CreateOrOpen|Writable, Config{MaxVolumeBins: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	got, err := io.ReadAll(w)
	if err != nil || string(got) != "onetwo" {
		t.Errorf("ReadAll = %q, %v", got, err)
	}
}

// TestRecoverCleanTornTail: a tail lost after a clean close (or a dirty
// flag write that never reached the disk) leaves the flag reading clean.
// The writable open must still cut the tail, so the next bin lands where
// the torn one began and survives later recoveries.
func TestRecoverCleanTornTail(t *testing.T) {
	s := openTestStorage(t, 0, Config{})
	a := mustWrite(t, s, []byte("first"))
	b := mustWrite(t, s, randomBytes(5, 100))
	path := volumePath(s, 0)
	s.Close()

	truncate(t, path, b.Offset+BinHeaderSize+10)
	if dirtyByte(t, path) != '0' {
		t.Fatal("cleanly closed volume is dirty")
	}

	w, err := Open(s.Dir(), s.Name(), CreateOrOpen|Writable, Config{})
	if err != nil {
		t.Fatalf("writable open: %v", err)
	}
	if got := fileSize(t, path); got != b.Offset {
		t.Errorf("size after open = %d, want %d", got, b.Offset)
	}
	c := mustWrite(t, w, []byte("second"))
	if c.Offset != b.Offset {
		t.Errorf("new bin at %d, want %d", c.Offset, b.Offset)
	}
	got, err := io.ReadAll(w)
	if err != nil || string(got) != "firstsecond" {
		t.Errorf("ReadAll = %q, %v", got, err)
	}
	abandon(w)

	// A dirty recovery afterwards keeps both bins
	w, err = Open(s.Dir(), s.Name(), CreateOrOpen|Writable, Config{})
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer w.Close()
	for _, loc := range []Locator{a, c} {
		if _, err := w.Get(loc); err != nil {
			t.Errorf("Get(%v) after recovery: %v", loc, err)
		}
	}
}

// TestRecoverCleanIntactVolume: a clean volume with no torn tail is opened
// without touching the file.
func TestRecoverCleanIntactVolume(t *testing.T) {
	s := openTestStorage(t, 0, Config{})
	mustWrite(t, s, []byte("x"))
	path := volumePath(s, 0)
	s.Close()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := Open(s.Dir(), s.Name(), CreateOrOpen|Writable, Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() != info.Size() || !after.ModTime().Equal(info.ModTime()) {
		t.Errorf("open modified an intact volume: %d bytes at %v, was %d at %v",
			after.Size(), after.ModTime(), info.Size(), info.ModTime())
	}
}

// TestOpenEmptyVolume: a crash between creating the first volume file and
// writing its header leaves an empty file. Opening for writing starts the
// storage over with a fresh id.
func TestOpenEmptyVolume(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, volumeFile(testName, 0)), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(dir, testName, 0, Config{}); !errors.Is(err, ErrCorruptHeader) {
		t.Errorf("read-only open: %v, want ErrCorruptHeader", err)
	}

	s, err := Open(dir, testName, CreateOrOpen|Writable, Config{})
	if err != nil {
		t.Fatalf("writable open: %v", err)
	}
	defer s.Close()
	if s.ID() == uuid.Nil {
		t.Error("storage has no id")
	}
	loc := mustWrite(t, s, []byte("recovered"))
	s = reopen(t, s, 0, Config{})
	if got, err := s.Get(loc); err != nil || string(got) != "recovered" {
		t.Errorf("Get = %q, %v", got, err)
	}
}
