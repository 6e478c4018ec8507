// Write operations.
//
// Every write lands in the current write volume as one or more
// consecutive bins. Payloads larger than Config.MaxBinSize are split; all
// bins of one write stay in one volume so that a Locator is a single
// contiguous range. Rotation only happens between writes.
//
// A Locator is returned only after the last bin's header has been
// committed. A write that fails part way leaves its earlier bins in place
// but unreferenced; readers that walk the volume still see them.
package blobvol

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Write stores data and returns its Locator. An empty payload is stored
// as a single empty bin.
func (s *Storage) Write(data []byte) (Locator, error) {
	return s.WriteFrom(bytes.NewReader(data), int64(len(data)))
}

// WriteFile streams the file at path into the storage without loading it
// into memory.
func (s *Storage) WriteFile(path string) (Locator, error) {
	if s.closed {
		return Locator{}, ErrClosed
	}
	f, err := os.Open(path)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: open %s: %w", ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Locator{}, ioError("stat "+path, err)
	}
	if !info.Mode().IsRegular() {
		return Locator{}, fmt.Errorf("%w: %s is not a regular file", ErrIO, path)
	}
	loc, err := s.WriteFrom(f, info.Size())
	if err != nil {
		return Locator{}, err
	}
	s.log.Debug("wrote file", "path", path, "locator", loc)
	return loc, nil
}

// WriteFrom stores the first n bytes of r. It is the core of Write and
// WriteFile: r is read block by block, once.
func (s *Storage) WriteFrom(r io.ReaderAt, n int64) (Locator, error) {
	if s.closed {
		return Locator{}, ErrClosed
	}
	if s.writer == nil {
		return Locator{}, ErrReadOnly
	}
	if n < 0 {
		return Locator{}, fmt.Errorf("%w: negative length %d", ErrIO, n)
	}
	if s.full() {
		if err := s.rotate(); err != nil {
			return Locator{}, err
		}
	}

	var flags Flag
	if s.flags&Compress != 0 {
		flags = FlagCompressed
	}
	w := s.writer
	loc := Locator{Volume: w.Number(), Size: n, Compressed: flags&FlagCompressed != 0}

	var pos int64
	for first := true; first || pos < n; first = false {
		chunk := min(n-pos, s.config.MaxBinSize)
		info, err := w.Append(r, pos, chunk, flags)
		if err != nil {
			return Locator{}, err
		}
		if first {
			loc.Offset = info.Offset
		}
		loc.Length += info.Framed
		loc.Bins++
		pos += chunk
	}
	return loc, nil
}
