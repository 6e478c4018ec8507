// Read operations.
//
// Storage offers two ways back to the data. Read treats the whole storage
// as one stream of live payload bytes, volume after volume, which is what
// a full export or an index rebuild wants. Reader and Get follow a Locator
// straight to its bins, which is what serving a single document wants.
//
// Both verify as they go: each bin's checksum is checked when its last
// byte is consumed, and a mismatch surfaces as ErrCorruptVolume.
package blobvol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
)

// Read reads the payload bytes of consecutive live bins, crossing volume
// boundaries, and returns io.EOF once the last volume is exhausted. Bins
// written after io.EOF was returned are picked up by later calls.
func (s *Storage) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	for {
		v, err := s.volume(s.numbers[s.rvol])
		if err != nil {
			return 0, err
		}
		n, err := v.Read(p)
		if err != io.EOF || s.rvol == len(s.numbers)-1 {
			return n, err
		}
		s.rvol++
		next, err := s.volume(s.numbers[s.rvol])
		if err != nil {
			return 0, err
		}
		if err := next.Rewind(); err != nil {
			return 0, err
		}
	}
}

// Seek positions the read cursor at the first bin of loc.
func (s *Storage) Seek(loc Locator) error {
	if s.closed {
		return ErrClosed
	}
	if err := loc.valid(); err != nil {
		return err
	}
	i := slices.Index(s.numbers, loc.Volume)
	if i < 0 {
		return fmt.Errorf("%w: no volume %d", ErrInvalidLocator, loc.Volume)
	}
	if err := s.vols[loc.Volume].Seek(loc.Offset); err != nil {
		return err
	}
	s.rvol = i
	return nil
}

// Rewind moves the read cursor back to the first bin of the first volume.
func (s *Storage) Rewind() error {
	if s.closed {
		return ErrClosed
	}
	s.rvol = 0
	return s.vols[s.numbers[0]].Rewind()
}

// Reader returns a stream over the payload of loc. It fails up front with
// ErrNotFound when the first bin is deleted and with ErrInvalidLocator when
// no committed bin starts at the locator's offset.
func (s *Storage) Reader(loc Locator) (io.ReadCloser, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := loc.valid(); err != nil {
		return nil, err
	}
	v, err := s.volume(loc.Volume)
	if err != nil {
		return nil, err
	}
	r := &locReader{v: v, loc: loc, off: loc.Offset, left: loc.Bins}
	if err := r.next(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get reads the whole payload of loc into memory.
func (s *Storage) Get(loc Locator) ([]byte, error) {
	r, err := s.Reader(loc)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	buf.Grow(int(min(loc.Size, DefaultMaxBinSize)))
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// locReader streams the consecutive bins of one Locator.
type locReader struct {
	v    *volume
	loc  Locator
	off  int64 // Offset of the next bin
	left int   // Bins not yet opened
	read int64 // Logical bytes returned
	cur  *BinReader[BinHeader, BinFooter]
}

// next opens the following bin of the locator.
func (r *locReader) next() error {
	br, err := r.v.Bin(r.off)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: no committed bin at %d in volume %d: %w", ErrInvalidLocator, r.off, r.loc.Volume, err)
	}
	if err != nil {
		return err
	}
	r.cur = br
	r.off += br.Info().Framed
	r.left--
	if r.off > r.loc.Offset+r.loc.Length {
		br.Close()
		r.cur = nil
		return fmt.Errorf("%w: bins run past the locator's %d bytes", ErrInvalidLocator, r.loc.Length)
	}
	return nil
}

func (r *locReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.left == 0 {
				if r.read != r.loc.Size {
					return 0, fmt.Errorf("%w: read %d bytes, locator declares %d", ErrInvalidLocator, r.read, r.loc.Size)
				}
				return 0, io.EOF
			}
			if err := r.next(); err != nil {
				return 0, err
			}
		}
		n, err := r.cur.Read(p)
		r.read += int64(n)
		if err == io.EOF {
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *locReader) Close() error {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	r.left = 0
	return nil
}
