// Bin enumeration.
//
// Bins walks every committed bin of every volume in storage order. Unlike
// Read it reports each bin separately, with its Locator, so a caller can
// rebuild an external index from the storage alone.
package blobvol

import (
	"io"
	"iter"
)

// BinEntry is one bin seen by Bins.
type BinEntry struct {
	Locator Locator // Locator of this single bin
	Info    BinInfo // Header fields

	v *volume
}

// Open returns a reader over the bin's payload. The checksum is verified
// when the reader reaches io.EOF.
func (e BinEntry) Open() (io.ReadCloser, error) {
	br, err := e.v.Bin(e.Info.Offset)
	if err != nil {
		return nil, err
	}
	return br, nil
}

// Bins returns every committed bin in volume order. A deleted bin is
// yielded together with ErrNotFound and the sequence goes on; any other
// error ends it.
func (s *Storage) Bins() iter.Seq2[BinEntry, error] {
	return func(yield func(BinEntry, error) bool) {
		if s.closed {
			yield(BinEntry{}, ErrClosed)
			return
		}
		for _, n := range s.numbers {
			v := s.vols[n]
			for info, err := range v.All() {
				if err != nil {
					yield(BinEntry{Info: info}, err)
					return
				}
				e := BinEntry{
					Locator: Locator{
						Volume:     n,
						Offset:     info.Offset,
						Length:     info.Framed,
						Size:       info.Size,
						Bins:       1,
						Compressed: info.Compressed(),
					},
					Info: info,
					v:    v,
				}
				err = nil
				if info.Deleted() {
					err = ErrNotFound
				}
				if !yield(e, err) {
					return
				}
			}
		}
	}
}
