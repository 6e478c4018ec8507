// Structural scans.
//
// walk visits the headers of consecutive bins without reading payloads.
// Each step costs one small ReadAt, so counting bins or finding the end of
// the committed region is cheap even on large volumes. A scan ends quietly
// at the first position where no complete bin starts (end of file, an
// uncommitted header, or a bin running past end) and fails on a header
// that is damaged.
package blobvol

import (
	"io"
	"iter"
)

// walk calls fn for every committed bin between start and end, deleted ones
// included, and returns the offset just past the last one.
func (v *Volume[H, F]) walk(start, end int64, fn func(BinInfo) error) error {
	_, err := v.scan(start, end, fn)
	return err
}

func (v *Volume[H, F]) scan(start, end int64, fn func(BinInfo) error) (int64, error) {
	off := start
	for {
		h, err := v.framer.ReadHeader(v.reader, off, end)
		if err == io.EOF {
			return off, nil
		}
		if err != nil {
			return off, err
		}
		info := v.framer.info(off, h)
		if fn != nil {
			if err := fn(info); err != nil {
				return off, err
			}
		}
		off += info.Framed
	}
}

// All returns every committed bin in the volume, deleted ones included, in
// file order. A damaged header is yielded as an error and ends the
// sequence.
func (v *Volume[H, F]) All() iter.Seq2[BinInfo, error] {
	return func(yield func(BinInfo, error) bool) {
		if v.closed {
			yield(BinInfo{}, ErrClosed)
			return
		}
		off, end := int64(HeaderSize), v.end()
		for {
			h, err := v.framer.ReadHeader(v.reader, off, end)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(BinInfo{Offset: off}, err)
				return
			}
			info := v.framer.info(off, h)
			if !yield(info, nil) {
				return
			}
			off += info.Framed
		}
	}
}
