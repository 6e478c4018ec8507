// Delete operation.
//
// Deleting never moves data. Each bin of the Locator has FlagDeleted set in
// its header, in place; readers skip the bin from then on and Get reports
// ErrNotFound. The space is not reclaimed.
package blobvol

import (
	"errors"
	"fmt"
	"io"
)

// Delete marks every bin of loc as deleted. It returns ErrNotFound when the
// first bin is already deleted.
func (s *Storage) Delete(loc Locator) error {
	if s.closed {
		return ErrClosed
	}
	if s.writer == nil {
		return ErrReadOnly
	}
	if err := loc.valid(); err != nil {
		return err
	}
	if _, err := s.volume(loc.Volume); err != nil {
		return err
	}

	v := s.writer
	if loc.Volume != v.Number() {
		// Sealed volumes have no write handle; borrow one for the flip
		tmp, err := OpenVolume[BinHeader, BinFooter](s.root, s.name, loc.Volume, Writable, s.config, s.id)
		if err != nil {
			return err
		}
		defer tmp.Close()
		v = tmp
	}

	off := loc.Offset
	for i := range loc.Bins {
		info, err := v.Delete(off)
		if errors.Is(err, ErrNotFound) && i > 0 {
			// Already gone from an earlier, interrupted delete
			info, err = v.Stat(off)
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: no committed bin at %d in volume %d", ErrInvalidLocator, off, loc.Volume)
		}
		if err != nil {
			return err
		}
		off += info.Framed
	}
	s.log.Debug("deleted", "locator", loc)
	return nil
}
