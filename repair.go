// Crash recovery for volumes.
//
// Bins commit by writing their header last, so after a crash the only
// damage a volume can carry is a torn tail: bytes of a bin whose header
// was never written, or whose payload never fully reached the disk,
// sitting after the last committed bin.
//
// Recovery runs on every writable open. It walks the headers from the
// start of the volume and truncates the file where the committed region
// ends, so the next bin lands where the torn one began. The dirty flag
// only says whether the previous session closed cleanly; it is not synced
// by default and a tail can be lost after a clean close, so a clean flag
// never skips the scan. Nothing before the truncation point is rewritten,
// and every Locator issued before the crash stays valid. A damaged header
// inside the committed region is not something truncation can fix, and
// recovery refuses to guess: the open fails with ErrCorruptVolume and the
// file is left untouched.
package blobvol

import (
	"fmt"
)

// recover truncates the torn tail of a volume and clears its dirty flag.
// Called from OpenVolume with the writer lock held.
func (v *Volume[H, F]) recover() error {
	info, err := v.writer.Stat()
	if err != nil {
		return fmt.Errorf("repair: stat %s: %w", v.file, ioError("stat", err))
	}
	size := info.Size()

	good, err := v.scan(HeaderSize, size, nil)
	if err != nil {
		return fmt.Errorf("repair: %s: %w", v.file, err)
	}

	wasDirty := v.header.Error != 0
	if good == size && !wasDirty {
		return nil
	}
	if good < size {
		v.log.Warn("truncating torn tail", "offset", good, "bytes", size-good, "dirty", wasDirty)
		if err := v.writer.Truncate(good); err != nil {
			return fmt.Errorf("repair: truncate %s: %w", v.file, ioError("truncate", err))
		}
	}
	if wasDirty {
		if err := dirty(v.writer, false); err != nil {
			return fmt.Errorf("repair: clear dirty flag: %w", ioError("write", err))
		}
	}
	if err := v.writer.Sync(); err != nil {
		return fmt.Errorf("repair: sync: %w", ioError("sync", err))
	}
	v.header.Error = 0
	return nil
}
