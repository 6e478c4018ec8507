// Volumes.
//
// A Volume is one append-only file: a 128-byte header followed by bins.
// The write cursor is always the file's size, re-read from the filesystem
// on every open, so a volume never trusts bookkeeping that a crash could
// have left stale.
//
// A writable volume holds two handles (O_RDONLY for reads, O_RDWR for
// writes) and an exclusive OS lock on the writer. The header's dirty flag
// is raised before the first bin of a session and cleared on Close. Every
// writable open, dirty or not, truncates everything after the last
// committed bin so that the next bin overwrites a torn tail.
//
// Volume is not safe for concurrent use. Storage serialises access to the
// volumes it owns.
package blobvol

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// Volume is a single volume file of bins with header type H and footer F.
type Volume[H HeaderShape[H], F FooterShape[F]] struct {
	root   *os.Root      // Sandboxed filesystem access
	file   string        // Volume filename, <name>.<number>
	number int           // Volume number
	reader *os.File      // Read handle (O_RDONLY)
	writer *os.File      // Write handle (O_RDWR), nil when read-only
	lock   fileLock      // Exclusive writer lock
	header *VolumeHeader // Cached header
	framer *Framer[H, F] // Bin codec for this volume's settings
	config Config        // Configuration
	log    *slog.Logger

	tail   int64            // Append offset (end of file)
	pos    int64            // Read cursor
	cur    *BinReader[H, F] // Bin being read by Read
	rerr   error            // Sticky Read failure, cleared by Seek
	bins   int              // Committed bins, counted when MaxVolumeBins is set
	dirty  bool             // Dirty flag raised this session
	closed bool
}

// volumeFile names volume n of storage name.
func volumeFile(name string, n int) string {
	return fmt.Sprintf("%s.%d", name, n)
}

// OpenVolume opens volume number of storage name inside root. With
// CreateOrOpen and Writable a missing volume is created with a header built
// from config and id. A non-nil id must match the header's. The codec,
// checksum and block size always come from the header, so a volume is read
// with the settings it was written with whatever config says.
func OpenVolume[H HeaderShape[H], F FooterShape[F]](root *os.Root, name string, number int, flags Flags, config Config, id uuid.UUID) (*Volume[H, F], error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	v := &Volume[H, F]{
		root:   root,
		file:   volumeFile(name, number),
		number: number,
		config: config,
		log:    config.Logger.With("volume", volumeFile(name, number)),
	}
	writable := flags&Writable != 0

	if flags&CreateOrOpen != 0 && writable {
		if err := v.create(id); err != nil {
			return nil, err
		}
	}

	reader, err := root.OpenFile(v.file, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, v.file, err)
	}
	v.reader = reader

	if err := v.load(id); err != nil {
		reader.Close()
		return nil, err
	}

	if writable {
		writer, err := root.OpenFile(v.file, os.O_RDWR, 0644)
		if err != nil {
			reader.Close()
			return nil, fmt.Errorf("%w: open %s: %w", ErrIO, v.file, err)
		}
		v.writer = writer
		v.lock.setFile(writer)
		if err := v.lock.tryLock(); err != nil {
			v.lock.setFile(nil)
			writer.Close()
			reader.Close()
			return nil, err
		}
		// A clean flag is not proof of a clean tail: the flag write is
		// not synced unless SyncWrites is set, and files get truncated
		// behind our back. Every writable open checks the tail.
		if err := v.recover(); err != nil {
			v.abort()
			return nil, err
		}
	}

	info, err := v.handle().Stat()
	if err != nil {
		v.abort()
		return nil, ioError("stat "+v.file, err)
	}
	v.tail = info.Size()
	v.pos = HeaderSize

	if writable && config.MaxVolumeBins > 0 {
		if err := v.walk(HeaderSize, v.tail, func(BinInfo) error {
			v.bins++
			return nil
		}); err != nil {
			v.abort()
			return nil, err
		}
	}
	return v, nil
}

// create writes a fresh volume file. An existing file is left alone unless
// it is empty, which is what a crash between create and header write leaves.
func (v *Volume[H, F]) create(id uuid.UUID) error {
	if info, err := v.root.Stat(v.file); err == nil && info.Size() > 0 {
		return nil
	}
	if id == uuid.Nil {
		return fmt.Errorf("%w: creating %s without a storage id", ErrConfiguration, v.file)
	}
	file, err := v.root.OpenFile(v.file, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, v.file, err)
	}
	defer file.Close()

	hdr := VolumeHeader{
		Version:   headerVersion,
		Number:    v.number,
		Timestamp: now(),
		Algorithm: v.config.Checksum,
		Codec:     v.config.Codec,
		BlockSize: v.config.BlockSize,
		ID:        id,
	}
	buf, err := hdr.encode()
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(buf, 0); err != nil {
		return ioError("write volume header", err)
	}
	if err := file.Sync(); err != nil {
		return ioError("sync volume header", err)
	}
	v.log.Info("volume created", "id", id, "codec", hdr.Codec, "checksum", AlgorithmName(hdr.Algorithm))
	return nil
}

// load reads and checks the header and builds the framer from it.
func (v *Volume[H, F]) load(id uuid.UUID) error {
	hdr, err := readHeader(v.reader)
	if err != nil {
		return fmt.Errorf("%s: %w", v.file, err)
	}
	if id != uuid.Nil && hdr.ID != id {
		return fmt.Errorf("%w: %s belongs to storage %s, expected %s", ErrCorruptHeader, v.file, hdr.ID, id)
	}
	if hdr.Number != v.number {
		return fmt.Errorf("%w: %s claims to be volume %d", ErrCorruptHeader, v.file, hdr.Number)
	}
	framer, err := NewFramer[H, F](FramerOptions{
		Codec:     hdr.Codec,
		Checksum:  hdr.Algorithm,
		BlockSize: hdr.BlockSize,
		Sync:      v.config.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptHeader, v.file, err)
	}
	v.header = hdr
	v.framer = framer
	return nil
}

// handle returns the file whose size is authoritative.
func (v *Volume[H, F]) handle() *os.File {
	if v.writer != nil {
		return v.writer
	}
	return v.reader
}

// end returns the readable limit. A read-only volume re-stats so that it
// sees bins committed through another handle.
func (v *Volume[H, F]) end() int64 {
	if v.writer != nil {
		return v.tail
	}
	if info, err := v.reader.Stat(); err == nil {
		return info.Size()
	}
	return v.tail
}

// Number returns the volume number.
func (v *Volume[H, F]) Number() int { return v.number }

// Name returns the volume's file name.
func (v *Volume[H, F]) Name() string { return v.file }

// Header returns a copy of the cached volume header.
func (v *Volume[H, F]) Header() VolumeHeader { return *v.header }

// Writable reports whether the volume accepts appends.
func (v *Volume[H, F]) Writable() bool { return v.writer != nil }

// Size returns the volume's size in bytes, header included.
func (v *Volume[H, F]) Size() int64 { return v.end() }

// Bins returns the number of committed bins. It is only tracked for
// writable volumes when Config.MaxVolumeBins is set.
func (v *Volume[H, F]) Bins() int { return v.bins }

// Framer returns the framer matching the volume header.
func (v *Volume[H, F]) Framer() *Framer[H, F] { return v.framer }

// Append writes n bytes of src starting at pos as one bin at the end of
// the volume.
func (v *Volume[H, F]) Append(src io.ReaderAt, pos, n int64, flags Flag) (BinInfo, error) {
	if v.closed {
		return BinInfo{}, ErrClosed
	}
	if v.writer == nil {
		return BinInfo{}, ErrReadOnly
	}
	if !v.dirty {
		if err := dirty(v.writer, true); err != nil {
			return BinInfo{}, ioError("set dirty flag", err)
		}
		if v.config.SyncWrites {
			if err := v.writer.Sync(); err != nil {
				return BinInfo{}, ioError("sync", err)
			}
		}
		v.dirty = true
		v.header.Error = 1
	}

	info, err := v.framer.WriteBin(v.writer, v.tail, src, pos, n, flags)
	if err != nil {
		// Drop the partial bin so that the cursor stays equal to the size
		if terr := v.writer.Truncate(v.tail); terr != nil {
			v.log.Warn("truncate after failed append", "offset", v.tail, "err", terr)
		}
		return BinInfo{}, err
	}
	v.tail += info.Framed
	v.bins++
	return info, nil
}

// Next returns a reader for the next live bin at the read cursor and moves
// the cursor past it. Deleted bins are skipped. It returns io.EOF at the
// end of the volume.
func (v *Volume[H, F]) Next() (*BinReader[H, F], error) {
	if v.closed {
		return nil, ErrClosed
	}
	v.drop()
	end := v.end()
	for {
		h, err := v.framer.ReadHeader(v.reader, v.pos, end)
		if err != nil {
			return nil, err
		}
		off := v.pos
		v.pos += v.framer.Framed(h)
		if err := h.Validate(); errors.Is(err, ErrNotFound) {
			continue
		}
		return v.framer.open(v.reader, off, h)
	}
}

// Read reads the logical payload of consecutive live bins as one stream.
// Bins are verified as they are consumed, so a damaged bin surfaces as
// ErrCorruptVolume once its last byte has been read. A bin that fails part
// way ends the stream: Read keeps returning the same error until Seek or
// Rewind moves the cursor.
func (v *Volume[H, F]) Read(p []byte) (int, error) {
	if v.closed {
		return 0, ErrClosed
	}
	if v.rerr != nil {
		return 0, v.rerr
	}
	for {
		if v.cur == nil {
			br, err := v.Next()
			if err != nil {
				return 0, err
			}
			v.cur = br
		}
		n, err := v.cur.Read(p)
		if err == io.EOF {
			v.cur = nil
			if n > 0 || len(p) == 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			v.drop()
			v.rerr = err
		}
		return n, err
	}
}

// drop abandons the bin Read was in the middle of.
func (v *Volume[H, F]) drop() {
	if v.cur != nil {
		v.cur.Close()
		v.cur = nil
	}
}

// Seek moves the read cursor to the bin at off.
func (v *Volume[H, F]) Seek(off int64) error {
	if v.closed {
		return ErrClosed
	}
	if off < HeaderSize || off > v.end() {
		return fmt.Errorf("%w: offset %d outside %s", ErrInvalidLocator, off, v.file)
	}
	v.drop()
	v.pos = off
	v.rerr = nil
	return nil
}

// Rewind moves the read cursor back to the first bin.
func (v *Volume[H, F]) Rewind() error {
	return v.Seek(HeaderSize)
}

// Position returns the read cursor.
func (v *Volume[H, F]) Position() int64 { return v.pos }

// Bin opens the bin at off for reading, independent of the read cursor.
func (v *Volume[H, F]) Bin(off int64) (*BinReader[H, F], error) {
	if v.closed {
		return nil, ErrClosed
	}
	return v.framer.ReadBin(v.reader, off, v.end())
}

// Stat describes the bin at off, deleted or not.
func (v *Volume[H, F]) Stat(off int64) (BinInfo, error) {
	if v.closed {
		return BinInfo{}, ErrClosed
	}
	return v.framer.Stat(v.reader, off, v.end())
}

// Delete flags the bin at off as deleted and returns it as it was.
func (v *Volume[H, F]) Delete(off int64) (BinInfo, error) {
	if v.closed {
		return BinInfo{}, ErrClosed
	}
	if v.writer == nil {
		return BinInfo{}, ErrReadOnly
	}
	return v.framer.MarkDeleted(v.writer, off, v.tail)
}

// Close releases the volume and clears the dirty flag. Close is
// idempotent.
func (v *Volume[H, F]) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	v.drop()

	var errs []error
	if v.writer != nil {
		if v.dirty {
			if err := dirty(v.writer, false); err != nil {
				errs = append(errs, ioError("clear dirty flag", err))
			}
			v.dirty = false
			v.header.Error = 0
		}
		if err := v.writer.Sync(); err != nil {
			errs = append(errs, ioError("sync", err))
		}
		if err := v.lock.Unlock(); err != nil {
			errs = append(errs, ioError("unlock", err))
		}
		// Drain in-flight lock calls before closing the fd (see lock.go)
		v.lock.setFile(nil)
		if err := v.writer.Close(); err != nil {
			errs = append(errs, ioError("close writer", err))
		}
	}
	if err := v.reader.Close(); err != nil {
		errs = append(errs, ioError("close reader", err))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// seal ends the write session of a volume that stays open for reading.
// The dirty flag is cleared and the writer handle and lock released; the
// read cursor, including a bin in progress, is kept.
func (v *Volume[H, F]) seal() error {
	if v.closed {
		return ErrClosed
	}
	if v.writer == nil {
		return nil
	}
	var errs []error
	if v.dirty {
		if err := dirty(v.writer, false); err != nil {
			errs = append(errs, ioError("clear dirty flag", err))
		}
		v.dirty = false
		v.header.Error = 0
	}
	if err := v.writer.Sync(); err != nil {
		errs = append(errs, ioError("sync", err))
	}
	if err := v.lock.Unlock(); err != nil {
		errs = append(errs, ioError("unlock", err))
	}
	v.lock.setFile(nil)
	if err := v.writer.Close(); err != nil {
		errs = append(errs, ioError("close writer", err))
	}
	v.writer = nil

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// abort closes the handles of a volume that failed to open, leaving the
// dirty flag as it is.
func (v *Volume[H, F]) abort() {
	v.closed = true
	if v.writer != nil {
		v.lock.setFile(nil)
		v.writer.Close()
	}
	v.reader.Close()
}
