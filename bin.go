// Standard bin header and footer.
//
// These are the record shapes every Storage uses. Framer is generic over
// the shapes, so alternative layouts can be plugged in for tests or other
// tools, but the on-disk format of a Storage is always this one:
//
//	header (14 bytes, little-endian)
//	  0  magic    0x42
//	  1  flags    bit0 deleted, bit1 compressed
//	  2  size     uint32 logical payload bytes
//	  6  stored   uint32 payload bytes on disk
//	  10 reserved uint32, zero
//
//	footer (9 bytes, little-endian)
//	  0  checksum uint64 over the logical payload
//	  8  magic    0x46
//
// A header of all zero bytes is a placeholder that was never committed.
package blobvol

import (
	"encoding/binary"
	"fmt"
)

// Flag is the bin flag byte.
type Flag uint8

const (
	FlagDeleted    Flag = 1 << iota // Tombstoned; skipped by readers
	FlagCompressed                  // Payload is a run of codec blocks
)

const (
	BinHeaderSize = 14
	BinFooterSize = 9

	binHeaderMagic = 0x42
	binFooterMagic = 0x46
)

// BinHeader is the standard bin header.
type BinHeader struct {
	magic  uint8
	flags  Flag
	size   uint32
	stored uint32
}

func (BinHeader) Init(size, stored int64, flags Flag) BinHeader {
	return BinHeader{magic: binHeaderMagic, flags: flags, size: uint32(size), stored: uint32(stored)}
}

func (h BinHeader) Size() int64   { return int64(h.size) }
func (h BinHeader) Stored() int64 { return int64(h.stored) }
func (h BinHeader) Flags() Flag   { return h.flags }
func (BinHeader) Len() int        { return BinHeaderSize }

// Validate reports a deleted bin as ErrNotFound and a bad magic byte as
// ErrCorruptVolume.
func (h BinHeader) Validate() error {
	if h.magic != binHeaderMagic {
		return fmt.Errorf("%w: bad bin header magic 0x%02x", ErrCorruptVolume, h.magic)
	}
	if h.flags&FlagDeleted != 0 {
		return ErrNotFound
	}
	return nil
}

func (h BinHeader) Encode() []byte {
	b := make([]byte, BinHeaderSize)
	b[0] = h.magic
	b[1] = byte(h.flags)
	binary.LittleEndian.PutUint32(b[2:], h.size)
	binary.LittleEndian.PutUint32(b[6:], h.stored)
	return b
}

func (BinHeader) Decode(b []byte) (BinHeader, error) {
	if len(b) < BinHeaderSize {
		return BinHeader{}, fmt.Errorf("%w: short bin header (%d bytes)", ErrCorruptVolume, len(b))
	}
	if r := binary.LittleEndian.Uint32(b[10:]); r != 0 {
		return BinHeader{}, fmt.Errorf("%w: reserved bin header bytes set (%08x)", ErrCorruptVolume, r)
	}
	if Flag(b[1])&^(FlagDeleted|FlagCompressed) != 0 {
		return BinHeader{}, fmt.Errorf("%w: unknown bin flags 0x%02x", ErrCorruptVolume, b[1])
	}
	return BinHeader{
		magic:  b[0],
		flags:  Flag(b[1]),
		size:   binary.LittleEndian.Uint32(b[2:]),
		stored: binary.LittleEndian.Uint32(b[6:]),
	}, nil
}

// BinFooter is the standard bin footer.
type BinFooter struct {
	checksum uint64
	magic    uint8
}

func (BinFooter) Init(checksum uint64) BinFooter {
	return BinFooter{checksum: checksum, magic: binFooterMagic}
}

func (f BinFooter) Checksum() uint64 { return f.checksum }
func (BinFooter) Len() int           { return BinFooterSize }

// Validate compares the stored checksum with one recomputed by the reader.
func (f BinFooter) Validate(checksum uint64) error {
	if f.magic != binFooterMagic {
		return fmt.Errorf("%w: bad bin footer magic 0x%02x", ErrCorruptVolume, f.magic)
	}
	if f.checksum != checksum {
		return fmt.Errorf("%w: checksum mismatch: stored %016x, computed %016x", ErrCorruptVolume, f.checksum, checksum)
	}
	return nil
}

func (f BinFooter) Encode() []byte {
	b := make([]byte, BinFooterSize)
	binary.LittleEndian.PutUint64(b, f.checksum)
	b[8] = f.magic
	return b
}

func (BinFooter) Decode(b []byte) (BinFooter, error) {
	if len(b) < BinFooterSize {
		return BinFooter{}, fmt.Errorf("%w: short bin footer (%d bytes)", ErrCorruptVolume, len(b))
	}
	return BinFooter{checksum: binary.LittleEndian.Uint64(b), magic: b[8]}, nil
}
