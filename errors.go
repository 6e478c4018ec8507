// Package blobvol provides an append-only, multi-volume binary store for
// large raw payloads (attachments, images, PDFs, arbitrary blobs) that live
// next to a search index rather than inside it.
//
// A storage is a set of numbered volume files. Each volume starts with a
// fixed 128-byte header and is followed by a sequence of bins. A bin is a
// framed record: a fixed-size header declaring the payload length and flags,
// the payload itself (optionally as a run of independently compressed
// blocks), and a fixed-size footer holding a checksum over the logical
// payload bytes. Bins are never rewritten; deletion only flips a flag bit in
// the bin header.
//
// Writers commit a bin by writing its header last, so a bin interrupted by a
// crash or a forced close reads back as end-of-data rather than as a corrupt
// record. The write cursor of a volume is always the file's actual size, and
// a volume left dirty by an unclean shutdown has its torn tail truncated on
// the next writable open.
package blobvol

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Sentinel errors for programmatic handling. Callers can use errors.Is to
// distinguish the end of data (io.EOF) and deleted bins (ErrNotFound) from
// damage (ErrCorruptVolume, ErrCorruptHeader, ErrDecompress).
var (
	ErrIO             = errors.New("i/o error")
	ErrCorruptVolume  = errors.New("corrupt volume")
	ErrCorruptHeader  = errors.New("corrupt volume header")
	ErrNotFound       = errors.New("bin not found")
	ErrConfiguration  = errors.New("invalid configuration")
	ErrDecompress     = errors.New("decompression failed")
	ErrClosed         = errors.New("storage is closed")
	ErrReadOnly       = errors.New("storage is read-only")
	ErrLocked         = errors.New("volume is locked by another writer")
	ErrBinTooLarge    = errors.New("bin exceeds maximum size")
	ErrInvalidLocator = errors.New("invalid locator")
)

// ioError classifies a failed syscall. A file closed out from under an
// operation surfaces as ErrClosed so that callers can reopen and resume.
func ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %s: %w", ErrClosed, op, err)
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
