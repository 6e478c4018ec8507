// Bin framing.
//
// A Framer writes and reads bins made of a header, a payload and a footer.
// It is generic over the header and footer types so that the shape
// contract is checked by the compiler: any type used as H must provide the
// HeaderShape methods and any type used as F the FooterShape methods.
// NewFramer then probes the concrete types once at runtime for the
// properties the compiler cannot see (fixed encoded length, lossless
// round trip, zero-free committed headers) and rejects the pair up front
// with ErrConfiguration.
//
// Commit order is payload, footer, header. The header slot is zero-filled
// while the bin is in flight, and readers treat an all-zero header as the
// end of the volume. A crash or forced close at any point before the final
// header write therefore leaves nothing a reader can mistake for a bin.
package blobvol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// HeaderShape is the contract for bin header types. Init must produce a
// value without reading its receiver, so that it can be called on the zero
// value of H.
type HeaderShape[H any] interface {
	Init(size, stored int64, flags Flag) H
	Size() int64
	Stored() int64
	Flags() Flag
	Validate() error
	Len() int
	Encode() []byte
	Decode(b []byte) (H, error)
}

// FooterShape is the contract for bin footer types.
type FooterShape[F any] interface {
	Init(checksum uint64) F
	Checksum() uint64
	Validate(checksum uint64) error
	Len() int
	Encode() []byte
	Decode(b []byte) (F, error)
}

// FramerOptions fixes the payload encoding of every bin a Framer handles.
type FramerOptions struct {
	Codec     CodecID // Codec for bins flagged FlagCompressed; CodecNone disables them
	Checksum  int     // Footer digest algorithm
	BlockSize int     // Logical bytes per block
	Sync      bool    // fsync before and after the header commit
}

// BinInfo describes one bin.
type BinInfo struct {
	Offset   int64  // Byte offset of the header
	Size     int64  // Logical payload bytes
	Stored   int64  // Payload bytes on disk
	Framed   int64  // Header + payload + footer
	Flags    Flag   // Header flags
	Checksum uint64 // Footer digest; zero when not read
}

// Deleted reports whether the bin is tombstoned.
func (b BinInfo) Deleted() bool { return b.Flags&FlagDeleted != 0 }

// Compressed reports whether the payload is a run of codec blocks.
func (b BinInfo) Compressed() bool { return b.Flags&FlagCompressed != 0 }

// Framer reads and writes bins of header type H and footer type F.
// Writing is not safe for concurrent use; reading is.
type Framer[H HeaderShape[H], F FooterShape[F]] struct {
	opts  FramerOptions
	hlen  int
	flen  int
	zero  []byte
	plain *Compressor
	codec *Compressor
	bw    *bufio.Writer

	plainPool sync.Pool
	codecPool sync.Pool
}

// NewFramer validates the shape of H and F and the options.
func NewFramer[H HeaderShape[H], F FooterShape[F]](opts FramerOptions) (*Framer[H, F], error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	hlen, flen, err := probe[H, F]()
	if err != nil {
		return nil, err
	}
	f := &Framer[H, F]{
		opts: opts,
		hlen: hlen,
		flen: flen,
		zero: make([]byte, hlen),
		bw:   bufio.NewWriterSize(nil, opts.BlockSize+frameSize),
	}
	if f.plain, err = NewCompressor(CodecNone, opts.Checksum, opts.BlockSize); err != nil {
		return nil, err
	}
	f.plainPool.New = func() any {
		d, _ := NewDecompressor(CodecNone, opts.Checksum, opts.BlockSize)
		return d
	}
	if opts.Codec != CodecNone {
		if f.codec, err = NewCompressor(opts.Codec, opts.Checksum, opts.BlockSize); err != nil {
			return nil, err
		}
		f.codecPool.New = func() any {
			d, _ := NewDecompressor(opts.Codec, opts.Checksum, opts.BlockSize)
			return d
		}
	}
	return f, nil
}

// probe exercises H and F with boundary values. Types whose methods need
// a non-zero receiver (nil pointers, for instance) panic here and are
// reported as configuration errors rather than crashing the caller later.
func probe[H HeaderShape[H], F FooterShape[F]]() (hlen, flen int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: bin shape: %v", ErrConfiguration, r)
		}
	}()

	var h H
	if hlen = h.Len(); hlen <= 0 {
		return 0, 0, fmt.Errorf("%w: header length %d", ErrConfiguration, hlen)
	}
	for _, p := range []struct {
		size, stored int64
		flags        Flag
	}{
		{0, 0, 0},
		{1, 1, 0},
		{12345, 678, FlagCompressed},
		{math.MaxUint32, math.MaxUint32, FlagCompressed},
	} {
		b := h.Init(p.size, p.stored, p.flags).Encode()
		if len(b) != hlen {
			return 0, 0, fmt.Errorf("%w: header encodes to %d bytes, declared %d", ErrConfiguration, len(b), hlen)
		}
		if allZero(b) {
			return 0, 0, fmt.Errorf("%w: committed header encodes as all zero", ErrConfiguration)
		}
		d, err := h.Decode(b)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: header decode: %w", ErrConfiguration, err)
		}
		if d.Size() != p.size || d.Stored() != p.stored || d.Flags() != p.flags {
			return 0, 0, fmt.Errorf("%w: header does not round-trip (%d,%d,%d)", ErrConfiguration, p.size, p.stored, p.flags)
		}
		if err := d.Validate(); err != nil {
			return 0, 0, fmt.Errorf("%w: header rejects its own encoding: %w", ErrConfiguration, err)
		}
	}
	del, err := h.Decode(h.Init(1, 1, FlagDeleted).Encode())
	if err != nil {
		return 0, 0, fmt.Errorf("%w: header decode: %w", ErrConfiguration, err)
	}
	if err := del.Validate(); !errors.Is(err, ErrNotFound) {
		return 0, 0, fmt.Errorf("%w: deleted header validates as %v", ErrConfiguration, err)
	}

	var f F
	if flen = f.Len(); flen <= 0 {
		return 0, 0, fmt.Errorf("%w: footer length %d", ErrConfiguration, flen)
	}
	for _, sum := range []uint64{0, 1, 0x0123456789abcdef, math.MaxUint64} {
		b := f.Init(sum).Encode()
		if len(b) != flen {
			return 0, 0, fmt.Errorf("%w: footer encodes to %d bytes, declared %d", ErrConfiguration, len(b), flen)
		}
		d, err := f.Decode(b)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: footer decode: %w", ErrConfiguration, err)
		}
		if d.Checksum() != sum {
			return 0, 0, fmt.Errorf("%w: footer does not round-trip %016x", ErrConfiguration, sum)
		}
		if err := d.Validate(sum); err != nil {
			return 0, 0, fmt.Errorf("%w: footer rejects its own checksum: %w", ErrConfiguration, err)
		}
		if err := d.Validate(^sum); !errors.Is(err, ErrCorruptVolume) {
			return 0, 0, fmt.Errorf("%w: footer accepts a wrong checksum", ErrConfiguration)
		}
	}
	return hlen, flen, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Options returns the options the framer was built with.
func (f *Framer[H, F]) Options() FramerOptions { return f.opts }

// Overhead returns the framing bytes added to every bin's payload.
func (f *Framer[H, F]) Overhead() int64 { return int64(f.hlen + f.flen) }

// Framed returns the total on-disk length of the bin h describes.
func (f *Framer[H, F]) Framed(h H) int64 {
	return int64(f.hlen) + h.Stored() + int64(f.flen)
}

type syncer interface {
	Sync() error
}

// WriteBin writes n bytes of src starting at pos as one bin at off. Flags
// may include FlagCompressed when the framer has a codec. On error the
// bytes written past off are garbage the caller must discard; the header
// slot is never committed.
func (f *Framer[H, F]) WriteBin(w io.WriterAt, off int64, src io.ReaderAt, pos, n int64, flags Flag) (BinInfo, error) {
	if n < 0 || n > math.MaxUint32 {
		return BinInfo{}, fmt.Errorf("%w: %d bytes", ErrBinTooLarge, n)
	}
	c := f.plain
	if flags&FlagCompressed != 0 {
		if f.codec == nil {
			return BinInfo{}, fmt.Errorf("%w: compressed bin without a codec", ErrConfiguration)
		}
		c = f.codec
	}
	flags &^= FlagDeleted

	ow := io.NewOffsetWriter(w, off)
	f.bw.Reset(ow)
	if _, err := f.bw.Write(f.zero); err != nil {
		return BinInfo{}, ioError("write bin header", err)
	}
	c.Reset(src, pos, n)
	for b, err := range c.Blocks() {
		if err != nil {
			return BinInfo{}, err
		}
		if _, err := f.bw.Write(b); err != nil {
			return BinInfo{}, ioError("write bin payload", err)
		}
	}
	if c.Consumed() != n {
		return BinInfo{}, fmt.Errorf("%w: short source (%d of %d bytes)", ErrIO, c.Consumed(), n)
	}
	stored := c.Produced()
	if stored > math.MaxUint32 {
		return BinInfo{}, fmt.Errorf("%w: %d stored bytes", ErrBinTooLarge, stored)
	}
	sum := c.Digest()
	var foot F
	if _, err := f.bw.Write(foot.Init(sum).Encode()); err != nil {
		return BinInfo{}, ioError("write bin footer", err)
	}
	if err := f.bw.Flush(); err != nil {
		return BinInfo{}, ioError("write bin", err)
	}
	f.bw.Reset(nil)

	s, _ := w.(syncer)
	if f.opts.Sync && s != nil {
		if err := s.Sync(); err != nil {
			return BinInfo{}, ioError("sync", err)
		}
	}
	var head H
	if _, err := w.WriteAt(head.Init(n, stored, flags).Encode(), off); err != nil {
		return BinInfo{}, ioError("commit bin header", err)
	}
	if f.opts.Sync && s != nil {
		if err := s.Sync(); err != nil {
			return BinInfo{}, ioError("sync", err)
		}
	}
	return BinInfo{
		Offset:   off,
		Size:     n,
		Stored:   stored,
		Framed:   int64(f.hlen+f.flen) + stored,
		Flags:    flags,
		Checksum: sum,
	}, nil
}

// ReadHeader decodes the header at off without touching the payload. It
// returns io.EOF when no complete bin starts at off before end: too few
// bytes left for a header, a header that was never committed, or a bin
// whose declared length runs past end. Deleted bins are returned without
// error; call Validate to tell them apart.
func (f *Framer[H, F]) ReadHeader(r io.ReaderAt, off, end int64) (H, error) {
	var h H
	if end-off < int64(f.hlen) {
		return h, io.EOF
	}
	buf := make([]byte, f.hlen)
	if n, err := r.ReadAt(buf, off); n < len(buf) {
		if err == io.EOF {
			return h, io.EOF
		}
		return h, ioError("read bin header", err)
	}
	if allZero(buf) {
		return h, io.EOF
	}
	h, err := h.Decode(buf)
	if err != nil {
		return h, fmt.Errorf("%w: bin at %d: %w", ErrCorruptVolume, off, err)
	}
	if err := h.Validate(); err != nil && !errors.Is(err, ErrNotFound) {
		return h, fmt.Errorf("bin at %d: %w", off, err)
	}
	if h.Flags()&FlagCompressed == 0 && h.Stored() != h.Size() {
		return h, fmt.Errorf("%w: bin at %d: plain bin stores %d bytes for %d", ErrCorruptVolume, off, h.Stored(), h.Size())
	}
	if off+f.Framed(h) > end {
		return h, io.EOF
	}
	return h, nil
}

// Stat returns the header fields and footer checksum of the bin at off.
func (f *Framer[H, F]) Stat(r io.ReaderAt, off, end int64) (BinInfo, error) {
	h, err := f.ReadHeader(r, off, end)
	if err != nil {
		return BinInfo{}, err
	}
	info := f.info(off, h)
	buf := make([]byte, f.flen)
	if n, err := r.ReadAt(buf, off+int64(f.hlen)+h.Stored()); n < len(buf) {
		return info, ioError("read bin footer", err)
	}
	var foot F
	ft, err := foot.Decode(buf)
	if err != nil {
		return info, fmt.Errorf("%w: bin at %d: %w", ErrCorruptVolume, off, err)
	}
	info.Checksum = ft.Checksum()
	return info, nil
}

func (f *Framer[H, F]) info(off int64, h H) BinInfo {
	return BinInfo{
		Offset: off,
		Size:   h.Size(),
		Stored: h.Stored(),
		Framed: f.Framed(h),
		Flags:  h.Flags(),
	}
}

// ReadBin opens the bin at off for streaming. Besides the ReadHeader
// errors it returns ErrNotFound for a deleted bin.
func (f *Framer[H, F]) ReadBin(r io.ReaderAt, off, end int64) (*BinReader[H, F], error) {
	h, err := f.ReadHeader(r, off, end)
	if err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("bin at %d: %w", off, err)
	}
	return f.open(r, off, h)
}

func (f *Framer[H, F]) open(r io.ReaderAt, off int64, h H) (*BinReader[H, F], error) {
	pool := &f.plainPool
	if h.Flags()&FlagCompressed != 0 {
		if f.codec == nil {
			return nil, fmt.Errorf("%w: bin at %d is compressed but the volume has no codec", ErrCorruptVolume, off)
		}
		pool = &f.codecPool
	}
	d, _ := pool.Get().(*Decompressor)
	if d == nil {
		return nil, fmt.Errorf("%w: no decompressor", ErrConfiguration)
	}
	d.Reset(r, off+int64(f.hlen), h.Stored())
	return &BinReader[H, F]{f: f, r: r, off: off, h: h, d: d, pool: pool}, nil
}

// MarkDeleted sets FlagDeleted on the committed bin at off and returns
// the bin as it was. A bin that is already deleted reports ErrNotFound.
func (f *Framer[H, F]) MarkDeleted(rw interface {
	io.ReaderAt
	io.WriterAt
}, off, end int64) (BinInfo, error) {
	h, err := f.ReadHeader(rw, off, end)
	if err != nil {
		return BinInfo{}, err
	}
	if err := h.Validate(); err != nil {
		return BinInfo{}, fmt.Errorf("bin at %d: %w", off, err)
	}
	b := h.Init(h.Size(), h.Stored(), h.Flags()|FlagDeleted).Encode()
	if _, err := rw.WriteAt(b, off); err != nil {
		return BinInfo{}, ioError("mark deleted", err)
	}
	if s, ok := rw.(syncer); ok && f.opts.Sync {
		if err := s.Sync(); err != nil {
			return BinInfo{}, ioError("sync", err)
		}
	}
	return f.info(off, h), nil
}

// BinReader streams the logical payload of one bin. The footer checksum
// is verified when the payload is exhausted: the final Read returns
// ErrCorruptVolume instead of io.EOF if the bytes do not match.
type BinReader[H HeaderShape[H], F FooterShape[F]] struct {
	f    *Framer[H, F]
	r    io.ReaderAt
	off  int64
	h    H
	d    *Decompressor
	pool *sync.Pool
	buf  []byte
	err  error
}

// Header returns the decoded bin header.
func (b *BinReader[H, F]) Header() H { return b.h }

// Offset returns the bin's offset in the volume.
func (b *BinReader[H, F]) Offset() int64 { return b.off }

// Size returns the logical payload length.
func (b *BinReader[H, F]) Size() int64 { return b.h.Size() }

// Info returns the bin's header fields.
func (b *BinReader[H, F]) Info() BinInfo { return b.f.info(b.off, b.h) }

func (b *BinReader[H, F]) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for len(b.buf) == 0 {
		blk, err := b.d.Next()
		if err == io.EOF {
			b.stop(b.finish())
			return 0, b.err
		}
		if err != nil {
			if errors.Is(err, ErrDecompress) {
				err = fmt.Errorf("%w: bin at %d: %w", ErrCorruptVolume, b.off, err)
			}
			b.stop(err)
			return 0, b.err
		}
		if b.d.Consumed() > b.h.Size() {
			b.stop(fmt.Errorf("%w: bin at %d: payload exceeds declared %d bytes", ErrCorruptVolume, b.off, b.h.Size()))
			return 0, b.err
		}
		b.buf = blk
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// finish checks the logical length and the footer.
func (b *BinReader[H, F]) finish() error {
	if got := b.d.Consumed(); got != b.h.Size() {
		return fmt.Errorf("%w: bin at %d: payload has %d bytes, header declares %d", ErrCorruptVolume, b.off, got, b.h.Size())
	}
	buf := make([]byte, b.f.flen)
	if n, err := b.r.ReadAt(buf, b.off+int64(b.f.hlen)+b.h.Stored()); n < len(buf) {
		return ioError("read bin footer", err)
	}
	var foot F
	ft, err := foot.Decode(buf)
	if err != nil {
		return fmt.Errorf("%w: bin at %d: %w", ErrCorruptVolume, b.off, err)
	}
	if err := ft.Validate(b.d.Digest()); err != nil {
		return fmt.Errorf("bin at %d: %w", b.off, err)
	}
	return io.EOF
}

// stop records the terminal error and returns the decompressor.
func (b *BinReader[H, F]) stop(err error) {
	b.err = err
	b.buf = nil
	if b.d != nil {
		b.d.Reset(nil, 0, 0)
		b.pool.Put(b.d)
		b.d = nil
	}
}

// Close releases the reader. Reading a bin to io.EOF releases it too.
func (b *BinReader[H, F]) Close() error {
	if b.err == nil {
		b.stop(ErrClosed)
	}
	return nil
}
