// Block streams.
//
// Compressor and Decompressor turn a byte range of an io.ReaderAt into a
// lazy, finite, single-pass sequence of blocks while keeping a running
// digest over the logical bytes. Neither ever holds more than one block of
// input and one block of output, so memory use is independent of the
// payload size.
//
// A stream is bound to a range with Reset and then drained with Next (or
// Blocks, the range-over-func form). Once drained it yields io.EOF until the
// next Reset. Reset is how one instance serves many bins: a large file is
// split by resetting the same Compressor to successive ranges of it.
//
// Compressed wire format, repeated until the range is consumed:
//
//	[uint32 LE frame][frame&0x7fffffff bytes]
//
// Bit 31 of the frame marks a raw block, stored verbatim because the codec
// could not shrink it. Without a codec the range is passed through as
// BlockSize chunks with no framing at all.
package blobvol

import (
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"iter"
)

const (
	DefaultBlockSize = 64 * 1024       // Logical bytes per block
	MaxBlockSize     = 4 * 1024 * 1024 // Upper bound for Config.BlockSize

	frameSize = 4
	frameRaw  = 1 << 31
)

// stream is the state shared by both directions.
type stream struct {
	id     CodecID
	codec  blockCodec
	alg    int
	hash   hash.Hash64
	bs     int
	src    io.ReaderAt
	pos    int64
	remain int64
	in     []byte
	out    []byte

	consumed int64 // logical bytes
	produced int64 // stored bytes
	done     bool
}

func newStream(id CodecID, alg, blockSize int) (stream, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 0 || blockSize > MaxBlockSize {
		return stream{}, fmt.Errorf("%w: block size %d out of range", ErrConfiguration, blockSize)
	}
	codec, err := newBlockCodec(id)
	if err != nil {
		return stream{}, err
	}
	h, err := digest(alg)
	if err != nil {
		return stream{}, err
	}
	return stream{id: id, codec: codec, alg: alg, hash: h, bs: blockSize, done: true}, nil
}

// Reset binds the stream to n bytes of src starting at pos and clears the
// digest and counters.
func (s *stream) Reset(src io.ReaderAt, pos, n int64) {
	s.src = src
	s.pos = pos
	s.remain = n
	s.hash.Reset()
	s.consumed = 0
	s.produced = 0
	s.done = false
}

// Digest returns the digest of the logical bytes seen since Reset. It is
// only meaningful once the stream has returned io.EOF.
func (s *stream) Digest() uint64 { return s.hash.Sum64() }

// Consumed returns the logical bytes processed since Reset.
func (s *stream) Consumed() int64 { return s.consumed }

// Produced returns the stored bytes processed since Reset.
func (s *stream) Produced() int64 { return s.produced }

// Codec returns the codec the stream was built with.
func (s *stream) Codec() CodecID { return s.id }

// BlockSize returns the logical block size.
func (s *stream) BlockSize() int { return s.bs }

// fill reads exactly len(p) bytes at the stream position.
func (s *stream) fill(p []byte) error {
	n, err := s.src.ReadAt(p, s.pos)
	if n < len(p) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return ioError("read block", err)
	}
	s.pos += int64(n)
	s.remain -= int64(n)
	return nil
}

// fail ends the pass; a stream that has returned an error yields io.EOF
// until it is Reset.
func (s *stream) fail(err error) ([]byte, error) {
	s.done = true
	return nil, err
}

// Compressor encodes logical bytes into stored blocks.
type Compressor struct {
	stream
}

// NewCompressor returns a Compressor for codec and checksum algorithm alg.
// A zero blockSize selects DefaultBlockSize. The stream is empty until Reset.
func NewCompressor(codec CodecID, alg, blockSize int) (*Compressor, error) {
	s, err := newStream(codec, alg, blockSize)
	if err != nil {
		return nil, err
	}
	s.in = make([]byte, s.bs)
	if s.codec != nil {
		s.out = make([]byte, frameSize+s.codec.bound(s.bs))
	}
	return &Compressor{s}, nil
}

// Next reads up to BlockSize logical bytes and returns their stored form,
// frame included. The slice is valid until the next call.
func (c *Compressor) Next() ([]byte, error) {
	if c.done || c.remain == 0 {
		c.done = true
		return nil, io.EOF
	}
	buf := c.in[:min(int64(c.bs), c.remain)]
	if err := c.fill(buf); err != nil {
		return c.fail(err)
	}
	c.hash.Write(buf)
	c.consumed += int64(len(buf))

	if c.codec == nil {
		c.produced += int64(len(buf))
		return buf, nil
	}

	enc, err := c.codec.encode(c.out[frameSize:frameSize], buf)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %s: %w", ErrIO, c.id, err))
	}
	var frame []byte
	if len(enc) == 0 || len(enc) >= len(buf) {
		frame = append(c.out[:frameSize], buf...)
		binary.LittleEndian.PutUint32(frame, frameRaw|uint32(len(buf)))
	} else {
		frame = append(c.out[:frameSize], enc...)
		binary.LittleEndian.PutUint32(frame, uint32(len(enc)))
	}
	c.out = frame[:cap(frame)]
	c.produced += int64(len(frame))
	return frame, nil
}

// Blocks returns the remaining blocks as a range-over-func sequence. It is
// single-pass: ranging twice without a Reset yields nothing the second time.
func (c *Compressor) Blocks() iter.Seq2[[]byte, error] {
	return blocks(c.Next)
}

// Decompressor expands stored blocks back into logical bytes.
type Decompressor struct {
	stream
}

// NewDecompressor is the reading counterpart of NewCompressor. Its
// arguments must match those the data was written with.
func NewDecompressor(codec CodecID, alg, blockSize int) (*Decompressor, error) {
	s, err := newStream(codec, alg, blockSize)
	if err != nil {
		return nil, err
	}
	s.out = make([]byte, s.bs)
	if s.codec != nil {
		s.in = make([]byte, max(s.bs, s.codec.bound(s.bs)))
	}
	return &Decompressor{s}, nil
}

// Next returns the next block of logical bytes. The slice is valid until
// the next call.
func (d *Decompressor) Next() ([]byte, error) {
	if d.done || d.remain == 0 {
		d.done = true
		return nil, io.EOF
	}

	if d.codec == nil {
		buf := d.out[:min(int64(d.bs), d.remain)]
		if err := d.fill(buf); err != nil {
			return d.fail(err)
		}
		d.hash.Write(buf)
		d.consumed += int64(len(buf))
		d.produced += int64(len(buf))
		return buf, nil
	}

	if d.remain < frameSize {
		return d.fail(fmt.Errorf("%w: truncated block frame (%d bytes left)", ErrDecompress, d.remain))
	}
	hdr := d.in[:frameSize]
	if err := d.fill(hdr); err != nil {
		return d.fail(err)
	}
	v := binary.LittleEndian.Uint32(hdr)
	raw := v&frameRaw != 0
	n := int64(v &^ frameRaw)
	switch {
	case n == 0:
		return d.fail(fmt.Errorf("%w: empty block", ErrDecompress))
	case n > d.remain:
		return d.fail(fmt.Errorf("%w: block of %d bytes overruns range (%d left)", ErrDecompress, n, d.remain))
	case raw && n > int64(d.bs):
		return d.fail(fmt.Errorf("%w: raw block of %d bytes exceeds block size %d", ErrDecompress, n, d.bs))
	case n > int64(len(d.in)):
		return d.fail(fmt.Errorf("%w: block of %d bytes exceeds bound %d", ErrDecompress, n, len(d.in)))
	}
	src := d.in[:n]
	if err := d.fill(src); err != nil {
		return d.fail(err)
	}

	block := src
	if !raw {
		var err error
		block, err = d.codec.decode(d.out[:0], src)
		if err != nil {
			return d.fail(fmt.Errorf("%w: %s: %w", ErrDecompress, d.id, err))
		}
		if len(block) == 0 || len(block) > d.bs {
			return d.fail(fmt.Errorf("%w: %s: block expands to %d bytes", ErrDecompress, d.id, len(block)))
		}
	}
	d.hash.Write(block)
	d.consumed += int64(len(block))
	d.produced += frameSize + n
	return block, nil
}

// Blocks returns the remaining blocks as a range-over-func sequence.
func (d *Decompressor) Blocks() iter.Seq2[[]byte, error] {
	return blocks(d.Next)
}

func blocks(next func() ([]byte, error)) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			b, err := next()
			if err == io.EOF {
				return
			}
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}
