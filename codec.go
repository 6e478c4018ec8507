// Block codecs for compressed bins.
//
// A compressed bin stores its payload as a run of blocks, each holding at
// most BlockSize logical bytes compressed independently of its neighbours.
// Independence keeps memory bounded by one block on both sides and lets a
// reader fail on the first damaged block without buffering the rest.
//
// LZ4 is the default for its decode speed. Zstd and S2 are offered for
// volumes that favour ratio (zstd) or a middle ground (s2).
package blobvol

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CodecID selects the block codec for compressed bins. It is recorded in
// the volume header.
type CodecID int

// Codec constants. The zero value means "not set" in Config and is replaced
// by CodecLZ4; inside a volume header it means bins are never compressed.
const (
	CodecNone CodecID = iota
	CodecLZ4
	CodecZstd
	CodecS2
)

func (c CodecID) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	case CodecS2:
		return "s2"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// ParseCodec is the inverse of CodecID.String.
func ParseCodec(name string) (CodecID, error) {
	switch strings.ToLower(name) {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	case "s2":
		return CodecS2, nil
	default:
		return 0, fmt.Errorf("%w: unknown codec %q", ErrConfiguration, name)
	}
}

// Shared zstd encoder/decoder, both documented as safe for concurrent use.
// Construction is expensive (internal state tables), so one of each is
// built at init rather than per stream. The decoder memory cap keeps a
// hostile frame from inflating past the largest block.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithSingleSegment(true))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBlockSize))
)

// blockCodec compresses and expands single blocks. encode may return
// output at least as long as src; the stream then stores the block raw.
// decode must not grow dst beyond its capacity.
type blockCodec interface {
	bound(n int) int
	encode(dst, src []byte) ([]byte, error)
	decode(dst, src []byte) ([]byte, error)
}

// newBlockCodec returns nil for CodecNone: plain bins carry no block frames.
func newBlockCodec(id CodecID) (blockCodec, error) {
	switch id {
	case CodecNone:
		return nil, nil
	case CodecLZ4:
		return &lz4Codec{}, nil
	case CodecZstd:
		return zstdCodec{}, nil
	case CodecS2:
		return s2Codec{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrConfiguration, int(id))
	}
}

// lz4Codec holds its own Compressor (hash table scratch) and is therefore
// owned by a single stream.
type lz4Codec struct {
	c lz4.Compressor
}

func (*lz4Codec) bound(n int) int {
	return lz4.CompressBlockBound(n)
}

func (l *lz4Codec) encode(dst, src []byte) ([]byte, error) {
	n, err := l.c.CompressBlock(src, dst[:cap(dst)])
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func (*lz4Codec) decode(dst, src []byte) ([]byte, error) {
	n, err := lz4.UncompressBlock(src, dst[:cap(dst)])
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

type zstdCodec struct{}

func (zstdCodec) bound(n int) int {
	return n + n/128 + 64
}

func (zstdCodec) encode(dst, src []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(src, dst[:0]), nil
}

// decode checks the frame's declared content size against cap(dst) before
// decoding, so an oversized frame is rejected without allocating. Single
// segment frames always record the size; a frame without one did not come
// from encode.
func (zstdCodec) decode(dst, src []byte) ([]byte, error) {
	var h zstd.Header
	if err := h.Decode(src); err != nil {
		return nil, err
	}
	if h.Skippable || !h.HasFCS {
		return nil, fmt.Errorf("frame does not declare its content size")
	}
	if h.FrameContentSize > uint64(cap(dst)) {
		return nil, fmt.Errorf("frame declares %d bytes, limit %d", h.FrameContentSize, cap(dst))
	}
	out, err := zstdDecoder.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, err
	}
	if len(out) > cap(dst) {
		return nil, fmt.Errorf("block expands to %d bytes, limit %d", len(out), cap(dst))
	}
	return out, nil
}

type s2Codec struct{}

func (s2Codec) bound(n int) int {
	return s2.MaxEncodedLen(n)
}

func (s2Codec) encode(dst, src []byte) ([]byte, error) {
	return s2.Encode(dst[:cap(dst)], src), nil
}

func (s2Codec) decode(dst, src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > cap(dst) {
		return nil, fmt.Errorf("block expands to %d bytes, limit %d", n, cap(dst))
	}
	return s2.Decode(dst[:cap(dst)], src)
}
