// Block stream tests.
//
// Compressor and Decompressor are the only code that touches payload
// bytes, so every storage-level guarantee (round trip, checksum, bounded
// memory) rests on them. The tests drive both directions directly over
// in-memory readers, with a small block size so that multi-block payloads
// stay cheap.
package blobvol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"runtime"
	"testing"

	"github.com/klauspost/compress/zstd"
)

const testBlock = 4096

var allCodecs = []CodecID{CodecNone, CodecLZ4, CodecZstd, CodecS2}

// compress runs data through a fresh Compressor and returns the stored form.
func compress(t *testing.T, codec CodecID, alg int, data []byte) ([]byte, uint64) {
	t.Helper()
	c, err := NewCompressor(codec, alg, testBlock)
	if err != nil {
		t.Fatalf("NewCompressor(%s): %v", codec, err)
	}
	c.Reset(bytes.NewReader(data), 0, int64(len(data)))
	var out []byte
	for b, err := range c.Blocks() {
		if err != nil {
			t.Fatalf("compress %s: %v", codec, err)
		}
		out = append(out, b...)
	}
	if c.Consumed() != int64(len(data)) {
		t.Errorf("%s: consumed %d, want %d", codec, c.Consumed(), len(data))
	}
	if c.Produced() != int64(len(out)) {
		t.Errorf("%s: produced %d, emitted %d", codec, c.Produced(), len(out))
	}
	return out, c.Digest()
}

// expand runs stored bytes through a fresh Decompressor.
func expand(codec CodecID, alg int, stored []byte) ([]byte, uint64, error) {
	d, err := NewDecompressor(codec, alg, testBlock)
	if err != nil {
		return nil, 0, err
	}
	d.Reset(bytes.NewReader(stored), 0, int64(len(stored)))
	var out []byte
	for {
		b, err := d.Next()
		if err == io.EOF {
			return out, d.Digest(), nil
		}
		if err != nil {
			return out, 0, err
		}
		if len(b) > testBlock {
			return out, 0, errors.New("block larger than block size")
		}
		out = append(out, b...)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 100, testBlock - 1, testBlock, testBlock + 1, 3*testBlock + 17}
	inputs := map[string]func(n int) []byte{
		"random": func(n int) []byte { return randomBytes(int64(n), n) },
		"text":   compressible,
	}
	for _, codec := range allCodecs {
		for kind, gen := range inputs {
			for _, n := range sizes {
				data := gen(n)
				stored, wsum := compress(t, codec, AlgXXHash3, data)
				got, rsum, err := expand(codec, AlgXXHash3, stored)
				if err != nil {
					t.Fatalf("%s/%s/%d: expand: %v", codec, kind, n, err)
				}
				if !bytes.Equal(got, data) {
					t.Fatalf("%s/%s/%d: round trip mismatch (%d bytes back)", codec, kind, n, len(got))
				}
				if wsum != rsum {
					t.Errorf("%s/%s/%d: digest %016x on write, %016x on read", codec, kind, n, wsum, rsum)
				}
				if want, _ := Checksum(data, AlgXXHash3); wsum != want {
					t.Errorf("%s/%s/%d: digest %016x, want %016x", codec, kind, n, wsum, want)
				}
			}
		}
	}
}

// TestStreamShrinksText checks that the codecs actually compress: a stream
// that silently stored everything raw would still round-trip.
func TestStreamShrinksText(t *testing.T) {
	data := compressible(10 * testBlock)
	for _, codec := range allCodecs[1:] {
		stored, _ := compress(t, codec, AlgXXHash3, data)
		if len(stored) >= len(data)/2 {
			t.Errorf("%s: %d bytes stored for %d of text", codec, len(stored), len(data))
		}
	}
}

// TestStreamRawBlocks checks that incompressible input costs exactly the
// frame overhead and no more.
func TestStreamRawBlocks(t *testing.T) {
	data := randomBytes(7, 3*testBlock)
	for _, codec := range allCodecs[1:] {
		stored, _ := compress(t, codec, AlgXXHash3, data)
		if want := len(data) + 3*frameSize; len(stored) != want {
			t.Errorf("%s: %d bytes stored, want %d", codec, len(stored), want)
		}
	}
}

// TestStreamSinglePass: a drained stream stays drained until Reset, and a
// Reset replays the same range with the same digest.
func TestStreamSinglePass(t *testing.T) {
	data := compressible(2*testBlock + 5)
	c, err := NewCompressor(CodecLZ4, AlgXXHash3, testBlock)
	if err != nil {
		t.Fatal(err)
	}
	src := bytes.NewReader(data)

	c.Reset(src, 0, int64(len(data)))
	n := 0
	for _, err := range c.Blocks() {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 3 {
		t.Errorf("first pass yielded %d blocks, want 3", n)
	}
	first := c.Digest()

	for range c.Blocks() {
		t.Fatal("drained stream yielded a block")
	}
	if _, err := c.Next(); err != io.EOF {
		t.Errorf("Next after drain = %v, want io.EOF", err)
	}

	c.Reset(src, 0, int64(len(data)))
	for _, err := range c.Blocks() {
		if err != nil {
			t.Fatal(err)
		}
	}
	if c.Digest() != first {
		t.Errorf("replay digest %016x, first %016x", c.Digest(), first)
	}
}

// TestStreamResetRanges is how WriteFile splits a large file: one
// Compressor reset over consecutive ranges of the same source.
func TestStreamResetRanges(t *testing.T) {
	data := randomBytes(3, 10000)
	c, err := NewCompressor(CodecS2, AlgFNV1a, testBlock)
	if err != nil {
		t.Fatal(err)
	}
	src := bytes.NewReader(data)
	for pos := 0; pos < len(data); pos += 3000 {
		end := min(pos+3000, len(data))
		c.Reset(src, int64(pos), int64(end-pos))
		for _, err := range c.Blocks() {
			if err != nil {
				t.Fatal(err)
			}
		}
		want, _ := Checksum(data[pos:end], AlgFNV1a)
		if c.Digest() != want {
			t.Errorf("range %d-%d: digest %016x, want %016x", pos, end, c.Digest(), want)
		}
		if c.Consumed() != int64(end-pos) {
			t.Errorf("range %d-%d: consumed %d", pos, end, c.Consumed())
		}
	}
}

func frame(raw bool, n int) []byte {
	v := uint32(n)
	if raw {
		v |= frameRaw
	}
	return binary.LittleEndian.AppendUint32(nil, v)
}

// TestDecompressMalformed feeds hand-built frames that a Compressor never
// produces. Each must fail with ErrDecompress rather than returning bytes
// or allocating past the block size.
func TestDecompressMalformed(t *testing.T) {
	good, _ := compress(t, CodecLZ4, AlgXXHash3, compressible(testBlock))
	big := zstdEncoder.EncodeAll(compressible(2*testBlock), nil)

	tests := []struct {
		name   string
		codec  CodecID
		stored []byte
	}{
		{"truncated block", CodecLZ4, good[:len(good)-1]},
		{"truncated frame", CodecLZ4, good[:2]},
		{"empty frame", CodecLZ4, append(frame(false, 0), 1, 2, 3)},
		{"overlong frame", CodecLZ4, append(frame(false, 1000), make([]byte, 10)...)},
		{"raw block over block size", CodecLZ4, append(frame(true, testBlock+1), make([]byte, testBlock+1)...)},
		{"lz4 garbage", CodecLZ4, append(frame(false, 8), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)},
		{"zstd garbage", CodecZstd, append(frame(false, 4), 1, 2, 3, 4)},
		{"zstd expands past block", CodecZstd, append(frame(false, len(big)), big...)},
		{"s2 garbage", CodecS2, append(frame(false, 3), 0xff, 0xff, 0xff)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := expand(tt.codec, AlgXXHash3, tt.stored)
			if !errors.Is(err, ErrDecompress) {
				t.Errorf("got %v, want ErrDecompress", err)
			}
		})
	}
}

// TestZstdDeclaredSize: every frame the zstd codec writes declares its
// content size, and decode refuses a frame declaring more than the
// destination holds before any output buffer is grown.
func TestZstdDeclaredSize(t *testing.T) {
	for _, n := range []int{1, 100, 255, 256, testBlock} {
		var h zstd.Header
		if err := h.Decode(zstdEncoder.EncodeAll(compressible(n), nil)); err != nil {
			t.Fatalf("%d bytes: %v", n, err)
		}
		if !h.HasFCS || h.FrameContentSize != uint64(n) {
			t.Errorf("%d bytes: HasFCS=%v size=%d", n, h.HasFCS, h.FrameContentSize)
		}
	}

	big := zstdEncoder.EncodeAll(compressible(1<<20), nil)
	dst := make([]byte, 0, testBlock)
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	for range 10 {
		if _, err := (zstdCodec{}).decode(dst, big); err == nil {
			t.Fatal("decode accepted a frame larger than dst")
		}
	}
	runtime.ReadMemStats(&after)
	if grew := after.TotalAlloc - before.TotalAlloc; grew > testBlock {
		t.Errorf("rejecting oversized frames allocated %d bytes", grew)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithSingleSegment(false))
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	if _, err := (zstdCodec{}).decode(dst, enc.EncodeAll(compressible(100), nil)); err == nil {
		t.Error("decode accepted a frame without a content size")
	}
}

// shortReader claims a range it cannot deliver.
type shortReader struct{ data []byte }

func (r shortReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func TestStreamShortSource(t *testing.T) {
	c, err := NewCompressor(CodecNone, AlgXXHash3, testBlock)
	if err != nil {
		t.Fatal(err)
	}
	c.Reset(shortReader{make([]byte, 10)}, 0, 20)
	_, err = c.Next()
	if !errors.Is(err, ErrIO) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want ErrIO wrapping io.ErrUnexpectedEOF", err)
	}
	// A failed stream is over until Reset
	if _, err := c.Next(); err != io.EOF {
		t.Errorf("Next after failure = %v, want io.EOF", err)
	}
}

func TestNewStreamBadArgs(t *testing.T) {
	tests := []struct {
		name  string
		codec CodecID
		alg   int
		bs    int
	}{
		{"unknown codec", CodecID(42), AlgXXHash3, 0},
		{"unknown checksum", CodecLZ4, 0, 0},
		{"negative block", CodecLZ4, AlgXXHash3, -1},
		{"huge block", CodecLZ4, AlgXXHash3, MaxBlockSize + 1},
	}
	for _, tt := range tests {
		if _, err := NewCompressor(tt.codec, tt.alg, tt.bs); !errors.Is(err, ErrConfiguration) {
			t.Errorf("%s: NewCompressor error = %v, want ErrConfiguration", tt.name, err)
		}
		if _, err := NewDecompressor(tt.codec, tt.alg, tt.bs); !errors.Is(err, ErrConfiguration) {
			t.Errorf("%s: NewDecompressor error = %v, want ErrConfiguration", tt.name, err)
		}
	}
}

func TestParseCodec(t *testing.T) {
	for _, c := range allCodecs {
		got, err := ParseCodec(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCodec(%q) = %v, %v", c.String(), got, err)
		}
	}
	if _, err := ParseCodec("brotli"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("ParseCodec(brotli) error = %v, want ErrConfiguration", err)
	}
}
