package blobvol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestHeaderEncode(t *testing.T) {
	h := &VolumeHeader{
		Version:   headerVersion,
		Number:    12,
		Timestamp: 1706000000000,
		Algorithm: AlgBlake2b,
		Codec:     CodecZstd,
		BlockSize: MaxBlockSize,
		ID:        uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
	}
	buf, err := h.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != HeaderSize {
		t.Errorf("encoded length = %d, want %d", len(buf), HeaderSize)
	}
	if buf[HeaderSize-1] != '\n' {
		t.Error("header does not end in a newline")
	}
	if !bytes.HasPrefix(buf, []byte(`{"_v":1,"_e":0`)) {
		t.Errorf("header starts %q", buf[:16])
	}

	got, err := readHeader(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if *got != *h {
		t.Errorf("decoded %+v, want %+v", *got, *h)
	}
}

func TestHeaderDirtyInPlace(t *testing.T) {
	h := &VolumeHeader{Version: headerVersion, ID: uuid.New()}
	buf, _ := h.encode()
	m := &memFile{b: buf}

	if err := dirty(m, true); err != nil {
		t.Fatal(err)
	}
	got, err := readHeader(m)
	if err != nil || got.Error != 1 {
		t.Fatalf("after set: %+v, %v", got, err)
	}
	dirty(m, false)
	got, _ = readHeader(m)
	if got.Error != 0 {
		t.Errorf("after clear: Error = %d", got.Error)
	}
	if len(m.b) != HeaderSize {
		t.Errorf("dirty changed the header length to %d", len(m.b))
	}
}

func TestHeaderReject(t *testing.T) {
	good, _ := (&VolumeHeader{Version: headerVersion, ID: uuid.New()}).encode()
	bad := map[string][]byte{
		"short":   good[:100],
		"empty":   nil,
		"garbage": bytes.Repeat([]byte{'#'}, HeaderSize),
		"version": bytes.Replace(good, []byte(`"_v":1`), []byte(`"_v":2`), 1),
	}
	for name, b := range bad {
		if _, err := readHeader(bytes.NewReader(b)); !errors.Is(err, ErrCorruptHeader) {
			t.Errorf("%s: %v, want ErrCorruptHeader", name, err)
		}
	}
}
