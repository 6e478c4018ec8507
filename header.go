// Volume file header.
//
// Every volume starts with exactly 128 bytes of JSON, padded with spaces
// and terminated with a newline, so that `head -c 128` on a volume is
// readable. The dirty flag lives at a fixed byte offset and is flipped in
// place without re-encoding the rest.
package blobvol

import (
	"bytes"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// HeaderSize is the fixed size of the volume header in bytes. The first
// bin of every volume starts here.
const HeaderSize = 128

const headerVersion = 1

// dirtyOffset is the byte position of the _e value: {"_v":1,"_e":X
const dirtyOffset = 13

// VolumeHeader contains volume metadata stored at the start of the file.
// Field order is significant: _v and _e must stay first for dirtyOffset.
type VolumeHeader struct {
	Version   int       `json:"_v"`   // Format version
	Error     int       `json:"_e"`   // 0=clean, 1=dirty (crash indicator)
	Number    int       `json:"_n"`   // Volume number, matches the file suffix
	Timestamp int64     `json:"_ts"`  // Unix milliseconds when created
	Algorithm int       `json:"_alg"` // Footer checksum algorithm
	Codec     CodecID   `json:"_c"`   // Codec for compressed bins
	BlockSize int       `json:"_bs"`  // Logical bytes per compressed block
	ID        uuid.UUID `json:"_id"`  // Storage identity shared by all volumes
}

// readHeader reads and parses the header of a volume.
func readHeader(r io.ReaderAt) (*VolumeHeader, error) {
	buf := make([]byte, HeaderSize)
	if n, err := r.ReadAt(buf, 0); n < HeaderSize {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: short header (%d bytes)", ErrCorruptHeader, n)
		}
		return nil, ioError("read volume header", err)
	}

	var hdr VolumeHeader
	if err := json.Unmarshal(bytes.TrimSpace(buf), &hdr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptHeader, err)
	}
	if hdr.Version != headerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptHeader, hdr.Version)
	}
	if hdr.Error != 0 && hdr.Error != 1 {
		return nil, fmt.Errorf("%w: bad dirty flag %d", ErrCorruptHeader, hdr.Error)
	}
	return &hdr, nil
}

// dirty sets or clears the dirty flag at the fixed offset in the header.
func dirty(w io.WriterAt, v bool) error {
	b := byte('0')
	if v {
		b = '1'
	}
	_, err := w.WriteAt([]byte{b}, dirtyOffset)
	return err
}

// encode serialises the header to exactly HeaderSize bytes with padding.
func (h *VolumeHeader) encode() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}

	// Pad with spaces to HeaderSize-1, then add newline
	if len(data) > HeaderSize-1 {
		return nil, fmt.Errorf("%w: header is %d bytes", ErrCorruptHeader, len(data))
	}

	buf := bytes.Repeat([]byte{' '}, HeaderSize)
	copy(buf, data)
	buf[HeaderSize-1] = '\n'

	return buf, nil
}

// now returns the current time in Unix milliseconds.
func now() int64 {
	return time.Now().UnixMilli()
}
