// Checksum algorithms for bin footers.
//
// Every bin footer carries a 64-bit digest over the logical (uncompressed)
// payload. Three algorithms are supported, selectable via Config.Checksum.
// The algorithm is recorded in each volume header so that a volume is
// always verified with the algorithm it was written with.
package blobvol

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"strings"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Checksum algorithm constants.
const (
	AlgXXHash3 = 1 // Default, fastest
	AlgFNV1a   = 2 // No external dependencies
	AlgBlake2b = 3 // Best distribution
)

// digest returns a fresh running hash for alg.
func digest(alg int) (hash.Hash64, error) {
	switch alg {
	case AlgXXHash3:
		return xxh3.New(), nil
	case AlgFNV1a:
		return fnv.New64a(), nil
	case AlgBlake2b:
		h, err := blake2b.New(8, nil) // 8 bytes = 64 bits
		if err != nil {
			return nil, err
		}
		return blake64{h}, nil
	default:
		return nil, fmt.Errorf("%w: unknown checksum algorithm %d", ErrConfiguration, alg)
	}
}

// Checksum computes the digest of data with alg in one call. It matches the
// value a bin footer holds for the same logical payload.
func Checksum(data []byte, alg int) (uint64, error) {
	h, err := digest(alg)
	if err != nil {
		return 0, err
	}
	h.Write(data)
	return h.Sum64(), nil
}

// blake64 adapts a 64-bit Blake2b hash to hash.Hash64.
type blake64 struct {
	hash.Hash
}

func (b blake64) Sum64() uint64 {
	return binary.BigEndian.Uint64(b.Sum(nil))
}

// AlgorithmName returns the short name used on the command line.
func AlgorithmName(alg int) string {
	switch alg {
	case AlgXXHash3:
		return "xxh3"
	case AlgFNV1a:
		return "fnv"
	case AlgBlake2b:
		return "blake2b"
	default:
		return fmt.Sprintf("alg(%d)", alg)
	}
}

// ParseAlgorithm is the inverse of AlgorithmName.
func ParseAlgorithm(name string) (int, error) {
	switch strings.ToLower(name) {
	case "xxh3", "xxhash3":
		return AlgXXHash3, nil
	case "fnv", "fnv1a":
		return AlgFNV1a, nil
	case "blake2b":
		return AlgBlake2b, nil
	default:
		return 0, fmt.Errorf("%w: unknown checksum algorithm %q", ErrConfiguration, name)
	}
}
