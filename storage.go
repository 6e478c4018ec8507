// Storage: the volume-set coordinator and its lifecycle operations.
//
// A Storage is a directory holding the numbered volumes <name>.0,
// <name>.1, ... of one store. All volumes share a UUID recorded in their
// headers. The highest-numbered volume is the write volume; once it
// reaches Config.MaxVolumeSize or Config.MaxVolumeBins the next write
// rotates to a fresh volume. Older volumes are only ever read, except for
// the in-place deleted flag.
//
// Storage is not safe for concurrent use, and it never retries internally:
// an operation on a closed Storage fails with ErrClosed and the caller
// decides whether to reopen. Guarded wraps a Storage with a mutex for
// callers that share one handle between goroutines.
package blobvol

import (
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Flags select how Open treats the storage directory.
type Flags int

const (
	CreateOrOpen Flags = 1 << iota // Create the directory and first volume if missing
	Writable                       // Open the last volume for appends
	Compress                       // Compress new bins with Config.Codec
)

// Config holds storage configuration options. Zero values select defaults.
type Config struct {
	Checksum      int          // Footer digest for new volumes (default AlgXXHash3)
	Codec         CodecID      // Codec for new volumes (default CodecLZ4)
	BlockSize     int          // Logical bytes per compressed block (default 64KB)
	MaxBinSize    int64        // Largest bin; bigger payloads are split (default 1GB)
	MaxVolumeSize int64        // Rotate once the write volume reaches this size (0 = never)
	MaxVolumeBins int          // Rotate once the write volume holds this many bins (0 = never)
	SyncWrites    bool         // Call fsync around every bin commit
	Logger        *slog.Logger // Structured logger (default discards)
}

// DefaultMaxBinSize is the default split size for large payloads.
const DefaultMaxBinSize = 1 << 30

// withDefaults fills in zero values and rejects impossible settings.
func (c Config) withDefaults() (Config, error) {
	if c.Checksum == 0 {
		c.Checksum = AlgXXHash3
	}
	if _, err := digest(c.Checksum); err != nil {
		return c, err
	}
	if c.Codec == CodecNone {
		c.Codec = CodecLZ4
	}
	if _, err := newBlockCodec(c.Codec); err != nil {
		return c, err
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.BlockSize < 0 || c.BlockSize > MaxBlockSize {
		return c, fmt.Errorf("%w: block size %d out of range", ErrConfiguration, c.BlockSize)
	}
	if c.MaxBinSize == 0 {
		c.MaxBinSize = DefaultMaxBinSize
	}
	if c.MaxBinSize < 0 || c.MaxBinSize > math.MaxUint32 {
		return c, fmt.Errorf("%w: max bin size %d out of range", ErrConfiguration, c.MaxBinSize)
	}
	if c.MaxVolumeSize < 0 || c.MaxVolumeBins < 0 {
		return c, fmt.Errorf("%w: negative volume limit", ErrConfiguration)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

// volume is the concrete volume type of a Storage.
type volume = Volume[BinHeader, BinFooter]

// Storage represents an open set of volumes.
type Storage struct {
	root    *os.Root // Sandboxed filesystem access
	dir     string
	name    string
	flags   Flags
	config  Config
	id      uuid.UUID
	numbers []int           // Volume numbers, ascending
	vols    map[int]*volume // Open volumes by number
	writer  *volume         // Write volume, nil when read-only
	rvol    int             // Index into numbers of the read cursor
	log     *slog.Logger
	closed  bool
}

// Open opens the storage name in dir. Every volume header is checked
// against the storage UUID up front, so a stray volume from another store
// fails the open with ErrCorruptHeader rather than a later read.
func Open(dir, name string, flags Flags, config Config) (*Storage, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: bad storage name %q", ErrConfiguration, name)
	}
	if flags&Writable == 0 {
		flags &^= CreateOrOpen
	}

	if flags&CreateOrOpen != 0 {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
		}
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, dir, err)
	}

	s := &Storage{
		root:   root,
		dir:    dir,
		name:   name,
		flags:  flags,
		config: config,
		vols:   map[int]*volume{},
		log:    config.Logger.With("storage", name),
	}

	s.numbers, err = discover(root, name)
	if err != nil {
		root.Close()
		return nil, err
	}
	if len(s.numbers) == 0 {
		if flags&CreateOrOpen == 0 {
			root.Close()
			return nil, fmt.Errorf("%w: no volumes of %s in %s", ErrNotFound, name, dir)
		}
		s.id = uuid.New()
		s.numbers = []int{0}
	} else if flags&CreateOrOpen != 0 && len(s.numbers) == 1 && empty(root, volumeFile(name, s.numbers[0])) {
		// The only volume was created but its header never written
		s.id = uuid.New()
	}

	last := len(s.numbers) - 1
	for i, n := range s.numbers {
		vf := Flags(0)
		if i == last {
			vf = flags &^ Compress
		}
		v, err := OpenVolume[BinHeader, BinFooter](root, name, n, vf, config, s.id)
		if err != nil {
			s.closeAll()
			root.Close()
			return nil, err
		}
		if s.id == uuid.Nil {
			s.id = v.Header().ID
		}
		s.vols[n] = v
	}
	if flags&Writable != 0 {
		s.writer = s.vols[s.numbers[last]]
	}

	s.log.Debug("opened", "dir", dir, "volumes", len(s.numbers), "id", s.id, "writable", s.writer != nil)
	return s, nil
}

// discover lists the volume numbers of name present in root, ascending.
func discover(root *os.Root, name string) ([]int, error) {
	entries, err := fs.ReadDir(root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("%w: list volumes: %w", ErrIO, err)
	}
	var nums []int
	prefix := name + "."
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		suffix, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 0 || strconv.Itoa(n) != suffix {
			continue
		}
		nums = append(nums, n)
	}
	slices.Sort(nums)
	return nums, nil
}

// empty reports whether file exists in root with no bytes in it.
func empty(root *os.Root, file string) bool {
	info, err := root.Stat(file)
	return err == nil && info.Size() == 0
}

// volume returns the open volume n.
func (s *Storage) volume(n int) (*volume, error) {
	v, ok := s.vols[n]
	if !ok {
		return nil, fmt.Errorf("%w: no volume %d", ErrInvalidLocator, n)
	}
	return v, nil
}

// rotate seals the write volume and starts the next one.
func (s *Storage) rotate() error {
	old := s.writer
	next := old.Number() + 1
	v, err := OpenVolume[BinHeader, BinFooter](s.root, s.name, next, CreateOrOpen|Writable, s.config, s.id)
	if err != nil {
		return err
	}
	if err := old.seal(); err != nil {
		v.Close()
		return err
	}
	s.vols[next] = v
	s.numbers = append(s.numbers, next)
	s.writer = v
	s.log.Info("rotated", "from", old.Name(), "to", v.Name(), "size", old.Size())
	return nil
}

// full reports whether the write volume has reached a rotation limit.
func (s *Storage) full() bool {
	w := s.writer
	if s.config.MaxVolumeSize > 0 && w.Size() >= s.config.MaxVolumeSize {
		return true
	}
	return s.config.MaxVolumeBins > 0 && w.Bins() >= s.config.MaxVolumeBins
}

// ID returns the storage UUID shared by all volumes.
func (s *Storage) ID() uuid.UUID { return s.id }

// Volumes returns the volume numbers, ascending.
func (s *Storage) Volumes() []int { return slices.Clone(s.numbers) }

// Dir returns the storage directory.
func (s *Storage) Dir() string { return s.dir }

// Name returns the storage name.
func (s *Storage) Name() string { return s.name }

// Writable reports whether the storage accepts writes.
func (s *Storage) Writable() bool { return s.writer != nil }

// Close closes all volumes. Close is idempotent.
func (s *Storage) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.closeAll()
	if cerr := s.root.Close(); cerr != nil && err == nil {
		err = ioError("close root", cerr)
	}
	s.writer = nil
	s.log.Debug("closed")
	return err
}

// closeAll closes every open volume and returns the first error.
func (s *Storage) closeAll() error {
	var first error
	for _, n := range s.numbers {
		v, ok := s.vols[n]
		if !ok {
			continue
		}
		if err := v.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
