// Verification.
//
// Verify reads every live bin of every volume end to end and checks its
// footer. Volumes are checked in parallel, one goroutine each, through
// fresh read-only handles, so verification neither moves the storage's
// read cursor nor contends with it for file offsets.
//
// Damage is reported, not returned: a corrupt bin goes into the Report and
// verification moves on to the next one. Only a failure to open a volume
// or a cancelled context ends Verify with an error.
package blobvol

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BinError locates a bin that failed verification.
type BinError struct {
	Volume int
	Offset int64
	Err    error
}

func (e BinError) Error() string {
	return fmt.Sprintf("volume %d offset %d: %v", e.Volume, e.Offset, e.Err)
}

func (e BinError) Unwrap() error { return e.Err }

// Report summarises a verification pass.
type Report struct {
	Volumes int        // Volumes checked
	Bins    int        // Live bins checked
	Deleted int        // Deleted bins skipped
	Bytes   int64      // Logical bytes verified
	Torn    int64      // Bytes after the last committed bin
	Corrupt []BinError // Bins or headers that failed
}

// OK reports whether no damage was found.
func (r Report) OK() bool { return len(r.Corrupt) == 0 }

// Verify checks every volume of the storage.
func (s *Storage) Verify(ctx context.Context) (Report, error) {
	if s.closed {
		return Report{}, ErrClosed
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range s.numbers {
		g.Go(func() error {
			r, err := s.verifyVolume(ctx, n)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			report.Volumes++
			report.Bins += r.Bins
			report.Deleted += r.Deleted
			report.Bytes += r.Bytes
			report.Torn += r.Torn
			report.Corrupt = append(report.Corrupt, r.Corrupt...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	slices.SortFunc(report.Corrupt, func(a, b BinError) int {
		return cmp.Or(cmp.Compare(a.Volume, b.Volume), cmp.Compare(a.Offset, b.Offset))
	})
	for _, c := range report.Corrupt {
		s.log.Error("verify failed", "volume", c.Volume, "offset", c.Offset, "err", c.Err)
	}
	return report, nil
}

// verifyVolume checks one volume through its own read-only handle.
func (s *Storage) verifyVolume(ctx context.Context, n int) (Report, error) {
	v, err := OpenVolume[BinHeader, BinFooter](s.root, s.name, n, 0, s.config, s.id)
	if err != nil {
		return Report{}, err
	}
	defer v.Close()

	var r Report
	end := int64(HeaderSize)
	for info, err := range v.All() {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		if err != nil {
			r.Corrupt = append(r.Corrupt, BinError{Volume: n, Offset: info.Offset, Err: err})
			return r, nil
		}
		end = info.Offset + info.Framed
		if info.Deleted() {
			r.Deleted++
			continue
		}
		r.Bins++
		br, err := v.Bin(info.Offset)
		if err == nil {
			var read int64
			read, err = io.Copy(io.Discard, br)
			r.Bytes += read
			br.Close()
		}
		if err != nil {
			if !errors.Is(err, ErrCorruptVolume) && !errors.Is(err, ErrDecompress) {
				return Report{}, err
			}
			r.Corrupt = append(r.Corrupt, BinError{Volume: n, Offset: info.Offset, Err: err})
		}
	}
	r.Torn = v.Size() - end
	return r, nil
}
