// Command blobvol stores files in a blobvol storage and reads them back.
//
//	blobvol --dir ./data put report.pdf photo.jpg
//	blobvol --dir ./data get report.pdf > copy.pdf
//	blobvol --dir ./data ls
//	blobvol --dir ./data rm photo.jpg
//	blobvol --dir ./data verify
//
// Names given to put are recorded with their Locators in a SQLite catalog
// next to the volumes. get and rm accept either a catalog name or a raw
// Locator in its JSON form.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jpl-au/blobvol"
	"github.com/jpl-au/blobvol/internal/catalog"
	"github.com/spf13/cobra"
)

type options struct {
	dir           string
	name          string
	compress      bool
	codec         string
	checksum      string
	maxVolumeSize int64
	catalog       string
	verbose       bool

	log *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "blobvol",
		Short:         "Append-only multi-volume blob storage",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if o.verbose {
				level = slog.LevelDebug
			}
			o.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&o.dir, "dir", ".", "storage directory")
	f.StringVar(&o.name, "name", "blobs", "storage name (volume file prefix)")
	f.BoolVar(&o.compress, "compress", false, "compress new bins")
	f.StringVar(&o.codec, "codec", "lz4", "codec for new volumes: lz4, zstd or s2")
	f.StringVar(&o.checksum, "checksum", "xxh3", "checksum for new volumes: xxh3, fnv or blake2b")
	f.Int64Var(&o.maxVolumeSize, "max-volume-size", 0, "rotate volumes at this many bytes (0 = never)")
	f.StringVar(&o.catalog, "catalog", "", "catalog database (default <dir>/<name>.catalog)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newPutCmd(o),
		newGetCmd(o),
		newLsCmd(o),
		newRmCmd(o),
		newVerifyCmd(o),
	)
	return root
}

func (o *options) config() (blobvol.Config, error) {
	codec, err := blobvol.ParseCodec(o.codec)
	if err != nil {
		return blobvol.Config{}, err
	}
	alg, err := blobvol.ParseAlgorithm(o.checksum)
	if err != nil {
		return blobvol.Config{}, err
	}
	return blobvol.Config{
		Checksum:      alg,
		Codec:         codec,
		MaxVolumeSize: o.maxVolumeSize,
		Logger:        o.log,
	}, nil
}

func (o *options) open(writable bool) (*blobvol.Storage, error) {
	config, err := o.config()
	if err != nil {
		return nil, err
	}
	var flags blobvol.Flags
	if writable {
		flags = blobvol.CreateOrOpen | blobvol.Writable
	}
	if o.compress {
		flags |= blobvol.Compress
	}
	return blobvol.Open(o.dir, o.name, flags, config)
}

func (o *options) openCatalog(ctx context.Context) (*catalog.Catalog, error) {
	path := o.catalog
	if path == "" {
		path = filepath.Join(o.dir, o.name+".catalog")
	}
	return catalog.Open(ctx, path)
}

// resolve turns a catalog name or a JSON locator into a Locator.
func (o *options) resolve(ctx context.Context, arg string) (blobvol.Locator, error) {
	if strings.HasPrefix(arg, "{") {
		return blobvol.ParseLocator(arg)
	}
	c, err := o.openCatalog(ctx)
	if err != nil {
		return blobvol.Locator{}, err
	}
	defer c.Close()
	e, err := c.Get(ctx, arg)
	if err != nil {
		return blobvol.Locator{}, err
	}
	return e.Locator, nil
}

func newPutCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "put FILE...",
		Short: "Store files and record them in the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := o.open(true)
			if err != nil {
				return err
			}
			defer s.Close()
			c, err := o.openCatalog(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			for _, path := range args {
				loc, err := s.WriteFile(path)
				if err != nil {
					return fmt.Errorf("put %s: %w", path, err)
				}
				name := filepath.Base(path)
				if err := c.Put(ctx, name, loc); err != nil {
					return err
				}
				o.log.Debug("stored", "file", path, "size", loc.Size, "bins", loc.Bins)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, loc)
			}
			return s.Close()
		},
	}
}

func newGetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME|LOCATOR",
		Short: "Write a stored payload to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := o.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			s, err := o.open(false)
			if err != nil {
				return err
			}
			defer s.Close()

			r, err := s.Reader(loc)
			if err != nil {
				return err
			}
			defer r.Close()
			_, err = io.Copy(cmd.OutOrStdout(), r)
			return err
		},
	}
}

// binLine is one line of ls output.
type binLine struct {
	Locator blobvol.Locator `json:"locator"`
	Size    int64           `json:"size"`
	Stored  int64           `json:"stored"`
	Deleted bool            `json:"deleted,omitempty"`
}

func newLsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List every bin as a JSON line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.open(false)
			if err != nil {
				return err
			}
			defer s.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for e, err := range s.Bins() {
				if err != nil && !errors.Is(err, blobvol.ErrNotFound) {
					return err
				}
				line := binLine{
					Locator: e.Locator,
					Size:    e.Info.Size,
					Stored:  e.Info.Stored,
					Deleted: e.Info.Deleted(),
				}
				if err := enc.Encode(line); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newRmCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME|LOCATOR",
		Short: "Delete a stored payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loc, err := o.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			s, err := o.open(true)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Delete(loc); err != nil {
				return err
			}
			if strings.HasPrefix(args[0], "{") {
				return s.Close()
			}
			c, err := o.openCatalog(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Delete(ctx, args[0]); err != nil {
				return err
			}
			return s.Close()
		},
	}
}

func newVerifyCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every bin's checksum",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.open(false)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Verify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "volumes=%d bins=%d deleted=%d bytes=%d torn=%d corrupt=%d\n",
				report.Volumes, report.Bins, report.Deleted, report.Bytes, report.Torn, len(report.Corrupt))
			for _, c := range report.Corrupt {
				fmt.Fprintln(cmd.OutOrStdout(), c.Error())
			}
			if !report.OK() {
				return fmt.Errorf("%d corrupt bins", len(report.Corrupt))
			}
			return nil
		},
	}
}
