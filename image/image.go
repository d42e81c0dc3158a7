// Package image turns a path on disk into a reader over an ext
// filesystem: it decompresses xz and bzip2 images, decrypts XTS-AES
// images and picks a partition out of MBR and GPT disks.
package image

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/lvdlvd/extcarve/detect"
	"github.com/lvdlvd/extcarve/fsys/ext"
	"github.com/lvdlvd/extcarve/fsys/part"
	"github.com/lvdlvd/extcarve/xts"
)

// Options controls how an image is opened.
type Options struct {
	Key         []byte // XTS-AES key; nil for plain images
	SectorSize  int    // XTS data unit, xts.DefaultSectorSize when zero
	TweakOffset uint64 // XTS sector number of the image's first sector
	Partition   string // p0, p1... on partitioned disks; first ext partition when empty
	TempDir     string // where compressed images are expanded
	Log         *zap.SugaredLogger
}

// Image is an opened filesystem image.
type Image struct {
	Path       string
	ReaderAt   io.ReaderAt // the filesystem's bytes
	Size       int64       // size of ReaderAt
	Type       detect.Type // ext generation
	Compressed detect.Type // XZ or BZip2 when the file was compressed
	Encrypted  bool
	Table      *part.Table     // nil for bare filesystems
	Partition  *part.Partition // the partition in use, nil for bare filesystems

	closers []func() error
}

// Open opens the image at path.
func Open(path string, opts Options) (*Image, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	img := &Image{Path: path, closers: []func() error{f.Close}}

	info, err := f.Stat()
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	var src io.ReaderAt = f
	size := info.Size()

	kind, err := detect.Detect(f)
	if err != nil && opts.Key == nil {
		img.Close()
		return nil, fmt.Errorf("detecting image type: %w", err)
	}
	if kind.IsCompressed() {
		log.Infow("decompressing image", "path", path, "format", kind.String())
		tmp, n, err := decompress(f, kind, opts.TempDir)
		if err != nil {
			img.Close()
			return nil, err
		}
		img.closers = append(img.closers, func() error { return os.Remove(tmp.Name()) }, tmp.Close)
		img.Compressed = kind
		src, size = tmp, n
	}

	if err := img.open(src, size, opts, log); err != nil {
		img.Close()
		return nil, err
	}
	return img, nil
}

// OpenReader opens an image that is already in memory or otherwise
// readable. Compressed images are not accepted here.
func OpenReader(r io.ReaderAt, size int64, opts Options) (*Image, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	img := &Image{}
	if err := img.open(r, size, opts, log); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) open(src io.ReaderAt, size int64, opts Options, log *zap.SugaredLogger) error {
	if opts.Key != nil {
		sectorSize := opts.SectorSize
		if sectorSize == 0 {
			sectorSize = xts.DefaultSectorSize
		}
		c, err := xts.New(opts.Key, sectorSize, opts.TweakOffset)
		if err != nil {
			return err
		}
		src = xts.NewReaderAt(src, c, size)
		img.Encrypted = true
		log.Debugw("decrypting image", "sector_size", sectorSize, "tweak_offset", opts.TweakOffset)
	}

	kind, err := detect.Detect(src)
	if err != nil {
		return fmt.Errorf("detecting image type: %w", err)
	}

	switch {
	case kind.IsExt():
	case kind.IsPartitionTable():
		tbl, err := part.Parse(src, kind, 0)
		if err != nil {
			return fmt.Errorf("reading partition table: %w", err)
		}
		p, pkind, err := choosePartition(src, tbl, opts.Partition)
		if err != nil {
			return err
		}
		log.Infow("using partition", "partition", p.Name(), "type", p.TypeName(), "offset", p.Offset(), "size", p.Size())
		img.Table, img.Partition = tbl, p
		src, size, kind = p.Reader(src), p.Size(), pkind
	case kind == detect.Unknown && opts.Key != nil:
		return errors.New("no filesystem found after decryption; wrong key?")
	default:
		return fmt.Errorf("unsupported image type: %s", kind)
	}

	if kind == detect.Ext4 {
		log.Warnw("ext4 filesystem: inodes with extent trees will be skipped")
	}
	img.ReaderAt, img.Size, img.Type = src, size, kind
	return nil
}

// choosePartition returns the named partition, or the first one that
// holds an ext superblock.
func choosePartition(disk io.ReaderAt, tbl *part.Table, name string) (*part.Partition, detect.Type, error) {
	if name != "" {
		p, err := tbl.Find(name)
		if err != nil {
			return nil, detect.Unknown, err
		}
		kind, err := detect.Detect(p.Reader(disk))
		if err != nil {
			return nil, detect.Unknown, fmt.Errorf("partition %s: %w", p.Name(), err)
		}
		if !kind.IsExt() {
			return nil, detect.Unknown, fmt.Errorf("partition %s holds %s, not an ext filesystem", p.Name(), kind)
		}
		return p, kind, nil
	}

	for _, p := range tbl.Partitions {
		kind, err := detect.Detect(p.Reader(disk))
		if err == nil && kind.IsExt() {
			return p, kind, nil
		}
	}
	return nil, detect.Unknown, fmt.Errorf("no ext filesystem among %d %s partitions", len(tbl.Partitions), tbl.Type)
}

// decompress expands a compressed image into a temporary file and returns
// it with its size.
func decompress(r io.Reader, kind detect.Type, tempDir string) (*os.File, int64, error) {
	var zr io.Reader
	switch kind {
	case detect.XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, 0, fmt.Errorf("opening xz stream: %w", err)
		}
		zr = xr
	case detect.BZip2:
		br, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("opening bzip2 stream: %w", err)
		}
		defer br.Close()
		zr = br
	default:
		return nil, 0, fmt.Errorf("not a compressed image: %s", kind)
	}

	tmp, err := os.CreateTemp(tempDir, "extcarve-*.img")
	if err != nil {
		return nil, 0, fmt.Errorf("creating temp file: %w", err)
	}
	n, err := io.Copy(tmp, zr)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, fmt.Errorf("failed to decompress image: %w", err)
	}
	return tmp, n, nil
}

// Filesystem opens the ext filesystem of the image.
func (img *Image) Filesystem() (*ext.Reader, error) {
	return ext.Open(img.ReaderAt)
}

// Close releases the file and any temporary copy.
func (img *Image) Close() error {
	var errs []error
	for i := len(img.closers) - 1; i >= 0; i-- {
		if err := img.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	img.closers = nil
	return errors.Join(errs...)
}
