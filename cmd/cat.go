package cmd

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lvdlvd/extcarve/fsys"
	"github.com/lvdlvd/extcarve/fsys/ext"
)

func (a *app) catCmd() *cobra.Command {
	var showExtents bool
	c := &cobra.Command{
		Use:   "cat IMAGE INODE",
		Short: "Write the reconstructed content of an inode to stdout",
		Long: `cat resolves any inode's block pointers and streams its content straight
from the image. Directories are listed entry by entry instead, and short
symlinks print their target. With
--extents the byte ranges in the image are printed rather than the data.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("inode number %q: %w", args[1], err)
			}

			img, fs, err := a.openImage(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			return Cat(fs, uint32(n), cmd.OutOrStdout(), showExtents)
		},
	}
	c.Flags().BoolVar(&showExtents, "extents", false, "print the byte ranges instead of the content")
	return c
}

// Cat writes the content of inode ino to out. Extents are given as
// absolute offsets in the image the filesystem was opened from.
func Cat(fs *ext.Reader, ino uint32, out io.Writer, showExtents bool) error {
	inode, err := fs.Inode(ino)
	if err != nil {
		return err
	}
	if inode.UsesExtents() {
		return fmt.Errorf("inode %d: extent-mapped inodes are not supported", ino)
	}

	if inode.IsSymlink() && inode.Blocks512 == 0 && !showExtents {
		_, err := out.Write(fastSymlinkTarget(inode))
		return err
	}

	res := ext.NewResolver(fs)
	if inode.IsDir() && !showExtents {
		return listDirectory(fs, res, inode, out)
	}

	extents, err := res.Extents(inode)
	if err != nil {
		return err
	}
	reader := fsys.NewExtentReaderAt(fs.BaseReader(), extents, fsys.TotalLength(extents))

	if showExtents {
		for _, e := range fsys.MergeExtents(reader.Extents()) {
			fmt.Fprintf(out, "%d\t%d\t%d\n", e.Logical, e.Physical, e.Length)
		}
		return nil
	}
	return streamFromReaderAt(reader, reader.Size(), out)
}

func listDirectory(fs *ext.Reader, res *ext.Resolver, dir ext.Inode, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	err := res.Blocks(dir, func(block uint32) error {
		data, err := fs.ReadBlock(uint64(block))
		if err != nil {
			return err
		}
		for _, e := range ext.ListDirectory(data) {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", e.Inode, fileTypeName(e.FileType), e.Name)
		}
		return nil
	})
	if ferr := tw.Flush(); err == nil {
		err = ferr
	}
	return err
}

// fastSymlinkTarget returns the target a short symlink keeps in its
// block array instead of a data block.
func fastSymlinkTarget(ino ext.Inode) []byte {
	raw := make([]byte, 4*len(ino.Block))
	for i, p := range ino.Block {
		binary.LittleEndian.PutUint32(raw[4*i:], p)
	}
	if ino.Size < uint64(len(raw)) {
		raw = raw[:ino.Size]
	}
	return raw
}

func fileTypeName(t uint8) string {
	switch t {
	case 1:
		return "file"
	case 2:
		return "dir"
	case 7:
		return "symlink"
	default:
		return "?"
	}
}

// streamFromReaderAt copies data from a ReaderAt to a Writer in chunks
func streamFromReaderAt(r io.ReaderAt, size int64, out io.Writer) error {
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)
	offset := int64(0)

	for offset < size {
		toRead := int64(bufSize)
		if offset+toRead > size {
			toRead = size - offset
		}

		n, err := r.ReadAt(buf[:toRead], offset)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}
