package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lvdlvd/extcarve/fsys/ext"
	"github.com/lvdlvd/extcarve/image"
)

func (a *app) infoCmd() *cobra.Command {
	var groups bool
	c := &cobra.Command{
		Use:   "info IMAGE",
		Short: "Describe the image and its ext superblock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, fs, err := a.openImage(args[0])
			if err != nil {
				return err
			}
			defer img.Close()
			return Info(img, fs, cmd.OutOrStdout(), groups)
		},
	}
	c.Flags().BoolVarP(&groups, "groups", "g", false, "also list every block group descriptor")
	return c
}

// Info prints what was detected about img and the superblock of fs.
func Info(img *image.Image, fs *ext.Reader, out io.Writer, groups bool) error {
	sb := fs.Superblock()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Filesystem type:\t%s\n", img.Type)
	if img.Compressed != 0 {
		fmt.Fprintf(tw, "Compression:\t%s\n", img.Compressed)
	}
	if img.Encrypted {
		fmt.Fprintf(tw, "Encryption:\tXTS-AES\n")
	}
	if img.Table != nil {
		fmt.Fprintf(tw, "Partition table:\t%s\n", img.Table.Type)
		for _, p := range img.Table.Partitions {
			mark := ""
			if p == img.Partition {
				mark = " *"
			}
			fmt.Fprintf(tw, "  %s:\t%s, offset %d, %s%s\n", p.Name(), p.TypeName(), p.Offset(), formatSize(p.Size()), mark)
		}
	}

	fmt.Fprintf(tw, "Volume name:\t%s\n", sb.Label())
	fmt.Fprintf(tw, "UUID:\t%s\n", uuid.UUID(sb.UUID))
	fmt.Fprintf(tw, "Revision:\t%d\n", sb.RevLevel)
	fmt.Fprintf(tw, "Block size:\t%d\n", sb.BlockSize())
	fmt.Fprintf(tw, "Blocks:\t%d (%d free)\n", sb.BlocksCount, sb.FreeBlocksCount)
	fmt.Fprintf(tw, "Inodes:\t%d (%d free)\n", sb.InodesCount, sb.FreeInodesCount)
	fmt.Fprintf(tw, "Inode size:\t%d\n", sb.InodeSize)
	fmt.Fprintf(tw, "First data block:\t%d\n", sb.FirstDataBlock)
	fmt.Fprintf(tw, "Blocks per group:\t%d\n", sb.BlocksPerGroup)
	fmt.Fprintf(tw, "Inodes per group:\t%d\n", sb.InodesPerGroup)
	fmt.Fprintf(tw, "Groups:\t%d\n", sb.GroupCount())
	if sb.WTime != 0 {
		fmt.Fprintf(tw, "Last written:\t%s\n", time.Unix(int64(sb.WTime), 0).UTC().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !groups {
		return nil
	}
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "group\tblock bitmap\tinode bitmap\tinode table\tfree blocks\tfree inodes\tdirs\t\n")
	for g := uint32(0); g < sb.GroupCount(); g++ {
		gd, err := fs.GroupDescriptor(g)
		if err != nil {
			tw.Flush()
			return err
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			g, gd.BlockBitmap, gd.InodeBitmap, gd.InodeTable, gd.FreeBlocksCount, gd.FreeInodesCount, gd.UsedDirsCount)
	}
	return tw.Flush()
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
