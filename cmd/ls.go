package cmd

import (
	"github.com/spf13/cobra"

	"github.com/lvdlvd/extcarve/carve"
	"github.com/lvdlvd/extcarve/logger"
)

func (a *app) lsCmd() *cobra.Command {
	var long bool
	c := &cobra.Command{
		Use:   "ls IMAGE",
		Short: "List the JPEG files a scan would recover",
		Long: `ls runs the same scan as "scan" but writes nothing: it prints the inode
number, reconstructed length and name of every match. With -l the declared
size, link count, uid and the byte ranges in the image are shown too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, fs, err := a.openImage(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			sink := carve.NewListSink(cmd.OutOrStdout(), long)
			stats, err := carve.NewScanner(fs, logger.Logger).Scan(sink)
			if ferr := sink.Flush(); err == nil {
				err = ferr
			}
			if err != nil {
				return err
			}
			logger.LogDebug("scan finished", statsFields(stats))
			return nil
		},
	}
	c.Flags().BoolVarP(&long, "long", "l", false, "use long listing format")
	return c
}
