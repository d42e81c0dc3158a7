package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lvdlvd/extcarve/carve"
	"github.com/lvdlvd/extcarve/logger"
)

func (a *app) scanCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "scan IMAGE OUTDIR",
		Short: "Recover JPEG files into a new directory",
		Long: `scan writes every recovered JPEG to OUTDIR as file-<inode>.jpg, next to
file-<inode>-details.txt holding its link count, size and uid. Files whose
name could be found are copied under that name as well. OUTDIR must not
exist yet.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			imagePath, outDir := args[0], args[1]

			img, fs, err := a.openImage(imagePath)
			if err != nil {
				return err
			}
			defer img.Close()

			sink, err := carve.NewDirSink(outDir, carve.DirSinkOptions{
				Image:    imagePath,
				Manifest: a.cfg.Output.Manifest,
			})
			if err != nil {
				return err
			}

			logger.LogInfo("scanning", map[string]interface{}{
				"image":  imagePath,
				"type":   img.Type.String(),
				"output": outDir,
				"scan":   sink.ScanID(),
			})
			log := logger.WithFields(map[string]interface{}{"scan": sink.ScanID()})
			stats, err := carve.NewScanner(fs, log).Scan(sink)
			if cerr := sink.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				logger.LogError("scan aborted", err, statsFields(stats))
				return err
			}

			logger.LogInfo("scan finished", statsFields(stats))
			if stats.Failed > 0 || stats.NameFailed > 0 {
				logger.LogWarn("some inodes could not be fully recovered", map[string]interface{}{
					"failed":      stats.Failed,
					"name_failed": stats.NameFailed,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d files (%d bytes) into %s\n", stats.Emitted, stats.BytesCarved, outDir)
			return nil
		},
	}
	c.Flags().Bool("manifest", true, "Write manifest.yaml into the output directory")
	return c
}

func statsFields(s carve.Stats) map[string]interface{} {
	return map[string]interface{}{
		"inodes":      s.Inodes,
		"regular":     s.Regular,
		"skipped":     s.Skipped,
		"matched":     s.Matched,
		"emitted":     s.Emitted,
		"unnamed":     s.Unnamed,
		"name_failed": s.NameFailed,
		"failed":      s.Failed,
		"bytes":       s.BytesCarved,
	}
}
