// Package cmd implements the extcarve commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lvdlvd/extcarve/config"
	"github.com/lvdlvd/extcarve/fsys/ext"
	"github.com/lvdlvd/extcarve/image"
	"github.com/lvdlvd/extcarve/logger"
	"github.com/lvdlvd/extcarve/xts"
)

// app carries what the subcommands share once flags are parsed.
type app struct {
	cfgFile string
	cfg     *config.AppConfig
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "extcarve",
		Short: "Recover JPEG files from raw ext2 images",
		Long: `extcarve reads the inode tables of an ext2 filesystem image directly,
without mounting it, and recovers every regular file whose content starts
with a JPEG signature, together with its name, link count, size and owner.

Images may be xz or bzip2 compressed, XTS-AES encrypted, or whole disks
with an MBR or GPT partition table.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is extcarve.yaml in standard locations)")
	pf.Bool("debug", false, "Enable debug logging")
	pf.String("log-format", "human", "Log format: json or human")
	pf.String("log-file", "", "Also write logs to this file")
	pf.String("key", "", "XTS-AES key in hex, for encrypted images")
	pf.Int("sector-size", xts.DefaultSectorSize, "XTS sector size in bytes")
	pf.Uint64("tweak-offset", 0, "XTS sector number of the image's first sector")
	pf.String("partition", "", "Partition to use on partitioned disks (p0, p1...)")
	pf.String("temp-dir", "", "Directory for decompressed images")

	root.AddCommand(a.scanCmd(), a.lsCmd(), a.catCmd(), a.infoCmd())
	return root
}

// Execute runs the root command.
func Execute() {
	err := NewRootCmd().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "extcarve: %v\n", err)
		os.Exit(1)
	}
}

// setup merges config file, environment and flags and starts logging.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	lc := logger.DefaultConfig()
	lc.Debug, lc.LogFile = cfg.Debug, cfg.LogFile
	if cfg.LogFormat != "" {
		lc.LogFormat = cfg.LogFormat
	}
	if err := logger.InitLogger(lc); err != nil {
		return err
	}
	a.cfg = cfg
	if cfg.ConfigFile != "" {
		logger.LogDebug("loaded config", map[string]interface{}{"file": cfg.ConfigFile})
	}
	return nil
}

// openImage opens path as configured and the ext filesystem inside it.
func (a *app) openImage(path string) (*image.Image, *ext.Reader, error) {
	opts := image.Options{
		SectorSize:  a.cfg.Scan.SectorSize,
		TweakOffset: a.cfg.Scan.TweakOffset,
		Partition:   a.cfg.Scan.Partition,
		TempDir:     a.cfg.Scan.TempDir,
		Log:         logger.WithFields(map[string]interface{}{"image": path}),
	}
	if a.cfg.Scan.Key != "" {
		key, err := xts.ParseKey(a.cfg.Scan.Key)
		if err != nil {
			return nil, nil, err
		}
		opts.Key = key
	}

	img, err := image.Open(path, opts)
	if err != nil {
		return nil, nil, err
	}
	fs, err := img.Filesystem()
	if err != nil {
		img.Close()
		return nil, nil, fmt.Errorf("opening filesystem: %w", err)
	}
	return img, fs, nil
}
