// Package config loads settings from extcarve.yaml, EXTCARVE_*
// environment variables and command-line flags, in rising priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "extcarve"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "EXTCARVE"
)

// AppConfig holds the application configuration.
type AppConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	Scan struct {
		Partition   string `mapstructure:"partition"`
		Key         string `mapstructure:"key"` // hex XTS-AES key
		SectorSize  int    `mapstructure:"sector_size"`
		TweakOffset uint64 `mapstructure:"tweak_offset"`
		TempDir     string `mapstructure:"temp_dir"`
	} `mapstructure:"scan"`

	Output struct {
		Manifest bool `mapstructure:"manifest"`
	} `mapstructure:"output"`

	// ConfigFile is the file the settings were read from, if any.
	ConfigFile string `mapstructure:"-"`
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"debug":        "debug",
	"log-format":   "log_format",
	"log-file":     "log_file",
	"partition":    "scan.partition",
	"key":          "scan.key",
	"sector-size":  "scan.sector_size",
	"tweak-offset": "scan.tweak_offset",
	"temp-dir":     "scan.temp_dir",
	"manifest":     "output.manifest",
}

// Load reads the configuration. cfgFile names an explicit file; when
// empty, extcarve.yaml is searched for and may be absent. Flags present
// in flags override file and environment values.
func Load(cfgFile string, flags *pflag.FlagSet) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		addSearchPaths(v)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	configFile := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		configFile = v.ConfigFileUsed()
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.ConfigFile = configFile
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")
	v.SetDefault("log_file", "")
	v.SetDefault("scan.partition", "")
	v.SetDefault("scan.key", "")
	v.SetDefault("scan.sector_size", 512)
	v.SetDefault("scan.tweak_offset", 0)
	v.SetDefault("scan.temp_dir", os.TempDir())
	v.SetDefault("output.manifest", true)
}

func addSearchPaths(v *viper.Viper) {
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, AppName))
	}
	v.AddConfigPath(filepath.Join("/etc", AppName))
}

func (c *AppConfig) validate() error {
	switch c.LogFormat {
	case "json", "human":
	default:
		return fmt.Errorf("log_format %q: use json or human", c.LogFormat)
	}
	if c.Scan.SectorSize <= 0 || c.Scan.SectorSize%16 != 0 {
		return fmt.Errorf("scan.sector_size %d: must be a positive multiple of 16", c.Scan.SectorSize)
	}
	return nil
}
