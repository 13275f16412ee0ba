package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jward/spindex"
)

// ConfigFileName is the optional per-repository config file.
const ConfigFileName = ".spindex.yaml"

// Config is the CLI configuration. Precedence, highest first: flags,
// SPINDEX_* environment variables, the config file, defaults.
type Config struct {
	DB           string   `mapstructure:"db"`
	Format       string   `mapstructure:"format"`
	Verbose      bool     `mapstructure:"verbose"`
	RegistryHost string   `mapstructure:"registry_host"`
	Annotation   string   `mapstructure:"annotation"`
	SkipPatterns []string `mapstructure:"skip_patterns"`
	Parallel     bool     `mapstructure:"parallel"`
	Archives     bool     `mapstructure:"archives"`
}

// flagKeys maps persistent flag names to their config keys.
var flagKeys = map[string]string{
	"db":            "db",
	"format":        "format",
	"verbose":       "verbose",
	"registry-host": "registry_host",
}

// loadConfig layers defaults, the config file, the environment, and the
// command's flags. configPath, when set, must exist; otherwise
// repoRoot/.spindex.yaml is read if present.
func loadConfig(cmd *cobra.Command, repoRoot, configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db", "")
	v.SetDefault("format", "json")
	v.SetDefault("verbose", false)
	v.SetDefault("registry_host", spindex.DefaultRegistryHost)
	v.SetDefault("annotation", "")
	v.SetDefault("skip_patterns", []string{})
	v.SetDefault("parallel", true)
	v.SetDefault("archives", true)

	v.SetEnvPrefix("SPINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	switch {
	case configPath != "":
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		v.SetConfigFile(configPath)
	default:
		path := filepath.Join(repoRoot, ConfigFileName)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
		if path != "" {
			v.SetConfigFile(path)
		}
	}
	if v.ConfigFileUsed() != "" {
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	if cmd != nil {
		flags := cmd.Flags()
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &c, nil
}
