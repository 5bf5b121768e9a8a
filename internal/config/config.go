// Package config loads and saves apt-ng's YAML configuration file, following
// the teacher's pkg/core/config.go LoadConfig/SaveConfig/DefaultConfig shape.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// fs is the filesystem config reads and writes through. Defaults to the
// real OS filesystem; tests may swap in an in-memory afero.Fs.
var fs = afero.NewOsFs()

// Config holds apt-ng's top-level configuration.
type Config struct {
	StateDir  string `yaml:"state_dir"`
	CacheDir  string `yaml:"cache_dir"`
	ConfigDir string `yaml:"config_dir"`
	RootDir   string `yaml:"root_dir"`
	Jobs      int    `yaml:"jobs"`
	Debug     bool   `yaml:"debug"`
	DryRun    bool   `yaml:"-"`
}

// DefaultConfig returns a configuration whose ConfigDir is
// $HOME/.config/apt-ng (or $APT_NG_CONFIG_DIR when set), with StateDir at
// $HOME/.local/state/apt-ng and CacheDir at $HOME/.cache/apt-ng.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	base := filepath.Join(home, ".config", "apt-ng")
	if v := os.Getenv("APT_NG_CONFIG_DIR"); v != "" {
		base = v
	}
	return &Config{
		StateDir:  filepath.Join(home, ".local", "state", "apt-ng"),
		CacheDir:  filepath.Join(home, ".cache", "apt-ng"),
		ConfigDir: base,
		RootDir:   "/",
		Jobs:      0, // 0 means "default to NumCPU" -- resolved by the orchestrator
		Debug:     false,
	}
}

// LoadConfig loads configuration from path, or the default location when
// path is empty. A missing file is not an error: DefaultConfig is returned.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return DefaultConfig(), nil
		}
		path = filepath.Join(home, ".config", "apt-ng", "config.yaml")
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, errors.Wrap(err, "reading config")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	return cfg, nil
}

// SaveConfig writes cfg to path, or the default location when path is empty.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".config", "apt-ng", "config.yaml")
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}

	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return errors.Wrap(err, "writing config")
	}

	return nil
}
