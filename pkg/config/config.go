// Package config loads the optional codedj config file: yaml defaults
// for the knobs the CLI also exposes as flags. Flags always win; the
// file only fills in values the operator did not pass explicitly.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/codedj/pkg/codedjerr"
)

// Config mirrors the CLI's global flags.
type Config struct {
	Datastore    string `yaml:"datastore"`
	GithubTokens string `yaml:"github_tokens"`
	NumThreads   int    `yaml:"num_threads"`
	Verbose      bool   `yaml:"verbose"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

// Default returns the built-in defaults applied before the file and the
// flags are layered on top.
func Default() Config {
	return Config{NumThreads: 16}
}

// Load reads path into a Config starting from Default. A missing file is
// not an error: the defaults are returned unchanged, so callers can probe
// a conventional location without checking for existence first.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, codedjerr.Wrap(codedjerr.IO, "config.load", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, codedjerr.Wrap(codedjerr.Usage, "config.load", err)
	}
	return cfg, nil
}
