package main

import (
	"io/fs"
	"os"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/server/internal/config"
)

// configRelPath is the config location below each XDG config directory.
const configRelPath = "streamcheck/config.yaml"

// resolveConfig loads path when set. Otherwise the first XDG config file is
// used, falling back to the built-in defaults when there is none.
func resolveConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	found, err := xdg.SearchConfigFile(configRelPath)
	if err != nil {
		return config.Default(), "", nil
	}
	if _, err := os.Stat(found); errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(found)
	return cfg, found, err
}
