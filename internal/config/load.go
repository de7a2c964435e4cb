package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const fileName = "linggen-agent.toml"

// SearchPaths returns the config file candidates in resolution order:
// $LINGGEN_CONFIG, ./linggen-agent.toml, ~/.config/linggen-agent/,
// ~/.local/share/linggen-agent/.
func SearchPaths() []string {
	var paths []string
	if v := os.Getenv("LINGGEN_CONFIG"); v != "" {
		paths = append(paths, v)
	}
	paths = append(paths, fileName)
	home, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "linggen-agent", fileName),
			filepath.Join(home, ".local", "share", "linggen-agent", fileName),
		)
	}
	return paths
}

// Load reads the first config file found on the search path. A missing file is
// not an error: defaults apply and the server can still run against an empty
// model list (every run will fail with AllModelsDown, which is inspectable).
func Load() (*Config, string, error) {
	for _, path := range SearchPaths() {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, path, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg, err := Parse(data)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}
	return Default(), "", nil
}

// Parse decodes TOML over defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
