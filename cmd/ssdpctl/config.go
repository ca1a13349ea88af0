package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// config is the on-disk state for ssdpctl. The uuid is generated once and
// kept so the advertised identity stays stable across runs.
type config struct {
	UUID string `yaml:"uuid,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ssdpctl", "config.yaml"), nil
}

// loadConfig reads the configuration, returning defaults when the file does
// not exist yet. The resolved path is returned for later saves.
func loadConfig(path string) (*config, string, error) {
	if path == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}

	cfg := &config{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, path, nil
	}
	if err != nil {
		return nil, "", err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func saveConfig(path string, cfg *config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
