package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type runConfig struct {
	Limit    int          `toml:"limit"`
	LogLevel string       `toml:"log_level"`
	Items    []itemConfig `toml:"item"`
}

type itemConfig struct {
	Name     string   `toml:"name"`
	Cmd      []string `toml:"cmd"`
	Dir      string   `toml:"dir"`
	Requires []string `toml:"requires"`
}

func loadConfig(path string) (runConfig, error) {
	var cfg runConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return runConfig{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 2
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Items) == 0 {
		return runConfig{}, fmt.Errorf("%s: no items defined", path)
	}
	for i, it := range cfg.Items {
		if it.Name == "" {
			return runConfig{}, fmt.Errorf("%s: item %d has no name", path, i)
		}
		if len(it.Cmd) == 0 {
			return runConfig{}, fmt.Errorf("%s: item %q has no command", path, it.Name)
		}
	}
	return cfg, nil
}
