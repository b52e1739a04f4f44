package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ctlConfig holds the defaults read from the configuration file.
type ctlConfig struct {
	// Kernel is the default kernel image path.
	Kernel string `yaml:"kernel"`

	// Bootlog is the default boot log destination.
	Bootlog string `yaml:"bootlog"`

	// InitialFilesystem is the default supervisor root block image.
	InitialFilesystem string `yaml:"initial_filesystem"`
}

// loadConfig reads the configuration file. A missing file yields defaults;
// only an explicitly requested file must exist.
func loadConfig(path string) (*ctlConfig, error) {
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return &ctlConfig{}, nil
		}

		path = home + "/.config/sandboxctl/config.yml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &ctlConfig{}, nil
		}

		return nil, fmt.Errorf("Failed to read configuration %q: %w", path, err)
	}

	config := &ctlConfig{}
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse configuration %q: %w", path, err)
	}

	return config, nil
}
