// Package config loads endpoint configuration from files, environment
// variables, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeConfigFile writes content to path, creating parent directories as
// needed.
func writeConfigFile(path, content string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
