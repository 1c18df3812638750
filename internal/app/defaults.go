package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - QUARRY_CONFIG_PATH: config file location (default: ~/.config/quarry.toml)
//   - QUARRY_HOME: base directory for quarry data (default: ~/.local/share/quarry)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking QUARRY_CONFIG_PATH env
// var first, then falling back to the default ~/.config/quarry.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("QUARRY_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "quarry.toml"), nil
}

// getBaseDir returns the base directory for quarry data, checking QUARRY_HOME
// env var first, then falling back to the XDG default ~/.local/share/quarry.
func getBaseDir() (string, error) {
	if path := os.Getenv("QUARRY_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "quarry"), nil
}
