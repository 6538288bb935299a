package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFileName is loaded from the working directory and the data directory.
const EnvFileName = ".env"

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - MLSYNC_CONFIG_PATH: config file location (default: ~/.config/mlsync.toml)
//   - MLSYNC_HOME: base directory for mlsync data (default: ~/.local/share/mlsync)
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

// LoadEnvFiles reads KEY=VALUE pairs from .env in the working directory, then from
// .env in the data directory. Variables that are already set are never overridden,
// so the working directory file also decides where the data directory is.
func LoadEnvFiles() error {
	if err := loadEnvFile(EnvFileName); err != nil {
		return err
	}
	baseDir, err := getBaseDir()
	if err != nil {
		return err
	}
	return loadEnvFile(filepath.Join(baseDir, EnvFileName))
}

func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// getConfigPath returns the config file path, checking MLSYNC_CONFIG_PATH first,
// then falling back to the default ~/.config/mlsync.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("MLSYNC_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "mlsync.toml"), nil
}

// getBaseDir returns the base directory for mlsync data, checking MLSYNC_HOME first,
// then falling back to the XDG default ~/.local/share/mlsync.
func getBaseDir() (string, error) {
	if path := os.Getenv("MLSYNC_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mlsync"), nil
}
