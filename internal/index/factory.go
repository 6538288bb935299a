package index

import (
	"fmt"
	"path/filepath"

	"mlsync/internal/config"
	"mlsync/internal/library"
)

// FileName is the index database file inside data_dir.
const FileName = "index.db"

// NewIndexFromConfig opens the Index described by the database config. clock may be nil.
func NewIndexFromConfig(cfg config.DatabaseConfig, notifier library.Notifier, clock library.Clock) (*SQLiteIndex, error) {
	opts := Options{
		MaxOpenConns: cfg.MaxOpenConns,
		Retry: RetryPolicy{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay.Duration,
		},
		Notifier: notifier,
		Clock:    clock,
	}

	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite index")
		}
		return Open(filepath.Join(cfg.DataDir, FileName), opts)
	case "memory":
		return Open(MemoryPath, opts)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
