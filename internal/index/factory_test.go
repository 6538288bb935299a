package index

import (
	"os"
	"path/filepath"
	"testing"

	"mlsync/internal/config"
)

func TestNewIndexFromConfig(t *testing.T) {
	t.Run("memory index", func(t *testing.T) {
		got, err := NewIndexFromConfig(config.DatabaseConfig{Type: "memory"}, nil, nil)
		if err != nil {
			t.Fatalf("NewIndexFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		if got.Path() != MemoryPath {
			t.Errorf("Path() = %q, want %q", got.Path(), MemoryPath)
		}
	})

	t.Run("sqlite index", func(t *testing.T) {
		dataDir := t.TempDir()
		got, err := NewIndexFromConfig(config.DatabaseConfig{Type: "sqlite", DataDir: dataDir}, nil, nil)
		if err != nil {
			t.Fatalf("NewIndexFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		want := filepath.Join(dataDir, FileName)
		if got.Path() != want {
			t.Errorf("Path() = %q, want %q", got.Path(), want)
		}
		if _, err := os.Stat(want); err != nil {
			t.Errorf("index file not created: %v", err)
		}
	})

	t.Run("sqlite index without data_dir", func(t *testing.T) {
		got, err := NewIndexFromConfig(config.DatabaseConfig{Type: "sqlite"}, nil, nil)
		if err == nil {
			t.Error("NewIndexFromConfig() expected error for missing data_dir, got nil")
		}
		if got != nil {
			t.Error("NewIndexFromConfig() should return nil on error")
			got.Close()
		}
	})

	t.Run("unknown database type", func(t *testing.T) {
		got, err := NewIndexFromConfig(config.DatabaseConfig{Type: "postgres"}, nil, nil)
		if err == nil {
			t.Error("NewIndexFromConfig() expected error for unknown type, got nil")
		}
		if got != nil {
			t.Error("NewIndexFromConfig() should return nil on error")
			got.Close()
		}
	})
}
