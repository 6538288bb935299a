package vault

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestMemoryVault_PutAndGetSnapshot(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault("test-vault")

	tests := []struct {
		name     string
		snapshot string
		content  string
	}{
		{"store and retrieve", "index.db.zst", "compressed index"},
		{"empty snapshot", "empty.zst", ""},
		{"large snapshot", "large.zst", strings.Repeat("x", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vault.PutSnapshot(ctx, tt.snapshot, strings.NewReader(tt.content), int64(len(tt.content)), 1)
			if err != nil {
				t.Fatalf("PutSnapshot() error = %v", err)
			}

			var buf bytes.Buffer
			if err := vault.GetSnapshot(ctx, tt.snapshot, &buf); err != nil {
				t.Fatalf("GetSnapshot() error = %v", err)
			}
			if got := buf.String(); got != tt.content {
				t.Errorf("GetSnapshot() = %d bytes, want %d", len(got), len(tt.content))
			}
		})
	}
}

func TestMemoryVault_Errors(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault("test-vault")

	t.Run("size mismatch", func(t *testing.T) {
		if err := vault.PutSnapshot(ctx, "a", strings.NewReader("abc"), 10, 1); err == nil {
			t.Error("PutSnapshot() expected size mismatch error, got nil")
		}
	})

	t.Run("missing snapshot", func(t *testing.T) {
		var buf bytes.Buffer
		if err := vault.GetSnapshot(ctx, "missing", &buf); err == nil {
			t.Error("GetSnapshot() expected error for missing snapshot, got nil")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		if err := vault.PutSnapshot(cancelled, "a", strings.NewReader(""), 0, 1); err == nil {
			t.Error("PutSnapshot() expected context error, got nil")
		}
	})
}

func TestMemoryVault_SnapshotVersion(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault("test-vault")

	v, err := vault.GetSnapshotVersion(ctx, "index.db.zst")
	if err != nil || v != 0 {
		t.Errorf("GetSnapshotVersion() = %d, %v, want 0, nil", v, err)
	}

	for _, want := range []int64{1, 2, 7} {
		if err := vault.PutSnapshot(ctx, "index.db.zst", strings.NewReader("x"), 1, want); err != nil {
			t.Fatalf("PutSnapshot() error = %v", err)
		}
		got, err := vault.GetSnapshotVersion(ctx, "index.db.zst")
		if err != nil {
			t.Fatalf("GetSnapshotVersion() error = %v", err)
		}
		if got != want {
			t.Errorf("GetSnapshotVersion() = %d, want %d", got, want)
		}
	}

	if err := vault.ValidateSetup(ctx); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}
