package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"mlsync/internal/library"
)

// MemoryVault keeps snapshots in memory. Useful for tests.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name     string
	data     map[string][]byte
	versions map[string]int64
	mu       sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		data:     make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

// PutSnapshot stores a named snapshot along with its version.
func (m *MemoryVault) PutSnapshot(ctx context.Context, name string, r io.Reader, size int64, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[name] = data
	m.versions[name] = version
	return nil
}

// GetSnapshot writes the named snapshot to w.
func (m *MemoryVault) GetSnapshot(ctx context.Context, name string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[name]
	if !ok {
		return fmt.Errorf("snapshot not found: %s", name)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// GetSnapshotVersion returns the stored version, or 0 if name was never stored.
func (m *MemoryVault) GetSnapshotVersion(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.versions[name], nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(context.Context) error {
	return nil
}

// Compile-time check that MemoryVault implements library.Vault interface
var _ library.Vault = (*MemoryVault)(nil)
