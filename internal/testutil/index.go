package testutil

import (
	"testing"

	"mlsync/internal/index"
	"mlsync/internal/library"
)

// NewTestIndex opens a migrated in-memory index that reports to notifier and reads time
// from clock. Either may be nil. The index is closed when the test completes.
func NewTestIndex(t *testing.T, notifier library.Notifier, clock library.Clock) *index.SQLiteIndex {
	t.Helper()

	idx, err := index.Open(index.MemoryPath, index.Options{Notifier: notifier, Clock: clock})
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}

	t.Cleanup(func() {
		idx.Close()
	})

	return idx
}
