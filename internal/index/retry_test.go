package index

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

var errBusy = sqlite3.Error{Code: sqlite3.ErrBusy}

func TestWithRetry(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}

	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), policy, "op", func() error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("WithRetry() error = %v", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("retries busy then succeeds", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), policy, "op", func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("wrapped: %w", errBusy)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithRetry() error = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("exhaustion returns StorageError", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), policy, "upsert", func() error {
			calls++
			return errBusy
		})
		var storageErr *StorageError
		if !errors.As(err, &storageErr) {
			t.Fatalf("WithRetry() error = %v, want *StorageError", err)
		}
		if storageErr.Op != "upsert" || storageErr.Attempts != 3 {
			t.Errorf("StorageError = %+v, want op upsert and 3 attempts", storageErr)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
		if !IsBusy(err) {
			t.Error("StorageError should unwrap to the busy error")
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := WithRetry(context.Background(), policy, "op", func() error {
			calls++
			return boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("WithRetry() error = %v, want %v", err, boom)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("cancellation stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := WithRetry(ctx, RetryPolicy{Attempts: 5, BaseDelay: time.Hour}, "op", func() error {
			calls++
			cancel()
			return errBusy
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WithRetry() error = %v, want context.Canceled", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"plain", errors.New("x"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBusy(tt.err); got != tt.want {
				t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
