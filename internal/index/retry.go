package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// RetryPolicy bounds how long an operation keeps retrying on lock contention.
type RetryPolicy struct {
	Attempts  int           // total tries, including the first
	BaseDelay time.Duration // doubled after every failed try
}

// DefaultRetryPolicy is three attempts starting at 100ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// StorageError reports an index operation that still hit lock contention after every
// retry.
type StorageError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage busy after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsBusy reports whether err is SQLite lock contention (SQLITE_BUSY or SQLITE_LOCKED).
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// WithRetry runs fn, retrying with exponential backoff while it fails with lock
// contention. Other errors are returned as-is on first occurrence. Exhausting the
// policy returns a *StorageError; cancellation returns ctx.Err().
func WithRetry(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	attempts := max(policy.Attempts, 1)
	delay := policy.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return &StorageError{Op: op, Attempts: attempts, Err: err}
}
