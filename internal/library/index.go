package library

import (
	"context"
	"errors"

	"mlsync/internal/model"
)

// ErrNotFound is returned when an operation addresses a record that does not exist.
var ErrNotFound = errors.New("record not found")

// Index is the persistent record store.
// Lookups return nil, nil when nothing matches.
type Index interface {
	// Record operations

	// Upsert inserts the record or replaces the one with the same source path.
	// The first insert of a linked, non-terminal record emits an "added" notification.
	Upsert(ctx context.Context, record *model.Record) error

	// LookupBySource returns the record for a source path.
	LookupBySource(ctx context.Context, sourcePath string) (*model.Record, error)

	// LookupByDestination returns the record owning a destination path.
	LookupByDestination(ctx context.Context, destinationPath string) (*model.Record, error)

	// FindBySourcePrefix returns records whose source is dir or lies under it.
	FindBySourcePrefix(ctx context.Context, dir string) ([]*model.Record, error)

	// FindByDestinationPrefix returns records whose destination is dir or lies under it.
	FindByDestinationPrefix(ctx context.Context, dir string) ([]*model.Record, error)

	// Delete removes the record for a source path. Deleting a missing record is not an error.
	Delete(ctx context.Context, sourcePath string) error

	// RenameDestination moves a record's destination from oldPath to newPath, touching
	// nothing but the destination and base path.
	// Returns ErrNotFound if no record has oldPath as its destination.
	RenameDestination(ctx context.Context, oldPath, newPath, basePath string) error

	// ListLive returns every non-terminal record that has a destination.
	ListLive(ctx context.Context) ([]*model.Record, error)

	// Search returns records whose source or destination matches a LIKE pattern.
	// "*" is accepted as a wildcard.
	Search(ctx context.Context, pattern string) ([]*model.Record, error)

	// Maintenance

	// ArchiveOverflow moves the oldest records beyond maxRecords into the archive.
	// Returns the number of records moved.
	ArchiveOverflow(ctx context.Context, maxRecords int64) (int64, error)

	// LookupArchived returns the most recently archived record for a source, or nil.
	LookupArchived(ctx context.Context, sourcePath string) (*model.Record, error)

	// ImportRecords upserts records in one transaction without notifications.
	ImportRecords(ctx context.Context, records []*model.Record) (int, error)

	// ExportPairs streams the source/destination pair of every linked record.
	ExportPairs(ctx context.Context, fn func(model.PathPair) error) error

	Stats(ctx context.Context) (*model.Stats, error)
	Vacuum(ctx context.Context) error

	// VerifyIntegrity checks storage consistency and schema version.
	VerifyIntegrity(ctx context.Context) error

	// Reset drops all records and recreates an empty schema.
	Reset(ctx context.Context) error

	// BackupTo writes a consistent copy of the store to path.
	BackupTo(ctx context.Context, path string) error

	// Path returns the store location, ":memory:" for in-memory stores.
	Path() string

	// Sync-run history

	CreateSyncRun(ctx context.Context, run *model.SyncRun) error
	FinishSyncRun(ctx context.Context, run *model.SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error)

	Close() error
}
