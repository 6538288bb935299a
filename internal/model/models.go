package model

import (
	"database/sql"
	"time"
)

// Reasons recorded on terminal records.
const (
	ReasonFilesystemError      = "filesystem_error"
	ReasonDestinationOccupied  = "destination_occupied"
	ReasonUnsupportedExtension = "unsupported_extension"
	ReasonIgnoredFile          = "ignored_file"
	ReasonSourceRemoved        = "source_removed"
	ReasonBrokenLink           = "broken_link"
	ReasonDuplicateLink        = "duplicate_link"
)

// Record is one row of the index: a source file and the library link made for it.
// DestinationPath is NULL while a file is unresolved or skipped. A non-NULL Reason
// marks the record terminal.
type Record struct {
	ID              int64 // insertion order
	SourcePath      string
	DestinationPath sql.NullString
	BasePath        sql.NullString

	PrimaryID     string
	IMDBID        string
	TVDBID        string
	SeasonNumber  sql.NullInt64
	EpisodeNumber sql.NullInt64
	ProperName    string
	Year          sql.NullInt64
	Language      string
	Quality       string
	IsAnime       bool
	IsSports      bool
	SportName     string
	SportRound    sql.NullInt64
	SportSession  string

	FileSize     int64
	ErrorMessage sql.NullString
	Reason       sql.NullString
	ProcessedAt  time.Time
}

// IsTerminal reports whether the record was permanently skipped or failed.
func (r *Record) IsTerminal() bool {
	return r.Reason.Valid
}

// Destination returns the destination path, or "" when there is none.
func (r *Record) Destination() string {
	if !r.DestinationPath.Valid {
		return ""
	}
	return r.DestinationPath.String
}

// Identifiers returns the non-empty identifiers keyed by provider.
func (r *Record) Identifiers() map[string]string {
	ids := make(map[string]string, 3)
	if r.PrimaryID != "" {
		ids["primary"] = r.PrimaryID
	}
	if r.IMDBID != "" {
		ids["imdb"] = r.IMDBID
	}
	if r.TVDBID != "" {
		ids["tvdb"] = r.TVDBID
	}
	return ids
}

// SyncRun is one recorded invocation of a mutating operation (a sync cycle, a sweep,
// an import, ...).
type SyncRun struct {
	ID         int64
	RunID      string
	Operation  string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string // "running", "success", "cancelled" or "error"
	Added      int64
	Removed    int64
	Failed     int64
}

// Stats summarizes the index store.
type Stats struct {
	TotalRecords    int64
	ArchivedRecords int64
	TerminalRecords int64
	StoreSize       int64 // bytes, from page_count * page_size
}

// PathPair is the flat exchange format of the index.
type PathPair struct {
	SourcePath      string
	DestinationPath string
}
