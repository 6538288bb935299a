package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"mlsync/internal/index/migrations"
	"mlsync/internal/library"
	"mlsync/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// MemoryPath opens a private in-memory index.
const MemoryPath = ":memory:"

// Options tunes a SQLiteIndex.
type Options struct {
	MaxOpenConns int // ignored for in-memory indexes, which use a single connection
	BusyTimeout  time.Duration
	Retry        RetryPolicy
	Notifier     library.Notifier // nil disables "added" notifications
	Clock        library.Clock    // stamps events and defaulted timestamps; nil means RealClock
}

// SQLiteIndex implements library.Index on SQLite. Live records and the archive share one
// database.
type SQLiteIndex struct {
	db       *sql.DB
	path     string
	retry    RetryPolicy
	notifier library.Notifier
	clock    library.Clock
}

var _ library.Index = (*SQLiteIndex)(nil)

// Open opens (creating if needed) the index at path and migrates it to the latest
// schema.
func Open(path string, opts Options) (*SQLiteIndex, error) {
	db, err := OpenConnection(path, opts)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating index: %w", err)
	}

	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = library.NopNotifier{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = library.RealClock{}
	}
	return &SQLiteIndex{
		db:       db,
		path:     path,
		retry:    opts.Retry,
		notifier: notifier,
		clock:    clock,
	}, nil
}

// OpenConnection opens and configures a SQLite connection pool. Per-connection pragmas
// go in the DSN so every pooled connection gets them.
func OpenConnection(path string, opts Options) (*sql.DB, error) {
	busy := opts.BusyTimeout
	if busy == 0 {
		busy = 5 * time.Second
	}

	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(busy.Milliseconds()))
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	if path != MemoryPath {
		params.Set("_journal_mode", "WAL")
		params.Set("_synchronous", "NORMAL")
	}

	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == MemoryPath {
		// Every new connection to :memory: is a new, empty database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		conns := max(opts.MaxOpenConns, 1)
		db.SetMaxOpenConns(conns)
		db.SetMaxIdleConns(conns)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

const recordColumns = `id, source_path, destination_path, base_path, primary_id, imdb_id, tvdb_id,
	season_number, episode_number, proper_name, year, language, quality, is_anime, is_sports,
	sport_name, sport_round, sport_session, file_size, error_message, reason, processed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.Record, error) {
	var r model.Record
	err := row.Scan(&r.ID, &r.SourcePath, &r.DestinationPath, &r.BasePath, &r.PrimaryID, &r.IMDBID, &r.TVDBID,
		&r.SeasonNumber, &r.EpisodeNumber, &r.ProperName, &r.Year, &r.Language, &r.Quality, &r.IsAnime, &r.IsSports,
		&r.SportName, &r.SportRound, &r.SportSession, &r.FileSize, &r.ErrorMessage, &r.Reason, &r.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteIndex) queryRecords(ctx context.Context, q queryer, query string, args ...any) ([]*model.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteIndex) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Record operations

const upsertRecord = `
INSERT INTO records (source_path, destination_path, base_path, primary_id, imdb_id, tvdb_id,
	season_number, episode_number, proper_name, year, language, quality, is_anime, is_sports,
	sport_name, sport_round, sport_session, file_size, error_message, reason, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_path) DO UPDATE SET
	destination_path = excluded.destination_path,
	base_path        = excluded.base_path,
	primary_id       = excluded.primary_id,
	imdb_id          = excluded.imdb_id,
	tvdb_id          = excluded.tvdb_id,
	season_number    = excluded.season_number,
	episode_number   = excluded.episode_number,
	proper_name      = excluded.proper_name,
	year             = excluded.year,
	language         = excluded.language,
	quality          = excluded.quality,
	is_anime         = excluded.is_anime,
	is_sports        = excluded.is_sports,
	sport_name       = excluded.sport_name,
	sport_round      = excluded.sport_round,
	sport_session    = excluded.sport_session,
	file_size        = excluded.file_size,
	error_message    = excluded.error_message,
	reason           = excluded.reason,
	processed_at     = excluded.processed_at
RETURNING id`

func upsertArgs(r *model.Record) []any {
	return []any{r.SourcePath, r.DestinationPath, r.BasePath, r.PrimaryID, r.IMDBID, r.TVDBID,
		r.SeasonNumber, r.EpisodeNumber, r.ProperName, r.Year, r.Language, r.Quality, r.IsAnime, r.IsSports,
		r.SportName, r.SportRound, r.SportSession, r.FileSize, r.ErrorMessage, r.Reason, r.ProcessedAt.UTC()}
}

// upsertTx writes rec inside tx and reports whether it was a fresh insert.
func upsertTx(ctx context.Context, tx *sql.Tx, rec *model.Record) (bool, error) {
	var existing int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM records WHERE source_path = ?`, rec.SourcePath).Scan(&existing)
	inserted := errors.Is(err, sql.ErrNoRows)
	if err != nil && !inserted {
		return false, err
	}
	if err := tx.QueryRowContext(ctx, upsertRecord, upsertArgs(rec)...).Scan(&rec.ID); err != nil {
		return false, err
	}
	return inserted, nil
}

// Upsert implements library.Index.
func (s *SQLiteIndex) Upsert(ctx context.Context, rec *model.Record) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = s.clock.Now()
	}

	var inserted bool
	err := WithRetry(ctx, s.retry, "upsert", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			inserted, err = upsertTx(ctx, tx, rec)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", rec.SourcePath, err)
	}

	if inserted && rec.DestinationPath.Valid && !rec.Reason.Valid {
		s.notifier.Notify(model.AddedEvent(rec, s.clock.Now()))
	}
	return nil
}

func (s *SQLiteIndex) lookupOne(ctx context.Context, op, query string, arg any) (*model.Record, error) {
	var rec *model.Record
	err := WithRetry(ctx, s.retry, op, func() error {
		var err error
		rec, err = scanRecord(s.db.QueryRowContext(ctx, query, arg))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

// LookupBySource implements library.Index.
func (s *SQLiteIndex) LookupBySource(ctx context.Context, sourcePath string) (*model.Record, error) {
	return s.lookupOne(ctx, "finding record by source",
		`SELECT `+recordColumns+` FROM records WHERE source_path = ?`, sourcePath)
}

// LookupByDestination implements library.Index.
func (s *SQLiteIndex) LookupByDestination(ctx context.Context, destinationPath string) (*model.Record, error) {
	return s.lookupOne(ctx, "finding record by destination",
		`SELECT `+recordColumns+` FROM records WHERE destination_path = ?`, destinationPath)
}

// likePrefix returns a LIKE pattern matching everything strictly beneath dir.
func likePrefix(dir string) string {
	dir = strings.TrimSuffix(dir, "/")
	return escapeLike(dir) + "/%"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (s *SQLiteIndex) findByPrefix(ctx context.Context, op, column, dir string) ([]*model.Record, error) {
	dir = strings.TrimSuffix(dir, "/")
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE ` + column + ` = ? OR ` + column + ` LIKE ? ESCAPE '\'
		ORDER BY id`

	var records []*model.Record
	err := WithRetry(ctx, s.retry, op, func() error {
		var err error
		records, err = s.queryRecords(ctx, s.db, query, dir, likePrefix(dir))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

// FindBySourcePrefix implements library.Index.
func (s *SQLiteIndex) FindBySourcePrefix(ctx context.Context, dir string) ([]*model.Record, error) {
	return s.findByPrefix(ctx, "finding records by source prefix", "source_path", dir)
}

// FindByDestinationPrefix implements library.Index.
func (s *SQLiteIndex) FindByDestinationPrefix(ctx context.Context, dir string) ([]*model.Record, error) {
	return s.findByPrefix(ctx, "finding records by destination prefix", "destination_path", dir)
}

// Delete implements library.Index.
func (s *SQLiteIndex) Delete(ctx context.Context, sourcePath string) error {
	err := WithRetry(ctx, s.retry, "delete", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE source_path = ?`, sourcePath)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", sourcePath, err)
	}
	return nil
}

// RenameDestination implements library.Index.
func (s *SQLiteIndex) RenameDestination(ctx context.Context, oldPath, newPath, basePath string) error {
	var affected int64
	err := WithRetry(ctx, s.retry, "rename destination", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE records SET destination_path = ?, base_path = ? WHERE destination_path = ?`,
			newPath, sql.NullString{String: basePath, Valid: basePath != ""}, oldPath)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("renaming destination %s: %w", oldPath, err)
	}
	if affected == 0 {
		return fmt.Errorf("renaming destination %s: %w", oldPath, library.ErrNotFound)
	}
	return nil
}

// ListLive implements library.Index.
func (s *SQLiteIndex) ListLive(ctx context.Context) ([]*model.Record, error) {
	var records []*model.Record
	err := WithRetry(ctx, s.retry, "list live", func() error {
		var err error
		records, err = s.queryRecords(ctx, s.db, `SELECT `+recordColumns+` FROM records
			WHERE reason IS NULL AND destination_path IS NOT NULL ORDER BY id`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing live records: %w", err)
	}
	return records, nil
}

// searchPattern turns user input into a LIKE pattern. "*" is a wildcard; input with
// no wildcard matches as a substring.
func searchPattern(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "*", "%")
	if !strings.ContainsAny(pattern, "%_") {
		pattern = "%" + pattern + "%"
	}
	return pattern
}

// Search implements library.Index.
func (s *SQLiteIndex) Search(ctx context.Context, pattern string) ([]*model.Record, error) {
	like := searchPattern(pattern)
	var records []*model.Record
	err := WithRetry(ctx, s.retry, "search", func() error {
		var err error
		records, err = s.queryRecords(ctx, s.db, `SELECT `+recordColumns+` FROM records
			WHERE source_path LIKE ? OR destination_path LIKE ? ORDER BY id`, like, like)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("searching records: %w", err)
	}
	return records, nil
}

// Maintenance

const archiveColumns = `id, source_path, destination_path, base_path, primary_id, imdb_id, tvdb_id,
	season_number, episode_number, proper_name, year, language, quality, is_anime, is_sports,
	sport_name, sport_round, sport_session, file_size, error_message, reason, processed_at`

// ArchiveOverflow implements library.Index.
func (s *SQLiteIndex) ArchiveOverflow(ctx context.Context, maxRecords int64) (int64, error) {
	if maxRecords <= 0 {
		return 0, nil
	}

	var moved int64
	err := WithRetry(ctx, s.retry, "archive overflow", func() error {
		moved = 0
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var total int64
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&total); err != nil {
				return err
			}
			excess := total - maxRecords
			if excess <= 0 {
				return nil
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO archived_records (`+archiveColumns+`, archived_at)
				 SELECT `+archiveColumns+`, ? FROM records ORDER BY id LIMIT ?`,
				s.clock.Now().UTC(), excess); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM records WHERE id IN (SELECT id FROM records ORDER BY id LIMIT ?)`,
				excess); err != nil {
				return err
			}
			moved = excess
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("archiving overflow: %w", err)
	}
	return moved, nil
}

// LookupArchived implements library.Index.
func (s *SQLiteIndex) LookupArchived(ctx context.Context, sourcePath string) (*model.Record, error) {
	return s.lookupOne(ctx, "finding archived record",
		`SELECT `+archiveColumns+` FROM archived_records WHERE source_path = ?
		 ORDER BY archive_id DESC LIMIT 1`, sourcePath)
}

// ImportRecords implements library.Index. Records whose destination already belongs to
// a different source are skipped; the returned count covers written records only.
func (s *SQLiteIndex) ImportRecords(ctx context.Context, records []*model.Record) (int, error) {
	var imported int
	err := WithRetry(ctx, s.retry, "import", func() error {
		imported = 0
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for _, rec := range records {
				if rec.ProcessedAt.IsZero() {
					rec.ProcessedAt = s.clock.Now()
				}
				if rec.DestinationPath.Valid {
					var owner string
					err := tx.QueryRowContext(ctx,
						`SELECT source_path FROM records WHERE destination_path = ?`,
						rec.DestinationPath.String).Scan(&owner)
					if err != nil && !errors.Is(err, sql.ErrNoRows) {
						return err
					}
					if err == nil && owner != rec.SourcePath {
						continue
					}
				}
				if _, err := upsertTx(ctx, tx, rec); err != nil {
					return fmt.Errorf("importing %s: %w", rec.SourcePath, err)
				}
				imported++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("importing records: %w", err)
	}
	return imported, nil
}

// ExportPairs implements library.Index. fn runs while the result set is open and must
// not call back into the index.
func (s *SQLiteIndex) ExportPairs(ctx context.Context, fn func(model.PathPair) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_path, destination_path FROM records WHERE destination_path IS NOT NULL ORDER BY id`)
	if err != nil {
		return fmt.Errorf("exporting records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pair model.PathPair
		if err := rows.Scan(&pair.SourcePath, &pair.DestinationPath); err != nil {
			return fmt.Errorf("exporting records: %w", err)
		}
		if err := fn(pair); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("exporting records: %w", err)
	}
	return nil
}

// Stats implements library.Index.
func (s *SQLiteIndex) Stats(ctx context.Context) (*model.Stats, error) {
	var st model.Stats
	err := WithRetry(ctx, s.retry, "stats", func() error {
		row := s.db.QueryRowContext(ctx, `SELECT
			(SELECT COUNT(*) FROM records),
			(SELECT COUNT(*) FROM archived_records),
			(SELECT COUNT(*) FROM records WHERE reason IS NOT NULL),
			(SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size())`)
		return row.Scan(&st.TotalRecords, &st.ArchivedRecords, &st.TerminalRecords, &st.StoreSize)
	})
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	return &st, nil
}

// Vacuum implements library.Index.
func (s *SQLiteIndex) Vacuum(ctx context.Context) error {
	err := WithRetry(ctx, s.retry, "vacuum", func() error {
		_, err := s.db.ExecContext(ctx, `VACUUM`)
		return err
	})
	if err != nil {
		return fmt.Errorf("vacuuming index: %w", err)
	}
	return nil
}

// VerifyIntegrity implements library.Index.
func (s *SQLiteIndex) VerifyIntegrity(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("checking integrity: %w", err)
	}
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return fmt.Errorf("checking integrity: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("checking integrity: %w", err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("integrity check failed: %s", strings.Join(problems, "; "))
	}

	if err := migrations.CheckDBMigrationStatus(s.db); err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}
	return nil
}

// Reset implements library.Index.
func (s *SQLiteIndex) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := migrations.Reset(s.db); err != nil {
		return fmt.Errorf("resetting index: %w", err)
	}
	return nil
}

// BackupTo implements library.Index using VACUUM INTO.
func (s *SQLiteIndex) BackupTo(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up index: %w", err)
	}
	return nil
}

// Path returns the database file path (or ":memory:" for in-memory indexes).
func (s *SQLiteIndex) Path() string {
	return s.path
}

// Sync-run history

// CreateSyncRun implements library.Index.
func (s *SQLiteIndex) CreateSyncRun(ctx context.Context, run *model.SyncRun) error {
	if run.Status == "" {
		run.Status = "running"
	}
	err := WithRetry(ctx, s.retry, "create sync run", func() error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO sync_runs (run_id, operation, started_at, finished_at, status, added, removed, failed)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			run.RunID, run.Operation, run.StartedAt.UTC(), run.FinishedAt, run.Status,
			run.Added, run.Removed, run.Failed).Scan(&run.ID)
	})
	if err != nil {
		return fmt.Errorf("creating sync run: %w", err)
	}
	return nil
}

// FinishSyncRun implements library.Index.
func (s *SQLiteIndex) FinishSyncRun(ctx context.Context, run *model.SyncRun) error {
	if !run.FinishedAt.Valid {
		run.FinishedAt = sql.NullTime{Time: s.clock.Now(), Valid: true}
	}
	err := WithRetry(ctx, s.retry, "finish sync run", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sync_runs SET finished_at = ?, status = ?, added = ?, removed = ?, failed = ? WHERE id = ?`,
			run.FinishedAt.Time.UTC(), run.Status, run.Added, run.Removed, run.Failed, run.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	return nil
}

// ListSyncRuns implements library.Index, newest first.
func (s *SQLiteIndex) ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	var runs []*model.SyncRun
	err := WithRetry(ctx, s.retry, "list sync runs", func() error {
		runs = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, run_id, operation, started_at, finished_at, status, added, removed, failed
			 FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r model.SyncRun
			if err := rows.Scan(&r.ID, &r.RunID, &r.Operation, &r.StartedAt, &r.FinishedAt, &r.Status,
				&r.Added, &r.Removed, &r.Failed); err != nil {
				return err
			}
			runs = append(runs, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	return runs, nil
}

// Close closes the database connection.
func (s *SQLiteIndex) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
