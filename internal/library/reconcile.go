package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"mlsync/internal/lru"
	"mlsync/internal/model"
)

// Action is the outcome of reconciling one source file.
type Action string

const (
	ActionUnchanged Action = "unchanged" // the expected link already exists
	ActionRenamed   Action = "renamed"   // the link was found elsewhere and the record followed it
	ActionSkipped   Action = "skipped"   // the resolver declined the file
	ActionAdopted   Action = "adopted"   // a link to the source already sat at the destination
	ActionLinked    Action = "linked"
	ActionVersioned Action = "versioned" // linked under a "[Version N]" name
	ActionFailed    Action = "failed"    // recorded as terminal with a reason
	ActionTerminal  Action = "terminal"  // an earlier terminal record was left alone
)

// maxVersions bounds the "[Version N]" probe.
const maxVersions = 1000

// Result describes what Reconcile did for one source.
type Result struct {
	Action      Action
	SourcePath  string
	Destination string
	Err         error // the recorded per-file failure for ActionFailed
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	LibraryRoot  string
	TrashDir     string // excluded from rename searches
	WalkLimit    int    // entries examined when searching the library for a moved link
	DirCacheSize int    // parent directories remembered as already created
}

// Reconciler makes the library link for one source file match the index.
type Reconciler struct {
	index     Index
	resolver  Resolver
	fs        LinkFS
	notifier  Notifier
	refresher Refresher
	logger    Logger
	clock     Clock
	opts      ReconcilerOptions
	dirs      *lru.Cache[string, struct{}]
}

// NewReconciler creates a Reconciler. refresher may be nil.
func NewReconciler(index Index, resolver Resolver, fsys LinkFS, notifier Notifier, refresher Refresher, logger Logger, clock Clock, opts ReconcilerOptions) *Reconciler {
	if opts.DirCacheSize <= 0 {
		opts.DirCacheSize = 1024
	}
	opts.LibraryRoot = filepath.Clean(opts.LibraryRoot)
	return &Reconciler{
		index:     index,
		resolver:  resolver,
		fs:        fsys,
		notifier:  notifier,
		refresher: refresher,
		logger:    logger,
		clock:     clock,
		opts:      opts,
		dirs:      lru.New[string, struct{}](opts.DirCacheSize, nil),
	}
}

// Reconcile brings the link for sourcePath in line with the index.
//
// Filesystem failures are recorded on the source's record and reported through the
// Result; the returned error is reserved for failures that left nothing recorded
// (index contention, resolver errors, a missing source).
func (r *Reconciler) Reconcile(ctx context.Context, sourcePath string) (*Result, error) {
	sourcePath = filepath.Clean(sourcePath)

	existing, err := r.index.LookupBySource(ctx, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", sourcePath, err)
	}
	if existing != nil && existing.IsTerminal() {
		return &Result{Action: ActionTerminal, SourcePath: sourcePath}, nil
	}

	if existing != nil && existing.DestinationPath.Valid {
		dest := existing.DestinationPath.String
		target, err := r.fs.Readlink(dest)
		switch {
		case err == nil && resolveLinkTarget(dest, target) == sourcePath:
			return &Result{Action: ActionUnchanged, SourcePath: sourcePath, Destination: dest}, nil
		case isNotExist(err):
			moved, err := r.findLinkTo(sourcePath)
			if err != nil {
				r.logger.Warn("rename search failed", "source", sourcePath, "error", err)
			}
			if moved != "" {
				if err := r.index.RenameDestination(ctx, dest, moved, BasePath(r.opts.LibraryRoot, moved)); err != nil {
					if !errors.Is(err, ErrNotFound) {
						return nil, fmt.Errorf("recording rename of %s: %w", dest, err)
					}
					r.logger.Warn("renamed link has no record", "old", dest, "new", moved)
				}
				r.logger.Info("link rename detected", "source", sourcePath, "old", dest, "new", moved)
				return &Result{Action: ActionRenamed, SourcePath: sourcePath, Destination: moved}, nil
			}
		}
	}

	info, err := r.fs.Stat(sourcePath)
	if isNotExist(err) {
		return nil, fmt.Errorf("stat source %s: %w", sourcePath, err)
	}
	if err != nil {
		return r.fail(ctx, sourcePath, &Resolution{}, 0, model.ReasonFilesystemError,
			fmt.Errorf("stat source %s: %w", sourcePath, err))
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source is a directory: %s", sourcePath)
	}

	res, err := r.resolver.Resolve(ctx, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", sourcePath, err)
	}
	if res.SkipReason != "" {
		rec := r.newRecord(sourcePath, res, info.Size())
		rec.Reason = sql.NullString{String: res.SkipReason, Valid: true}
		if err := r.index.Upsert(ctx, rec); err != nil {
			return nil, fmt.Errorf("recording skip of %s: %w", sourcePath, err)
		}
		r.logger.Debug("file skipped", "source", sourcePath, "reason", res.SkipReason)
		return &Result{Action: ActionSkipped, SourcePath: sourcePath}, nil
	}

	return r.link(ctx, sourcePath, res, info.Size(), existing != nil)
}

// link places the symlink for sourcePath at the resolved destination, or the first free
// "[Version N]" variant of it. tracked reports whether the source has a live record.
func (r *Reconciler) link(ctx context.Context, sourcePath string, res *Resolution, size int64, tracked bool) (*Result, error) {
	target := filepath.Clean(res.Destination)
	if !isUnder(target, r.opts.LibraryRoot) || target == r.opts.LibraryRoot {
		return nil, fmt.Errorf("destination %s is outside the library root", target)
	}

	raced := false
	for n := 1; n <= maxVersions; n++ {
		candidate := VersionedPath(target, n)

		state, err := r.probeSlot(candidate, sourcePath)
		if err != nil {
			return r.fail(ctx, sourcePath, res, size, model.ReasonFilesystemError, err)
		}
		switch state {
		case slotTaken:
			continue
		case slotOccupied:
			err := fmt.Errorf("%w: %s", ErrDestinationOccupied, candidate)
			return r.fail(ctx, sourcePath, res, size, model.ReasonDestinationOccupied, err)
		case slotOurs:
			if !tracked {
				archived, err := r.index.LookupArchived(ctx, sourcePath)
				if err != nil {
					return nil, fmt.Errorf("looking up archive for %s: %w", sourcePath, err)
				}
				if archived != nil && archived.Destination() == candidate {
					r.logger.Debug("archived link left in place", "source", sourcePath, "destination", candidate)
					return &Result{Action: ActionUnchanged, SourcePath: sourcePath, Destination: candidate}, nil
				}
			}
			if err := r.record(ctx, sourcePath, res, size, candidate); err != nil {
				return nil, err
			}
			r.logger.Info("existing link adopted", "source", sourcePath, "destination", candidate)
			return &Result{Action: ActionAdopted, SourcePath: sourcePath, Destination: candidate}, nil
		}

		// A free path still belongs to another record whose link went missing.
		owner, err := r.index.LookupByDestination(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("looking up owner of %s: %w", candidate, err)
		}
		if owner != nil && owner.SourcePath != sourcePath {
			continue
		}

		err = r.createLink(sourcePath, candidate)
		if errors.Is(err, fs.ErrExist) && !raced {
			// Lost a race for this slot; probe it again.
			raced = true
			n--
			continue
		}
		if err != nil {
			return r.fail(ctx, sourcePath, res, size, model.ReasonFilesystemError, err)
		}

		if err := r.record(ctx, sourcePath, res, size, candidate); err != nil {
			// Nothing may point into the library without a record behind it.
			if rmErr := r.fs.Remove(candidate); rmErr != nil && !isNotExist(rmErr) {
				r.logger.Error("untracked link left behind", "link", candidate, "error", rmErr)
			}
			return nil, err
		}
		r.refresh(ctx, filepath.Dir(candidate))

		action := ActionLinked
		if n > 1 {
			action = ActionVersioned
		}
		r.logger.Info("link created", "source", sourcePath, "destination", candidate, "version", n)
		return &Result{Action: action, SourcePath: sourcePath, Destination: candidate}, nil
	}

	err := fmt.Errorf("no free version of %s after %d attempts", target, maxVersions)
	return r.fail(ctx, sourcePath, res, size, model.ReasonDestinationOccupied, err)
}

type slotState int

const (
	slotFree     slotState = iota
	slotOurs                        // a symlink to this source
	slotTaken                       // a symlink elsewhere, or claimed by another record
	slotOccupied                    // a regular file or directory
)

func (r *Reconciler) probeSlot(path, sourcePath string) (slotState, error) {
	info, err := r.fs.Lstat(path)
	if err != nil {
		if !isNotExist(err) {
			return slotFree, fmt.Errorf("stat %s: %w", path, err)
		}
		return slotFree, nil
	}

	if info.Mode()&fs.ModeSymlink == 0 {
		return slotOccupied, nil
	}
	target, err := r.fs.Readlink(path)
	if err != nil {
		return slotFree, fmt.Errorf("reading link %s: %w", path, err)
	}
	if resolveLinkTarget(path, target) == sourcePath {
		return slotOurs, nil
	}
	return slotTaken, nil
}

// createLink makes the symlink, creating missing parents. A parent removed behind the
// cache's back is recreated once.
func (r *Reconciler) createLink(sourcePath, link string) error {
	parent := filepath.Dir(link)
	if err := r.ensureDir(parent); err != nil {
		return err
	}

	err := r.fs.Symlink(sourcePath, link)
	if isNotExist(err) {
		r.dirs.Remove(parent)
		if err := r.ensureDir(parent); err != nil {
			return err
		}
		err = r.fs.Symlink(sourcePath, link)
	}
	if err != nil {
		return fmt.Errorf("creating link %s: %w", link, err)
	}
	return nil
}

func (r *Reconciler) ensureDir(dir string) error {
	if _, ok := r.dirs.Get(dir); ok {
		return nil
	}
	if err := r.fs.MkdirAll(dir); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	r.dirs.Add(dir, struct{}{})
	return nil
}

func (r *Reconciler) record(ctx context.Context, sourcePath string, res *Resolution, size int64, dest string) error {
	rec := r.newRecord(sourcePath, res, size)
	rec.DestinationPath = sql.NullString{String: dest, Valid: true}
	rec.BasePath = sql.NullString{String: BasePath(r.opts.LibraryRoot, dest), Valid: true}
	if err := r.index.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("recording link %s: %w", dest, err)
	}
	return nil
}

// fail records a per-file failure as a terminal record and emits a "failed" event.
func (r *Reconciler) fail(ctx context.Context, sourcePath string, res *Resolution, size int64, reason string, cause error) (*Result, error) {
	r.logger.Warn("reconcile failed", "source", sourcePath, "reason", reason, "error", cause)

	rec := r.newRecord(sourcePath, res, size)
	rec.Reason = sql.NullString{String: reason, Valid: true}
	rec.ErrorMessage = sql.NullString{String: cause.Error(), Valid: true}
	if err := r.index.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording failure of %s: %w (after %v)", sourcePath, err, cause)
	}

	r.notifier.Notify(model.Event{
		Type:       model.EventFileFailed,
		SourcePath: sourcePath,
		Reason:     reason,
		Error:      cause.Error(),
		At:         r.clock.Now(),
	})
	return &Result{Action: ActionFailed, SourcePath: sourcePath, Err: cause}, nil
}

func (r *Reconciler) refresh(ctx context.Context, dir string) {
	if r.refresher == nil {
		return
	}
	if err := r.refresher.Refresh(ctx, dir); err != nil {
		r.logger.Warn("media server refresh failed", "dir", dir, "error", err)
	}
}

// findLinkTo searches the library for a symlink whose target is sourcePath.
func (r *Reconciler) findLinkTo(sourcePath string) (string, error) {
	var found string
	err := walkLinks(r.fs, r.opts.LibraryRoot, r.opts.WalkLimit, r.opts.TrashDir, func(link, target string) (bool, error) {
		if target == sourcePath {
			found = link
			return true, nil
		}
		return false, nil
	})
	return found, err
}

func (r *Reconciler) newRecord(sourcePath string, res *Resolution, size int64) *model.Record {
	return &model.Record{
		SourcePath:    sourcePath,
		PrimaryID:     res.PrimaryID,
		IMDBID:        res.IMDBID,
		TVDBID:        res.TVDBID,
		SeasonNumber:  res.SeasonNumber,
		EpisodeNumber: res.EpisodeNumber,
		ProperName:    res.ProperName,
		Year:          res.Year,
		Language:      res.Language,
		Quality:       res.Quality,
		IsAnime:       res.IsAnime,
		IsSports:      res.IsSports,
		SportName:     res.SportName,
		SportRound:    res.SportRound,
		SportSession:  res.SportSession,
		FileSize:      size,
		ProcessedAt:   r.clock.Now(),
	}
}

// VersionedPath returns path for n <= 1 and "name [Version n].ext" otherwise.
func VersionedPath(path string, n int) string {
	if n <= 1 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s [Version %d]%s", strings.TrimSuffix(path, ext), n, ext)
}

// BasePath returns the first component of dest relative to libraryRoot.
func BasePath(libraryRoot, dest string) string {
	rel, err := filepath.Rel(libraryRoot, dest)
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if first == ".." || first == "." {
		return ""
	}
	return first
}
