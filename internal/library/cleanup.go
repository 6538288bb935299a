package library

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"mlsync/internal/model"
)

// CleanupOptions configures a Cleanup.
type CleanupOptions struct {
	LibraryRoot string
	TrashDir    string // when set, removed links are moved here instead of deleted
	WalkLimit   int    // entries examined by the last-resort library walk
}

// Cleanup removes library links whose sources are gone and the records behind them.
// It is safe to run alongside the Reconciler: removals only happen when a link still
// points where expected, and paths vanishing underneath it are tolerated.
type Cleanup struct {
	index    Index
	fs       LinkFS
	notifier Notifier
	logger   Logger
	clock    Clock
	opts     CleanupOptions

	prune singleflight.Group

	mu      sync.Mutex
	reverse map[string][]string // link target -> links, rebuilt once per cycle
}

// NewCleanup creates a Cleanup.
func NewCleanup(index Index, fsys LinkFS, notifier Notifier, logger Logger, clock Clock, opts CleanupOptions) *Cleanup {
	opts.LibraryRoot = filepath.Clean(opts.LibraryRoot)
	if opts.TrashDir != "" {
		opts.TrashDir = filepath.Clean(opts.TrashDir)
	}
	return &Cleanup{
		index:    index,
		fs:       fsys,
		notifier: notifier,
		logger:   logger,
		clock:    clock,
		opts:     opts,
	}
}

// candidate is a link (possibly empty) and the source it is believed to serve.
type candidate struct {
	link   string
	source string
}

// strategy finds cleanup candidates for a removed path.
type strategy struct {
	name string
	find func(ctx context.Context, removedPath string) ([]candidate, error)
}

func (c *Cleanup) strategies() []strategy {
	return []strategy{
		{"index", c.fromIndex},
		{"reverse_index", c.fromReverseIndex},
		{"library_walk", c.fromLibraryWalk},
	}
}

// ResetReverseIndex discards the link-target map so the next targeted cleanup that
// needs it rebuilds it from the index.
func (c *Cleanup) ResetReverseIndex() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverse = nil
}

// Targeted cleans up after removedPath (a file or directory) disappeared from a watched
// directory. Candidate discovery tries each strategy in order and stops at the first
// that finds anything. Returns the number of links removed.
func (c *Cleanup) Targeted(ctx context.Context, removedPath string) (int, error) {
	removedPath = filepath.Clean(removedPath)

	var found []candidate
	for _, s := range c.strategies() {
		cands, err := s.find(ctx, removedPath)
		if err != nil {
			return 0, fmt.Errorf("finding candidates via %s: %w", s.name, err)
		}
		if len(cands) > 0 {
			c.logger.Debug("cleanup candidates found", "path", removedPath, "strategy", s.name, "count", len(cands))
			found = cands
			break
		}
	}

	removed := 0
	for _, cand := range found {
		if ctx.Err() != nil {
			break
		}
		ok, err := c.cleanCandidate(ctx, cand, model.ReasonSourceRemoved)
		if err != nil {
			c.logger.Warn("cleanup failed", "source", cand.source, "link", cand.link, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (c *Cleanup) fromIndex(ctx context.Context, removedPath string) ([]candidate, error) {
	bySource, err := c.index.FindBySourcePrefix(ctx, removedPath)
	if err != nil {
		return nil, err
	}
	byDest, err := c.index.FindByDestinationPrefix(ctx, removedPath)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(bySource)+len(byDest))
	var cands []candidate
	for _, rec := range append(bySource, byDest...) {
		if seen[rec.SourcePath] {
			continue
		}
		seen[rec.SourcePath] = true
		cands = append(cands, candidate{link: rec.Destination(), source: rec.SourcePath})
	}
	return cands, nil
}

func (c *Cleanup) fromReverseIndex(ctx context.Context, removedPath string) ([]candidate, error) {
	reverse, err := c.reverseIndex(ctx)
	if err != nil {
		return nil, err
	}

	var cands []candidate
	for target, links := range reverse {
		if !isUnder(target, removedPath) {
			continue
		}
		for _, link := range links {
			cands = append(cands, candidate{link: link, source: target})
		}
	}
	return cands, nil
}

// reverseIndex maps the actual on-disk target of every recorded link to the link.
// It catches records whose source column drifted from what the link points at.
func (c *Cleanup) reverseIndex(ctx context.Context) (map[string][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reverse != nil {
		return c.reverse, nil
	}

	records, err := c.index.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	reverse := make(map[string][]string, len(records))
	for _, rec := range records {
		link := rec.Destination()
		target, err := c.fs.Readlink(link)
		if err != nil {
			continue
		}
		target = resolveLinkTarget(link, target)
		reverse[target] = append(reverse[target], link)
	}
	c.reverse = reverse
	return reverse, nil
}

func (c *Cleanup) fromLibraryWalk(ctx context.Context, removedPath string) ([]candidate, error) {
	removedStem := stem(removedPath)
	var cands []candidate
	err := walkLinks(c.fs, c.opts.LibraryRoot, c.opts.WalkLimit, c.opts.TrashDir, func(link, target string) (bool, error) {
		if ctx.Err() != nil {
			return true, nil
		}
		switch {
		case isUnder(target, removedPath):
			cands = append(cands, candidate{link: link, source: target})
		case stem(link) == removedStem || stem(target) == removedStem:
			if _, err := c.fs.Stat(target); isNotExist(err) {
				cands = append(cands, candidate{link: link, source: target})
			}
		}
		return false, nil
	})
	if err != nil && !isNotExist(err) {
		return nil, err
	}
	return cands, nil
}

// cleanCandidate removes the candidate's link and record if its source is really gone.
// It reports whether a link was removed.
func (c *Cleanup) cleanCandidate(ctx context.Context, cand candidate, reason string) (bool, error) {
	if _, err := c.fs.Stat(cand.source); err == nil {
		c.logger.Debug("cleanup candidate source still present", "source", cand.source, "link", cand.link)
		return false, nil
	} else if !isNotExist(err) {
		return false, fmt.Errorf("stat source %s: %w", cand.source, err)
	}

	removed := false
	if cand.link != "" {
		var err error
		removed, err = c.removeLinkIfMatches(cand.link, cand.source)
		if err != nil {
			return false, err
		}
	}

	if err := c.deleteRecords(ctx, cand); err != nil {
		return removed, err
	}

	if removed {
		c.pruneParents(filepath.Dir(cand.link))
		c.notifier.Notify(model.Event{
			Type:            model.EventFileDeleted,
			SourcePath:      cand.source,
			DestinationPath: cand.link,
			Reason:          reason,
			At:              c.clock.Now(),
		})
		c.logger.Info("orphaned link removed", "source", cand.source, "link", cand.link, "reason", reason)
	}
	return removed, nil
}

func (c *Cleanup) deleteRecords(ctx context.Context, cand candidate) error {
	if err := c.index.Delete(ctx, cand.source); err != nil {
		return fmt.Errorf("deleting record for %s: %w", cand.source, err)
	}
	if cand.link == "" {
		return nil
	}
	// The record owning the link may name a different source when the two drifted.
	owner, err := c.index.LookupByDestination(ctx, cand.link)
	if err != nil {
		return fmt.Errorf("looking up owner of %s: %w", cand.link, err)
	}
	if owner != nil {
		if _, err := c.fs.Stat(owner.SourcePath); isNotExist(err) {
			if err := c.index.Delete(ctx, owner.SourcePath); err != nil {
				return fmt.Errorf("deleting record for %s: %w", owner.SourcePath, err)
			}
		}
	}
	return nil
}

// removeLinkIfMatches removes link only while it is still a symlink pointing at
// expected. A link already gone counts as not removed.
func (c *Cleanup) removeLinkIfMatches(link, expected string) (bool, error) {
	target, err := c.fs.Readlink(link)
	if err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading link %s: %w", link, err)
	}
	if resolveLinkTarget(link, target) != expected {
		c.logger.Debug("link repointed, leaving it", "link", link, "expected", expected)
		return false, nil
	}
	return c.removeLink(link)
}

// removeLink deletes link, or moves it into the trash directory when one is configured.
func (c *Cleanup) removeLink(link string) (bool, error) {
	if c.opts.TrashDir == "" {
		if err := c.fs.Remove(link); err != nil {
			if isNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("removing link %s: %w", link, err)
		}
		return true, nil
	}

	if err := c.fs.MkdirAll(c.opts.TrashDir); err != nil {
		return false, fmt.Errorf("creating trash dir: %w", err)
	}
	dest, err := c.freeTrashPath(filepath.Base(link))
	if err != nil {
		return false, err
	}
	if err := c.fs.Rename(link, dest); err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("moving %s to trash: %w", link, err)
	}
	return true, nil
}

// freeTrashPath returns trash/name, or "name (N).ext" for the first free N.
func (c *Cleanup) freeTrashPath(name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; n <= maxVersions; n++ {
		candidate := name
		if n > 1 {
			candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}
		path := filepath.Join(c.opts.TrashDir, candidate)
		if _, err := c.fs.Lstat(path); isNotExist(err) {
			return path, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free trash name for %s", name)
}

// pruneParents removes empty directories from dir upward, stopping below the library
// root. Concurrent prunes of the same directory share one attempt.
func (c *Cleanup) pruneParents(dir string) {
	for dir != c.opts.LibraryRoot && isUnder(dir, c.opts.LibraryRoot) {
		v, _, _ := c.prune.Do(dir, func() (any, error) {
			return c.pruneOne(dir), nil
		})
		if !v.(bool) {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// pruneOne removes dir if it is empty and reports whether the parent may be pruned too.
func (c *Cleanup) pruneOne(dir string) bool {
	entries, err := c.fs.ReadDir(dir)
	if err != nil {
		return isNotExist(err)
	}
	if len(entries) > 0 {
		return false
	}
	if err := c.fs.Remove(dir); err != nil && !isNotExist(err) {
		c.logger.Debug("directory not pruned", "dir", dir, "error", err)
		return false
	}
	c.logger.Debug("empty directory pruned", "dir", dir)
	return true
}

// SweepReport summarizes a full library sweep.
type SweepReport struct {
	LinksScanned      int
	BrokenRemoved     int
	Adopted           int
	DuplicatesRemoved int
	RecordsFixed      int
	StaleDeleted      int
	TerminalLinks     int      // links to sources whose record is terminal, left as they are
	Paused            int      // links and records left alone because their mount is unhealthy
	PausedDirs        []string // watched directories whose sources were not judged
}

// Sweep walks the whole library, removing broken links, reconciling live links the index
// does not know about, and finally dropping records whose source and link are both gone.
// Links and records whose source lies under one of paused are left untouched: a source
// missing from an unhealthy mount proves nothing.
func (c *Cleanup) Sweep(ctx context.Context, paused []string) (*SweepReport, error) {
	report := &SweepReport{PausedDirs: paused}

	err := walkLinks(c.fs, c.opts.LibraryRoot, 0, c.opts.TrashDir, func(link, target string) (bool, error) {
		if ctx.Err() != nil {
			return true, nil
		}
		report.LinksScanned++
		if underAny(target, paused) {
			report.Paused++
			return false, nil
		}
		if err := c.sweepLink(ctx, link, target, report); err != nil {
			c.logger.Warn("sweep failed for link", "link", link, "error", err)
		}
		return false, nil
	})
	if err != nil {
		if isNotExist(err) {
			return report, nil
		}
		return report, fmt.Errorf("walking library: %w", err)
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	if err := c.deleteStale(ctx, paused, report); err != nil {
		return report, err
	}

	c.logger.Info("sweep complete",
		"links", report.LinksScanned,
		"broken_removed", report.BrokenRemoved,
		"adopted", report.Adopted,
		"duplicates_removed", report.DuplicatesRemoved,
		"records_fixed", report.RecordsFixed,
		"stale_deleted", report.StaleDeleted,
		"paused", report.Paused)
	return report, nil
}

func (c *Cleanup) sweepLink(ctx context.Context, link, target string, report *SweepReport) error {
	info, err := c.fs.Stat(target)
	if isNotExist(err) {
		removed, err := c.cleanCandidate(ctx, candidate{link: link, source: target}, model.ReasonBrokenLink)
		if removed {
			report.BrokenRemoved++
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("stat target %s: %w", target, err)
	}

	owner, err := c.index.LookupByDestination(ctx, link)
	if err != nil {
		return err
	}
	if owner != nil {
		return nil
	}

	rec, err := c.index.LookupBySource(ctx, target)
	if err != nil {
		return err
	}

	switch {
	case rec == nil:
		archived, err := c.index.LookupArchived(ctx, target)
		if err != nil {
			return err
		}
		if archived != nil && archived.Destination() == link {
			c.logger.Debug("archived link left in place", "link", link, "source", target)
			return nil
		}
		report.Adopted++
		c.logger.Info("untracked link adopted", "link", link, "source", target)
		return c.index.Upsert(ctx, &model.Record{
			SourcePath:      target,
			DestinationPath: sql.NullString{String: link, Valid: true},
			BasePath:        sql.NullString{String: BasePath(c.opts.LibraryRoot, link), Valid: true},
			FileSize:        info.Size(),
			ProcessedAt:     c.clock.Now(),
		})

	case rec.IsTerminal():
		report.TerminalLinks++
		c.logger.Warn("link to skipped or failed source left untracked", "link", link, "source", target, "reason", rec.Reason.String)
		return nil

	case rec.DestinationPath.Valid && c.pointsAt(rec.DestinationPath.String, target):
		removed, err := c.removeLinkIfMatches(link, target)
		if err != nil {
			return err
		}
		if removed {
			report.DuplicatesRemoved++
			c.pruneParents(filepath.Dir(link))
			c.logger.Info("duplicate link removed", "link", link, "kept", rec.DestinationPath.String)
		}
		return nil

	default:
		// The record's own link is missing or it never got one.
		report.RecordsFixed++
		c.logger.Info("record destination repaired", "source", target, "link", link)
		rec.DestinationPath = sql.NullString{String: link, Valid: true}
		rec.BasePath = sql.NullString{String: BasePath(c.opts.LibraryRoot, link), Valid: true}
		rec.Reason = sql.NullString{}
		rec.ErrorMessage = sql.NullString{}
		rec.ProcessedAt = c.clock.Now()
		return c.index.Upsert(ctx, rec)
	}
}

func underAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		if isUnder(path, dir) {
			return true
		}
	}
	return false
}

func (c *Cleanup) pointsAt(link, target string) bool {
	got, err := c.fs.Readlink(link)
	return err == nil && resolveLinkTarget(link, got) == target
}

// deleteStale drops records whose source and link have both disappeared.
func (c *Cleanup) deleteStale(ctx context.Context, paused []string, report *SweepReport) error {
	records, err := c.index.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if underAny(rec.SourcePath, paused) {
			report.Paused++
			continue
		}
		if _, err := c.fs.Stat(rec.SourcePath); !isNotExist(err) {
			continue
		}
		if _, err := c.fs.Lstat(rec.Destination()); !isNotExist(err) {
			continue
		}
		if err := c.index.Delete(ctx, rec.SourcePath); err != nil {
			return fmt.Errorf("deleting stale record %s: %w", rec.SourcePath, err)
		}
		report.StaleDeleted++
	}
	return nil
}
