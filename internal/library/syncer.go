package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mlsync/internal/model"
	"mlsync/internal/workpool"
)

// SyncOptions configures a Syncer.
type SyncOptions struct {
	WatchDirs       []string
	Interval        time.Duration
	RecheckInterval time.Duration // wait used while a watched mount is unhealthy
	MaxRecords      int64         // live records kept before archiving; 0 disables
	SweepOnStart    bool
}

// CycleReport summarizes one pass over the watched directories.
type CycleReport struct {
	Actions       map[Action]int
	Errors        int // sources that could not be reconciled and were left unrecorded
	LinksRemoved  int
	Archived      int64
	UnhealthyDirs []string
	Cancelled     bool
}

// Changed reports whether the cycle altered the library or the index.
func (r *CycleReport) Changed() bool {
	for a, n := range r.Actions {
		if a != ActionUnchanged && a != ActionTerminal && n > 0 {
			return true
		}
	}
	return r.LinksRemoved > 0 || r.Archived > 0
}

type tally struct {
	mu     sync.Mutex
	report *CycleReport
}

func newTally() *tally {
	return &tally{report: &CycleReport{Actions: make(map[Action]int)}}
}

func (t *tally) action(a Action) {
	t.mu.Lock()
	t.report.Actions[a]++
	t.mu.Unlock()
}

func (t *tally) failed() {
	t.mu.Lock()
	t.report.Errors++
	t.mu.Unlock()
}

func (t *tally) removed(n int) {
	t.mu.Lock()
	t.report.LinksRemoved += n
	t.mu.Unlock()
}

// Syncer drives change detection, reconciliation and cleanup across the watched
// directories.
type Syncer struct {
	index      Index
	reconciler *Reconciler
	cleanup    *Cleanup
	detector   *ChangeDetector
	monitor    *MountMonitor
	pool       *workpool.Pool
	fs         LinkFS
	ignore     Matcher
	logger     Logger
	clock      Clock
	idgen      IDGenerator
	opts       SyncOptions
}

// NewSyncer creates a Syncer. ignore may be nil.
func NewSyncer(index Index, reconciler *Reconciler, cleanup *Cleanup, detector *ChangeDetector, monitor *MountMonitor, pool *workpool.Pool, fsys LinkFS, ignore Matcher, logger Logger, clock Clock, idgen IDGenerator, opts SyncOptions) *Syncer {
	if ignore == nil {
		ignore = matchNothing{}
	}
	dirs := make([]string, len(opts.WatchDirs))
	for i, d := range opts.WatchDirs {
		dirs[i] = filepath.Clean(d)
	}
	opts.WatchDirs = dirs
	return &Syncer{
		index:      index,
		reconciler: reconciler,
		cleanup:    cleanup,
		detector:   detector,
		monitor:    monitor,
		pool:       pool,
		fs:         fsys,
		ignore:     ignore,
		logger:     logger,
		clock:      clock,
		idgen:      idgen,
		opts:       opts,
	}
}

// Run sweeps the library if configured, then runs a cycle every interval until ctx is
// done. While a mount is unhealthy the shorter recheck interval is used.
func (s *Syncer) Run(ctx context.Context) error {
	if s.opts.SweepOnStart {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("startup sweep failed", "error", err)
		}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync loop stopped")
			return nil
		case <-timer.C:
		}

		report, err := s.RunCycle(ctx)
		if err != nil {
			s.logger.Error("sync cycle failed", "error", err)
		}

		wait := s.opts.Interval
		if report != nil && len(report.UnhealthyDirs) > 0 && s.opts.RecheckInterval > 0 && s.opts.RecheckInterval < wait {
			wait = s.opts.RecheckInterval
		}
		timer.Reset(wait)
	}
}

// RunCycle scans every watched directory once and dispatches the resulting work.
func (s *Syncer) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := s.clock.Now()
	t := newTally()
	s.cleanup.ResetReverseIndex()

	for _, dir := range s.opts.WatchDirs {
		if ctx.Err() != nil {
			break
		}
		if !s.monitor.Check(dir).Usable() {
			t.report.UnhealthyDirs = append(t.report.UnhealthyDirs, dir)
			continue
		}
		s.syncDir(ctx, dir, t)
	}
	t.report.Cancelled = ctx.Err() != nil

	if s.opts.MaxRecords > 0 && ctx.Err() == nil {
		moved, err := s.index.ArchiveOverflow(ctx, s.opts.MaxRecords)
		if err != nil {
			s.logger.Error("archiving overflow failed", "error", err)
		} else if moved > 0 {
			t.report.Archived = moved
			s.logger.Info("records archived", "count", moved)
		}
	}

	if t.report.Changed() {
		s.recordRun(ctx, "sync", start, t.report)
	}
	return t.report, nil
}

func (s *Syncer) syncDir(ctx context.Context, dir string, t *tally) {
	changes, err := s.detector.Scan(dir)
	if err != nil {
		s.logger.Error("scan failed", "dir", dir, "error", err)
		return
	}
	if changes.Empty() {
		return
	}
	s.logger.Debug("changes detected", "dir", dir,
		"added", len(changes.Added), "removed", len(changes.Removed), "modified", len(changes.Modified))

	var sources []string
	var removals []string

	for _, path := range changes.Added {
		files, err := s.collectSources(dir, path)
		if err != nil {
			s.logger.Warn("listing added path failed", "path", path, "error", err)
			continue
		}
		sources = append(sources, files...)
	}

	for _, sub := range changes.Modified {
		files, err := s.collectSources(dir, sub)
		if err != nil {
			s.logger.Warn("listing modified directory failed", "path", sub, "error", err)
		} else {
			sources = append(sources, files...)
		}

		vanished, err := s.vanishedUnder(ctx, sub)
		if err != nil {
			s.logger.Warn("checking vanished sources failed", "path", sub, "error", err)
			continue
		}
		removals = append(removals, vanished...)
	}

	removals = append(removals, changes.Removed...)

	s.reconcileAll(ctx, sources, t)

	workpool.ForEach(ctx, s.pool, removals, func(ctx context.Context, path string) {
		n, err := s.cleanup.Targeted(ctx, path)
		if err != nil {
			s.logger.Warn("targeted cleanup failed", "path", path, "error", err)
			return
		}
		t.removed(n)
	})
}

func (s *Syncer) reconcileAll(ctx context.Context, sources []string, t *tally) {
	workpool.ForEach(ctx, s.pool, sources, func(ctx context.Context, source string) {
		res, err := s.reconciler.Reconcile(ctx, source)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Debug("source vanished before reconcile", "source", source)
			} else {
				s.logger.Error("reconcile failed", "source", source, "error", err)
			}
			t.failed()
			return
		}
		t.action(res.Action)
	})
}

// collectSources returns the regular files at path: path itself, or every file beneath
// it when it is a directory. Ignored entries and symlinks are skipped.
func (s *Syncer) collectSources(watchDir, path string) ([]string, error) {
	info, err := s.fs.Lstat(path)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if info.Mode().IsRegular() {
		return []string{path}, nil
	}
	if !info.IsDir() {
		return nil, nil
	}

	var files []string
	err = s.fs.Walk(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == path {
				return err
			}
			s.logger.Warn("skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(watchDir, p)
		if relErr == nil && p != path && s.ignore.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil && !isNotExist(err) {
		return nil, err
	}
	return files, nil
}

// vanishedUnder returns indexed sources under dir that no longer exist.
func (s *Syncer) vanishedUnder(ctx context.Context, dir string) ([]string, error) {
	records, err := s.index.FindBySourcePrefix(ctx, dir)
	if err != nil {
		return nil, err
	}
	var gone []string
	for _, rec := range records {
		if _, err := s.fs.Stat(rec.SourcePath); isNotExist(err) {
			gone = append(gone, rec.SourcePath)
		}
	}
	return gone, nil
}

// ReconcilePaths reconciles the given files, or every file beneath given directories,
// regardless of what the change detector has seen.
func (s *Syncer) ReconcilePaths(ctx context.Context, paths []string) (*CycleReport, error) {
	start := s.clock.Now()
	t := newTally()

	var sources []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		files, err := s.collectSources(s.watchDirFor(abs), abs)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", abs, err)
		}
		sources = append(sources, files...)
	}

	s.reconcileAll(ctx, sources, t)
	t.report.Cancelled = ctx.Err() != nil

	s.recordRun(ctx, "reconcile", start, t.report)
	return t.report, nil
}

func (s *Syncer) watchDirFor(path string) string {
	for _, dir := range s.opts.WatchDirs {
		if isUnder(path, dir) {
			return dir
		}
	}
	return filepath.Dir(path)
}

// Cleanup runs targeted cleanup for one removed path. It refuses paths on a watched
// directory whose mount is unhealthy.
func (s *Syncer) Cleanup(ctx context.Context, removedPath string) (int, error) {
	start := s.clock.Now()
	for _, dir := range s.opts.WatchDirs {
		if isUnder(removedPath, dir) && !s.monitor.Check(dir).Usable() {
			return 0, fmt.Errorf("cleaning up %s: %w: %s", removedPath, ErrMountUnhealthy, dir)
		}
	}
	s.cleanup.ResetReverseIndex()
	n, err := s.cleanup.Targeted(ctx, removedPath)
	if err != nil {
		return 0, err
	}
	report := &CycleReport{Actions: map[Action]int{}, LinksRemoved: n}
	s.recordRun(ctx, "cleanup", start, report)
	return n, nil
}

// Sweep runs a full library sweep and records it in the run history. Sources on
// watched directories with an unhealthy mount are left out of the sweep.
func (s *Syncer) Sweep(ctx context.Context) (*SweepReport, error) {
	start := s.clock.Now()
	paused := s.unhealthyDirs()
	if len(paused) > 0 {
		s.logger.Warn("sweeping around unhealthy mounts", "dirs", paused)
	}
	report, err := s.cleanup.Sweep(ctx, paused)
	if err != nil {
		return report, err
	}
	s.recordRun(ctx, "sweep", start, &CycleReport{
		Actions: map[Action]int{
			ActionAdopted: report.Adopted,
			ActionRenamed: report.RecordsFixed,
		},
		LinksRemoved: report.BrokenRemoved + report.DuplicatesRemoved,
	})
	return report, nil
}

// unhealthyDirs checks every watched directory and returns those whose mount is unusable.
func (s *Syncer) unhealthyDirs() []string {
	var dirs []string
	for _, dir := range s.opts.WatchDirs {
		if !s.monitor.Check(dir).Usable() {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// FindMissing returns live records whose source file no longer exists.
func (s *Syncer) FindMissing(ctx context.Context) ([]*model.Record, error) {
	records, err := s.index.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	var missing []*model.Record
	for _, rec := range records {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := s.fs.Stat(rec.SourcePath); isNotExist(err) {
			missing = append(missing, rec)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].SourcePath < missing[j].SourcePath })
	return missing, nil
}

func (s *Syncer) recordRun(ctx context.Context, operation string, start time.Time, report *CycleReport) {
	added := 0
	for _, a := range []Action{ActionLinked, ActionVersioned, ActionAdopted} {
		added += report.Actions[a]
	}
	status := "success"
	if report.Cancelled {
		status = "cancelled"
	}

	// History is written even when ctx was cancelled mid-run.
	ctx = context.WithoutCancel(ctx)
	run := &model.SyncRun{
		RunID:     s.idgen.New(),
		Operation: operation,
		StartedAt: start,
		Status:    "running",
	}
	if err := s.index.CreateSyncRun(ctx, run); err != nil {
		s.logger.Warn("recording run failed", "operation", operation, "error", err)
		return
	}
	run.Status = status
	run.Added = int64(added)
	run.Removed = int64(report.LinksRemoved)
	run.Failed = int64(report.Actions[ActionFailed] + report.Errors)
	run.FinishedAt.Time = s.clock.Now()
	run.FinishedAt.Valid = true
	if err := s.index.FinishSyncRun(ctx, run); err != nil {
		s.logger.Warn("recording run failed", "operation", operation, "error", err)
	}
}
