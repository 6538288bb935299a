package library_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"mlsync/internal/index"
	"mlsync/internal/library"
	"mlsync/internal/testutil"
	"mlsync/internal/workpool"
)

// fixture is a watched directory, a library root and the engine parts between them.
type fixture struct {
	watch string
	lib   string
	trash string

	idx       *index.SQLiteIndex
	fs        *testutil.FaultyFS
	resolver  *testutil.ScriptedResolver
	notifier  *testutil.RecordingNotifier
	refresher *testutil.RecordingRefresher
	clock     *testutil.StubClock

	reconciler *library.Reconciler
	cleanup    *library.Cleanup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		watch:     filepath.Join(root, "downloads"),
		lib:       filepath.Join(root, "library"),
		notifier:  testutil.NewRecordingNotifier(),
		refresher: &testutil.RecordingRefresher{},
		fs:        testutil.NewFaultyFS(),
		resolver:  testutil.NewScriptedResolver(),
		clock:     testutil.FixedClock(),
	}
	f.idx = testutil.NewTestIndex(t, f.notifier, f.clock)
	f.build("")
	return f
}

// build (re)creates the reconciler and cleanup, optionally with a trash directory.
func (f *fixture) build(trash string) {
	f.trash = trash
	logger := library.NewNopLogger()
	f.reconciler = library.NewReconciler(f.idx, f.resolver, f.fs, f.notifier, f.refresher, logger, f.clock,
		library.ReconcilerOptions{LibraryRoot: f.lib, TrashDir: trash})
	f.cleanup = library.NewCleanup(f.idx, f.fs, f.notifier, logger, f.clock,
		library.CleanupOptions{LibraryRoot: f.lib, TrashDir: trash})
}

// useMirror swaps the scripted resolver for the path-mirroring one.
func (f *fixture) useMirror() {
	f.reconciler = library.NewReconciler(f.idx, library.NewMirrorResolver(f.lib, []string{f.watch}, nil),
		f.fs, f.notifier, f.refresher, library.NewNopLogger(), f.clock,
		library.ReconcilerOptions{LibraryRoot: f.lib, TrashDir: f.trash})
}

// syncer wires a Syncer over the fixture. A nil monitor disables mount checks.
func (f *fixture) syncer(opts library.SyncOptions, monitor *library.MountMonitor) *library.Syncer {
	if opts.WatchDirs == nil {
		opts.WatchDirs = []string{f.watch}
	}
	logger := library.NewNopLogger()
	if monitor == nil {
		monitor = library.NewMountMonitor(nil, logger, false)
	}
	return library.NewSyncer(
		f.idx,
		f.reconciler,
		f.cleanup,
		library.NewChangeDetector(f.fs, nil),
		monitor,
		workpool.New(4),
		f.fs,
		nil,
		logger,
		f.clock,
		testutil.NewStubIDGenerator(),
		opts,
	)
}

// source writes a file under the watched directory and returns its path.
func (f *fixture) source(t *testing.T, rel string) string {
	t.Helper()
	path := filepath.Join(f.watch, rel)
	testutil.WriteFile(t, path, "video:"+rel)
	return path
}

func (f *fixture) dest(rel string) string {
	return filepath.Join(f.lib, rel)
}

// linkSource writes a source, scripts its destination and reconciles it.
func (f *fixture) linkSource(t *testing.T, rel, destRel string) (string, string) {
	t.Helper()
	src := f.source(t, rel)
	dest := f.dest(destRel)
	f.resolver.Link(src, dest)
	res, err := f.reconciler.Reconcile(context.Background(), src)
	if err != nil {
		t.Fatalf("Reconcile(%s) error = %v", src, err)
	}
	if res.Action != library.ActionLinked && res.Action != library.ActionVersioned {
		t.Fatalf("Reconcile(%s) action = %s, want linked", src, res.Action)
	}
	return src, res.Destination
}

func (f *fixture) mustLookup(t *testing.T, src string) *recordView {
	t.Helper()
	rec, err := f.idx.LookupBySource(context.Background(), src)
	if err != nil {
		t.Fatalf("LookupBySource(%s) error = %v", src, err)
	}
	if rec == nil {
		return nil
	}
	return &recordView{
		id:     rec.ID,
		dest:   rec.Destination(),
		base:   rec.BasePath.String,
		reason: rec.Reason.String,
	}
}

type recordView struct {
	id     int64
	dest   string
	base   string
	reason string
}

func sqlString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
