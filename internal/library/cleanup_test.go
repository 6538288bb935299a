package library_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mlsync/internal/model"
	"mlsync/internal/testutil"
)

func TestCleanupTargeted_RemovesLinkRecordAndEmptyParents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dest := f.linkSource(t, "Film/film.mkv", "Movies/Film (2020)/Film (2020).mkv")

	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}
	n, err := f.cleanup.Targeted(ctx, src)
	if err != nil {
		t.Fatalf("Targeted() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Targeted() removed = %d, want 1", n)
	}

	if testutil.Exists(dest) {
		t.Error("link should be removed")
	}
	for _, dir := range []string{f.dest("Movies/Film (2020)"), f.dest("Movies")} {
		if testutil.Exists(dir) {
			t.Errorf("empty directory %s should be pruned", dir)
		}
	}
	if !testutil.Exists(f.lib) {
		t.Error("library root must never be pruned")
	}
	if rec := f.mustLookup(t, src); rec != nil {
		t.Errorf("record = %+v, want deleted", rec)
	}

	deleted := f.notifier.OfType(model.EventFileDeleted)
	if len(deleted) != 1 || deleted[0].SourcePath != src || deleted[0].DestinationPath != dest {
		t.Fatalf("deleted events = %+v", deleted)
	}
	if deleted[0].Reason != model.ReasonSourceRemoved {
		t.Errorf("reason = %s, want %s", deleted[0].Reason, model.ReasonSourceRemoved)
	}
}

func TestCleanupTargeted_KeepsNonEmptyParents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, destA := f.linkSource(t, "Show/e1.mkv", "TV/Show/Season 01/e1.mkv")
	_, destB := f.linkSource(t, "Show/e2.mkv", "TV/Show/Season 01/e2.mkv")

	if err := os.Remove(a); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cleanup.Targeted(ctx, a); err != nil {
		t.Fatalf("Targeted() error = %v", err)
	}
	if testutil.Exists(destA) {
		t.Error("e1 link should be removed")
	}
	if !testutil.Exists(destB) {
		t.Error("e2 link should be kept")
	}
}

func TestCleanupTargeted_RemovedDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d1 := f.linkSource(t, "Show/Season 01/e1.mkv", "TV/Show/Season 01/e1.mkv")
	_, d2 := f.linkSource(t, "Show/Season 01/e2.mkv", "TV/Show/Season 01/e2.mkv")
	keep, d3 := f.linkSource(t, "Other/x.mkv", "TV/Other/x.mkv")

	showDir := filepath.Join(f.watch, "Show")
	if err := os.RemoveAll(showDir); err != nil {
		t.Fatal(err)
	}
	n, err := f.cleanup.Targeted(ctx, showDir)
	if err != nil {
		t.Fatalf("Targeted() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Targeted() removed = %d, want 2", n)
	}
	if testutil.Exists(d1) || testutil.Exists(d2) {
		t.Error("links under the removed directory should be gone")
	}
	if testutil.Exists(f.dest("TV/Show")) {
		t.Error("emptied show directory should be pruned")
	}
	if !testutil.Exists(d3) || f.mustLookup(t, keep) == nil {
		t.Error("unrelated link and record should be kept")
	}
}

func TestCleanupTargeted_SourceStillPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dest := f.linkSource(t, "a.mkv", "Movies/a.mkv")

	n, err := f.cleanup.Targeted(ctx, src)
	if err != nil {
		t.Fatalf("Targeted() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Targeted() removed = %d, want 0", n)
	}
	if !testutil.Exists(dest) || f.mustLookup(t, src) == nil {
		t.Error("link and record must survive while the source exists")
	}
}

func TestCleanupTargeted_LeavesRepointedLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dest := f.linkSource(t, "a.mkv", "Movies/a.mkv")
	other := f.source(t, "replacement.mkv")

	// Someone repointed the link by hand.
	if err := os.Remove(dest); err != nil {
		t.Fatal(err)
	}
	testutil.Symlink(t, other, dest)
	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}

	n, err := f.cleanup.Targeted(ctx, src)
	if err != nil {
		t.Fatalf("Targeted() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Targeted() removed = %d, want 0", n)
	}
	if got := testutil.ReadLink(t, dest); got != other {
		t.Errorf("link target = %s, want %s", got, other)
	}
	if rec := f.mustLookup(t, src); rec != nil {
		t.Errorf("record for the removed source = %+v, want deleted", rec)
	}
}

func TestCleanupTargeted_ReverseIndexCatchesDriftedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	actual := f.source(t, "actual.mkv")
	dest := f.dest("Movies/actual.mkv")
	testutil.Symlink(t, actual, dest)
	stale := filepath.Join(f.watch, "renamed-away.mkv")
	if err := f.idx.Upsert(ctx, &model.Record{
		SourcePath:      stale,
		DestinationPath: sqlString(dest),
		ProcessedAt:     f.clock.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(actual); err != nil {
		t.Fatal(err)
	}
	n, err := f.cleanup.Targeted(ctx, actual)
	if err != nil {
		t.Fatalf("Targeted() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Targeted() removed = %d, want 1", n)
	}
	if testutil.Exists(dest) {
		t.Error("link should be removed")
	}
	if rec := f.mustLookup(t, stale); rec != nil {
		t.Errorf("drifted record = %+v, want deleted", rec)
	}
}

func TestCleanupTargeted_LibraryWalkFindsUnindexedLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.source(t, "Show/e1.mkv")
	dest := f.dest("TV/Show/e1.mkv")
	testutil.Symlink(t, src, dest)

	dir := filepath.Join(f.watch, "Show")
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	n, err := f.cleanup.Targeted(ctx, dir)
	if err != nil {
		t.Fatalf("Targeted() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Targeted() removed = %d, want 1", n)
	}
	if testutil.Exists(dest) {
		t.Error("unindexed link should be removed")
	}
}

func TestCleanupTargeted_MovesToTrash(t *testing.T) {
	f := newFixture(t)
	trash := filepath.Join(t.TempDir(), "trash")
	f.build(trash)
	ctx := context.Background()

	testutil.WriteFile(t, filepath.Join(trash, "a.mkv"), "older")
	src, dest := f.linkSource(t, "a.mkv", "Movies/a.mkv")
	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}

	n, err := f.cleanup.Targeted(ctx, src)
	if err != nil {
		t.Fatalf("Targeted() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Targeted() removed = %d, want 1", n)
	}
	if testutil.Exists(dest) {
		t.Error("link should be moved out of the library")
	}
	moved := filepath.Join(trash, "a (2).mkv")
	if got := testutil.ReadLink(t, moved); got != src {
		t.Errorf("trashed link %s -> %s, want %s", moved, got, src)
	}
	content, err := os.ReadFile(filepath.Join(trash, "a.mkv"))
	if err != nil || string(content) != "older" {
		t.Error("existing trash entry must not be overwritten")
	}
}

func TestCleanupSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Broken: tracked link whose source is gone.
	brokenSrc, brokenDest := f.linkSource(t, "broken.mkv", "Movies/Broken/broken.mkv")
	if err := os.Remove(brokenSrc); err != nil {
		t.Fatal(err)
	}

	// Untracked link to a live source.
	adoptSrc := f.source(t, "adopt.mkv")
	adoptDest := f.dest("Movies/adopt.mkv")
	testutil.Symlink(t, adoptSrc, adoptDest)

	// A second link to a source whose recorded link is intact.
	dupSrc, dupDest := f.linkSource(t, "dup.mkv", "Movies/dup.mkv")
	extra := f.dest("Extras/dup copy.mkv")
	testutil.Symlink(t, dupSrc, extra)

	// Record pointing at a missing link while another link to its source exists.
	fixSrc, fixDest := f.linkSource(t, "fix.mkv", "Movies/fix.mkv")
	if err := os.Remove(fixDest); err != nil {
		t.Fatal(err)
	}
	fixLink := f.dest("Movies/Fixed/fix.mkv")
	testutil.Symlink(t, fixSrc, fixLink)

	// Record whose source and link are both gone.
	staleSrc, staleDest := f.linkSource(t, "stale.mkv", "Movies/stale.mkv")
	if err := os.Remove(staleSrc); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(staleDest); err != nil {
		t.Fatal(err)
	}

	report, err := f.cleanup.Sweep(ctx, nil)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if report.LinksScanned != 5 {
		t.Errorf("LinksScanned = %d, want 5", report.LinksScanned)
	}
	if report.BrokenRemoved != 1 || report.Adopted != 1 || report.DuplicatesRemoved != 1 ||
		report.RecordsFixed != 1 || report.StaleDeleted != 1 {
		t.Errorf("report = %+v, want one of each", report)
	}

	if testutil.Exists(brokenDest) || testutil.Exists(filepath.Dir(brokenDest)) {
		t.Error("broken link and its empty directory should be removed")
	}
	if rec := f.mustLookup(t, brokenSrc); rec != nil {
		t.Errorf("broken record = %+v, want deleted", rec)
	}
	if rec := f.mustLookup(t, adoptSrc); rec == nil || rec.dest != adoptDest {
		t.Errorf("adopted record = %+v, want destination %s", rec, adoptDest)
	}
	if testutil.Exists(extra) || !testutil.Exists(dupDest) {
		t.Error("duplicate link should be removed and the recorded one kept")
	}
	if rec := f.mustLookup(t, fixSrc); rec == nil || rec.dest != fixLink {
		t.Errorf("fixed record = %+v, want destination %s", rec, fixLink)
	}
	if rec := f.mustLookup(t, staleSrc); rec != nil {
		t.Errorf("stale record = %+v, want deleted", rec)
	}

	// A second sweep finds nothing to do.
	again, err := f.cleanup.Sweep(ctx, nil)
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if again.BrokenRemoved+again.Adopted+again.DuplicatesRemoved+again.RecordsFixed+again.StaleDeleted != 0 {
		t.Errorf("second sweep report = %+v, want no changes", again)
	}
}

func TestCleanupSweep_MissingLibraryRoot(t *testing.T) {
	f := newFixture(t)
	report, err := f.cleanup.Sweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.LinksScanned != 0 {
		t.Errorf("LinksScanned = %d, want 0", report.LinksScanned)
	}
}

func TestCleanupSweep_LeavesTerminalRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.source(t, "notes.mkv")
	f.resolver.Skip(src, model.ReasonUnsupportedExtension)
	if _, err := f.reconciler.Reconcile(ctx, src); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	link := f.dest("Other/notes.mkv")
	testutil.Symlink(t, src, link)

	report, err := f.cleanup.Sweep(ctx, nil)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.TerminalLinks != 1 || report.RecordsFixed != 0 || report.Adopted != 0 {
		t.Errorf("report = %+v, want one terminal link and no repairs", report)
	}

	rec := f.mustLookup(t, src)
	if rec == nil || rec.reason != model.ReasonUnsupportedExtension || rec.dest != "" {
		t.Errorf("record = %+v, want reason %s kept without destination", rec, model.ReasonUnsupportedExtension)
	}
	if !testutil.Exists(link) {
		t.Error("link to a terminal source should be left in place")
	}
}

func TestCleanupSweep_DoesNotReadoptArchivedLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, oldDest := f.linkSource(t, "old.mkv", "Movies/old.mkv")
	f.linkSource(t, "new.mkv", "Movies/new.mkv")
	if moved, err := f.idx.ArchiveOverflow(ctx, 1); err != nil || moved != 1 {
		t.Fatalf("ArchiveOverflow() = %d, %v; want 1", moved, err)
	}
	before := len(f.notifier.OfType(model.EventFileAdded))

	report, err := f.cleanup.Sweep(ctx, nil)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Adopted != 0 {
		t.Errorf("Adopted = %d, want 0", report.Adopted)
	}
	if rec := f.mustLookup(t, old); rec != nil {
		t.Errorf("live record = %+v, want it to stay archived", rec)
	}
	if after := len(f.notifier.OfType(model.EventFileAdded)); after != before {
		t.Errorf("added events = %d, want %d", after, before)
	}
	stats, err := f.idx.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRecords != 1 || stats.ArchivedRecords != 1 {
		t.Errorf("stats = %+v, want 1 live and 1 archived", stats)
	}
	if !testutil.Exists(oldDest) {
		t.Error("archived link should stay in the library")
	}
}

func TestCleanupSweep_SkipsPausedDirs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Both sources vanish, as they do when the share under the watch dir drops.
	src, dest := f.linkSource(t, "a.mkv", "Movies/a.mkv")
	staleSrc, staleDest := f.linkSource(t, "b.mkv", "Movies/b.mkv")
	for _, p := range []string{src, staleSrc, staleDest} {
		if err := os.Remove(p); err != nil {
			t.Fatal(err)
		}
	}

	report, err := f.cleanup.Sweep(ctx, []string{f.watch})
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.BrokenRemoved != 0 || report.StaleDeleted != 0 {
		t.Errorf("report = %+v, want nothing removed", report)
	}
	// One link plus two records.
	if report.Paused != 3 {
		t.Errorf("Paused = %d, want 3", report.Paused)
	}
	if !testutil.Exists(dest) {
		t.Error("link under a paused dir should be kept")
	}
	for _, s := range []string{src, staleSrc} {
		if rec := f.mustLookup(t, s); rec == nil {
			t.Errorf("record for %s should be kept", s)
		}
	}
	if n := len(f.notifier.OfType(model.EventFileDeleted)); n != 0 {
		t.Errorf("deleted events = %d, want 0", n)
	}

	// Once the dir is healthy again the same sweep cleans up.
	report, err = f.cleanup.Sweep(ctx, nil)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.BrokenRemoved != 1 || report.StaleDeleted != 1 {
		t.Errorf("report = %+v, want one broken and one stale", report)
	}
}
