package library

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ChangeSet is the difference between two listings of a watched directory.
type ChangeSet struct {
	Dir      string
	Added    []string // entry paths new since the previous scan
	Removed  []string // entry paths gone since the previous scan
	Modified []string // first-level subdirectories whose mtime increased
	Initial  bool     // no previous listing existed; everything is reported as added
}

// Empty reports whether nothing changed.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

type dirListing struct {
	entries map[string]bool
	mtimes  map[string]time.Time // first-level subdirectories only
}

// ChangeDetector diffs successive flat listings of watched directories. The previous
// listing lives in memory only, so the first scan after startup reports every entry.
type ChangeDetector struct {
	fs     LinkFS
	ignore Matcher

	mu    sync.Mutex
	state map[string]*dirListing
}

// NewChangeDetector creates a ChangeDetector. ignore may be nil.
func NewChangeDetector(fsys LinkFS, ignore Matcher) *ChangeDetector {
	if ignore == nil {
		ignore = matchNothing{}
	}
	return &ChangeDetector{
		fs:     fsys,
		ignore: ignore,
		state:  make(map[string]*dirListing),
	}
}

// Scan lists dir and diffs it against the previous listing, which it then replaces.
// When the listing fails the previous state is kept.
func (d *ChangeDetector) Scan(dir string) (*ChangeSet, error) {
	dir = filepath.Clean(dir)

	current, err := d.list(dir)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	previous, ok := d.state[dir]
	d.state[dir] = current
	d.mu.Unlock()

	changes := &ChangeSet{Dir: dir, Initial: !ok}
	if !ok {
		previous = &dirListing{entries: map[string]bool{}, mtimes: map[string]time.Time{}}
	}

	for name := range current.entries {
		if !previous.entries[name] {
			changes.Added = append(changes.Added, filepath.Join(dir, name))
		}
	}
	for name := range previous.entries {
		if !current.entries[name] {
			changes.Removed = append(changes.Removed, filepath.Join(dir, name))
		}
	}
	for name, mtime := range current.mtimes {
		prev, seen := previous.mtimes[name]
		if seen && mtime.After(prev) {
			changes.Modified = append(changes.Modified, filepath.Join(dir, name))
		}
	}

	sort.Strings(changes.Added)
	sort.Strings(changes.Removed)
	sort.Strings(changes.Modified)
	return changes, nil
}

// Forget drops the stored listing for dir so the next scan reports everything again.
func (d *ChangeDetector) Forget(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.state, filepath.Clean(dir))
}

func (d *ChangeDetector) list(dir string) (*dirListing, error) {
	entries, err := d.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	listing := &dirListing{
		entries: make(map[string]bool, len(entries)),
		mtimes:  make(map[string]time.Time),
	}
	for _, e := range entries {
		if d.ignore.Match(e.Name()) {
			continue
		}
		listing.entries[e.Name()] = true
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Vanished between listing and stat; the next scan will see it gone.
			continue
		}
		listing.mtimes[e.Name()] = info.ModTime()
	}
	return listing, nil
}
