//go:build unix

// Package mount probes whether watched directories sit on a mounted filesystem and
// whether that filesystem is answering.
package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Prober implements library.MountProber against the real filesystem.
type Prober struct{}

// NewProber returns a Prober.
func NewProber() *Prober {
	return &Prober{}
}

// IsMountPoint reports whether path is a mount point: its device differs from its
// parent's, or it is the filesystem root.
func (p *Prober) IsMountPoint(path string) (bool, error) {
	path = filepath.Clean(path)
	parent := filepath.Dir(path)
	if path == parent {
		return true, nil
	}

	var st, parentSt unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := unix.Stat(parent, &parentSt); err != nil {
		return false, fmt.Errorf("stat %s: %w", parent, err)
	}
	return st.Dev != parentSt.Dev, nil
}

// IsUnderMount reports whether path, or one of its ancestors other than "/", is a
// mount point.
func (p *Prober) IsUnderMount(path string) (bool, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", path, err)
	}

	for cur := path; ; {
		parent := filepath.Dir(cur)
		if cur == parent {
			return false, nil
		}
		ok, err := p.IsMountPoint(cur)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		cur = parent
	}
}

// ProbeHealth lists the directory, stats one entry and queries filesystem info. Any
// failure (stale NFS handle, I/O error, unmounted share) is returned.
func (p *Prober) ProbeHealth(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("listing %s: %w", path, err)
	}
	if len(entries) > 0 {
		if _, err := os.Lstat(filepath.Join(path, entries[0].Name())); err != nil {
			return fmt.Errorf("stat entry in %s: %w", path, err)
		}
	}

	var fsInfo unix.Statfs_t
	if err := unix.Statfs(path, &fsInfo); err != nil {
		return fmt.Errorf("statfs %s: %w", path, err)
	}
	return nil
}
