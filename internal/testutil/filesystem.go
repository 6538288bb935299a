package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	mlfs "mlsync/internal/fs"
	"mlsync/internal/library"
)

// Filesystem operations a FaultyFS can fail.
const (
	OpLstat    = "lstat"
	OpStat     = "stat"
	OpReadlink = "readlink"
	OpSymlink  = "symlink"
	OpMkdir    = "mkdir"
	OpRemove   = "remove"
	OpRename   = "rename"
	OpReadDir  = "readdir"
)

type fault struct {
	op   string
	path string
}

// FaultyFS wraps the real filesystem and fails chosen operations on chosen paths.
// Safe for concurrent use.
type FaultyFS struct {
	base library.LinkFS

	mu     sync.Mutex
	faults map[fault]error
	calls  map[string]int
}

var _ library.LinkFS = (*FaultyFS)(nil)

// NewFaultyFS wraps the OS filesystem.
func NewFaultyFS() *FaultyFS {
	return &FaultyFS{
		base:   mlfs.NewOSFilesystemManager(),
		faults: make(map[fault]error),
		calls:  make(map[string]int),
	}
}

// Fail makes op on path return err until Clear is called.
func (f *FaultyFS) Fail(op, path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[fault{op, path}] = err
}

// Clear removes every injected fault.
func (f *FaultyFS) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[fault]error)
}

// Calls returns how many times op was invoked.
func (f *FaultyFS) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyFS) check(op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err, ok := f.faults[fault{op, path}]; ok {
		return &fs.PathError{Op: op, Path: path, Err: err}
	}
	return nil
}

func (f *FaultyFS) Lstat(path string) (fs.FileInfo, error) {
	if err := f.check(OpLstat, path); err != nil {
		return nil, err
	}
	return f.base.Lstat(path)
}

func (f *FaultyFS) Stat(path string) (fs.FileInfo, error) {
	if err := f.check(OpStat, path); err != nil {
		return nil, err
	}
	return f.base.Stat(path)
}

func (f *FaultyFS) Readlink(path string) (string, error) {
	if err := f.check(OpReadlink, path); err != nil {
		return "", err
	}
	return f.base.Readlink(path)
}

func (f *FaultyFS) Symlink(target, link string) error {
	if err := f.check(OpSymlink, link); err != nil {
		return err
	}
	return f.base.Symlink(target, link)
}

func (f *FaultyFS) MkdirAll(path string) error {
	if err := f.check(OpMkdir, path); err != nil {
		return err
	}
	return f.base.MkdirAll(path)
}

func (f *FaultyFS) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}
	return f.base.Remove(path)
}

func (f *FaultyFS) Rename(oldPath, newPath string) error {
	if err := f.check(OpRename, oldPath); err != nil {
		return err
	}
	return f.base.Rename(oldPath, newPath)
}

func (f *FaultyFS) ReadDir(path string) ([]fs.DirEntry, error) {
	if err := f.check(OpReadDir, path); err != nil {
		return nil, err
	}
	return f.base.ReadDir(path)
}

func (f *FaultyFS) Walk(root string, fn fs.WalkDirFunc) error {
	return f.base.Walk(root, fn)
}

// WriteFile creates a file with content, making parent directories as needed.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// Symlink creates link pointing at target, making parent directories as needed.
func Symlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		t.Fatalf("creating parent of %s: %v", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlinking %s -> %s: %v", link, target, err)
	}
}

// ReadLink returns the target of link, or "" if link does not exist or is not a symlink.
func ReadLink(t *testing.T, link string) string {
	t.Helper()
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	return target
}

// Exists reports whether path exists without following symlinks.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
