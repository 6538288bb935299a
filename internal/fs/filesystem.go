package fs

import (
	"io/fs"
	"os"
	"path/filepath"

	"mlsync/internal/library"
)

// OSFilesystemManager is the real filesystem implementation of library.LinkFS.
// It performs actual filesystem operations using the os package.
type OSFilesystemManager struct {
	dirMode os.FileMode
}

// NewOSFilesystemManager creates a filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{dirMode: 0o755}
}

func (m *OSFilesystemManager) Lstat(path string) (fs.FileInfo, error) {
	return os.Lstat(path)
}

func (m *OSFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

func (m *OSFilesystemManager) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

// Symlink creates link pointing at target. os.Symlink fails with EEXIST if link is
// already present, which callers rely on to detect races.
func (m *OSFilesystemManager) Symlink(target, link string) error {
	return os.Symlink(target, link)
}

func (m *OSFilesystemManager) MkdirAll(path string) error {
	return os.MkdirAll(path, m.dirMode)
}

func (m *OSFilesystemManager) Remove(path string) error {
	return os.Remove(path)
}

func (m *OSFilesystemManager) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (m *OSFilesystemManager) ReadDir(path string) ([]fs.DirEntry, error) {
	return os.ReadDir(path)
}

// Walk walks root in lexical order. Symlinks are reported, never followed.
func (m *OSFilesystemManager) Walk(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}

// Compile-time check that OSFilesystemManager implements library.LinkFS
var _ library.LinkFS = (*OSFilesystemManager)(nil)
