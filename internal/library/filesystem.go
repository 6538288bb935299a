package library

import "io/fs"

// LinkFS is the set of filesystem primitives the engine mutates the library with.
// It abstracts the OS so tests can inject faults.
type LinkFS interface {
	Lstat(path string) (fs.FileInfo, error)
	Stat(path string) (fs.FileInfo, error)
	Readlink(path string) (string, error)

	// Symlink creates link pointing at target. It fails if link exists.
	Symlink(target, link string) error

	MkdirAll(path string) error

	// Remove deletes a file, symlink or empty directory.
	Remove(path string) error

	Rename(oldPath, newPath string) error
	ReadDir(path string) ([]fs.DirEntry, error)

	// Walk walks the tree rooted at root without following symlinks.
	Walk(root string, fn fs.WalkDirFunc) error
}

// Matcher decides whether a path relative to a watched directory is ignored.
type Matcher interface {
	Match(relativePath string) bool
}

type matchNothing struct{}

func (matchNothing) Match(string) bool { return false }
