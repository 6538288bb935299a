package library

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// errWalkStop ends a walk early without reporting an error.
var errWalkStop = errors.New("stop walk")

// walkLinks visits every symlink under root, handing fn the link path and its resolved
// target. At most limit entries are examined (0 means no limit); skipDir is not
// descended into. fn returns true to stop the walk. Unreadable subtrees are skipped.
func walkLinks(fsys LinkFS, root string, limit int, skipDir string, fn func(link, target string) (bool, error)) error {
	seen := 0
	err := fsys.Walk(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		seen++
		if limit > 0 && seen > limit {
			return errWalkStop
		}
		if d.IsDir() {
			if skipDir != "" && path == skipDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}

		target, err := fsys.Readlink(path)
		if err != nil {
			return nil
		}
		stop, err := fn(path, resolveLinkTarget(path, target))
		if err != nil {
			return err
		}
		if stop {
			return errWalkStop
		}
		return nil
	})
	if errors.Is(err, errWalkStop) {
		return nil
	}
	return err
}

// resolveLinkTarget makes a relative link target absolute against the link's directory.
func resolveLinkTarget(link, target string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Join(filepath.Dir(link), target)
}

// isUnder reports whether path equals dir or lies beneath it.
func isUnder(path, dir string) bool {
	path = filepath.Clean(path)
	dir = filepath.Clean(dir)
	if path == dir {
		return true
	}
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// stem returns a file name without directory or extension.
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
