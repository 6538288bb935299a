package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mlsync/internal/library"
)

// IgnoreFileName is read from the root of every watched directory.
const IgnoreFileName = ".mlsyncignore"

// defaultIgnorePatterns are always applied regardless of config or .mlsyncignore.
var defaultIgnorePatterns = []string{IgnoreFileName}

// ignorePattern is a parsed ignore pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// IgnoreMatcher checks file paths against a set of ignore patterns.
// Patterns without '/' match against the file's basename only.
// Patterns with '/' match against the full relative path from the watched directory.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

var _ library.Matcher = (*IgnoreMatcher)(nil)

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   strings.TrimSuffix(raw, "/"),
			matchPath: strings.Contains(strings.TrimSuffix(raw, "/"), "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// LoadIgnoreMatcher combines the built-in patterns, the configured patterns and the
// .mlsyncignore file of every watched directory.
func LoadIgnoreMatcher(configured []string, watchDirs []string) (*IgnoreMatcher, error) {
	raw := append([]string{}, defaultIgnorePatterns...)
	raw = append(raw, configured...)
	for _, dir := range watchDirs {
		patterns, err := ParseIgnoreFile(filepath.Join(dir, IgnoreFileName))
		if err != nil {
			return nil, err
		}
		raw = append(raw, patterns...)
	}
	return NewIgnoreMatcher(raw), nil
}

// Match reports whether the given relative path should be ignored.
// relativePath should use filepath separators and be relative to the watched directory.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if len(m.patterns) == 0 || relativePath == "" {
		return false
	}

	// Normalize to forward slashes for consistent matching.
	normalized := filepath.ToSlash(relativePath)
	basename := filepath.Base(relativePath)

	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = filepath.Match(p.pattern, normalized)
		} else {
			matched, err = filepath.Match(p.pattern, basename)
		}
		if err != nil {
			// Bad pattern, skip rather than crash.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// ParseIgnoreFile reads an ignore file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
