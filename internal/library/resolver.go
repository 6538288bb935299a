package library

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"mlsync/internal/lru"
	"mlsync/internal/model"
)

// Resolution is what a Resolver decides for one source file: where its link belongs and
// the metadata recorded with it. A non-empty SkipReason means the file is not linked.
type Resolution struct {
	Destination string

	PrimaryID     string
	IMDBID        string
	TVDBID        string
	SeasonNumber  sql.NullInt64
	EpisodeNumber sql.NullInt64
	ProperName    string
	Year          sql.NullInt64
	Language      string
	Quality       string
	IsAnime       bool
	IsSports      bool
	SportName     string
	SportRound    sql.NullInt64
	SportSession  string

	SkipReason string
}

// Resolver maps a source file to its library destination.
type Resolver interface {
	Resolve(ctx context.Context, sourcePath string) (*Resolution, error)
}

// CachingResolver memoizes another resolver's answers by source path.
type CachingResolver struct {
	next  Resolver
	cache *lru.Cache[string, *Resolution]
}

// NewCachingResolver wraps next with a bounded cache of size entries.
func NewCachingResolver(next Resolver, size int) *CachingResolver {
	return &CachingResolver{
		next:  next,
		cache: lru.New[string, *Resolution](size, nil),
	}
}

// Resolve returns the cached resolution or asks the wrapped resolver. Errors are not cached.
func (r *CachingResolver) Resolve(ctx context.Context, sourcePath string) (*Resolution, error) {
	if res, ok := r.cache.Get(sourcePath); ok {
		return res, nil
	}
	res, err := r.next.Resolve(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	r.cache.Add(sourcePath, res)
	return res, nil
}

// Forget drops a cached resolution, e.g. after the source was removed.
func (r *CachingResolver) Forget(sourcePath string) {
	r.cache.Remove(sourcePath)
}

// DefaultExtensions are the file types the mirror resolver links.
var DefaultExtensions = []string{
	".mkv", ".mp4", ".avi", ".mov", ".wmv", ".flv", ".webm", ".m4v", ".mpg", ".mpeg",
	".ts", ".m2ts", ".vob", ".3gp", ".ogv", ".divx", ".xvid",
	".srt", ".ass", ".ssa", ".sub", ".idx", ".vtt",
}

var (
	episodePattern = regexp.MustCompile(`(?i)\bS(\d{1,3})E(\d{1,4})\b`)
	yearPattern    = regexp.MustCompile(`[\s.(\[](19\d{2}|20\d{2})[\s.)\]]`)
	qualityPattern = regexp.MustCompile(`(?i)\b(2160p|1080p|720p|576p|480p|4k)\b`)
	imdbPattern    = regexp.MustCompile(`\b(tt\d{7,9})\b`)
	tvdbPattern    = regexp.MustCompile(`(?i)\btvdb-?(\d+)\b`)
)

// MirrorResolver links <watchDir>/<rel> to <libraryRoot>/<base(watchDir)>/<rel> and
// derives what metadata it can from the path.
type MirrorResolver struct {
	libraryRoot string
	watchDirs   []string
	extensions  map[string]bool
}

// NewMirrorResolver creates a MirrorResolver. An empty extensions list selects
// DefaultExtensions.
func NewMirrorResolver(libraryRoot string, watchDirs []string, extensions []string) *MirrorResolver {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}

	dirs := make([]string, len(watchDirs))
	for i, d := range watchDirs {
		dirs[i] = filepath.Clean(d)
	}
	return &MirrorResolver{
		libraryRoot: filepath.Clean(libraryRoot),
		watchDirs:   dirs,
		extensions:  exts,
	}
}

// Resolve implements Resolver.
func (r *MirrorResolver) Resolve(_ context.Context, sourcePath string) (*Resolution, error) {
	watchDir, rel, ok := r.locate(sourcePath)
	if !ok {
		return nil, fmt.Errorf("source is not under a watched directory: %s", sourcePath)
	}

	if IsHiddenOrTemp(sourcePath) {
		return &Resolution{SkipReason: model.ReasonIgnoredFile}, nil
	}
	if !r.extensions[strings.ToLower(filepath.Ext(sourcePath))] {
		return &Resolution{SkipReason: model.ReasonUnsupportedExtension}, nil
	}

	res := &Resolution{
		Destination: filepath.Join(r.libraryRoot, filepath.Base(watchDir), rel),
	}
	parseMetadata(rel, res)
	return res, nil
}

func (r *MirrorResolver) locate(sourcePath string) (string, string, bool) {
	sourcePath = filepath.Clean(sourcePath)
	for _, dir := range r.watchDirs {
		rel, err := filepath.Rel(dir, sourcePath)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return dir, rel, true
	}
	return "", "", false
}

// parseMetadata fills what can be read from a relative path such as
// "Show Name (2019)/Season 01/Show.Name.S01E02.1080p.mkv".
func parseMetadata(rel string, res *Resolution) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	name := parts[len(parts)-1]
	title := parts[0]
	if len(parts) == 1 {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}

	if m := episodePattern.FindStringSubmatch(name); m != nil {
		season, _ := strconv.ParseInt(m[1], 10, 64)
		episode, _ := strconv.ParseInt(m[2], 10, 64)
		res.SeasonNumber = sql.NullInt64{Int64: season, Valid: true}
		res.EpisodeNumber = sql.NullInt64{Int64: episode, Valid: true}
	}
	padded := " " + title + " "
	if loc := yearPattern.FindStringSubmatchIndex(padded); loc != nil {
		year, _ := strconv.ParseInt(padded[loc[2]:loc[3]], 10, 64)
		res.Year = sql.NullInt64{Int64: year, Valid: true}
		if cut := loc[0]; cut > 1 {
			title = padded[1:cut]
		}
	}
	if m := qualityPattern.FindStringSubmatch(name); m != nil {
		res.Quality = strings.ToLower(m[1])
	}
	if m := imdbPattern.FindStringSubmatch(rel); m != nil {
		res.IMDBID = m[1]
		res.PrimaryID = m[1]
	}
	if m := tvdbPattern.FindStringSubmatch(rel); m != nil {
		res.TVDBID = m[1]
		if res.PrimaryID == "" {
			res.PrimaryID = "tvdb-" + m[1]
		}
	}
	res.ProperName = cleanTitle(title)
}

var bracketed = regexp.MustCompile(`\s*[\[(][^\])]*[\])]`)

func cleanTitle(title string) string {
	title = bracketed.ReplaceAllString(title, "")
	title = strings.ReplaceAll(title, ".", " ")
	return strings.Join(strings.Fields(title), " ")
}

// IsHiddenOrTemp reports whether a file name looks hidden, temporary or partially
// downloaded.
func IsHiddenOrTemp(path string) bool {
	name := filepath.Base(path)
	lower := strings.ToLower(name)

	switch {
	case strings.HasPrefix(name, "."):
		return true
	case strings.HasSuffix(lower, ".tmp"), strings.HasSuffix(lower, ".temp"):
		return true
	case strings.HasSuffix(lower, ".part"), strings.HasSuffix(lower, ".partial"):
		return true
	case strings.HasSuffix(lower, ".!qb"), strings.HasSuffix(lower, ".nzbget"):
		return true
	case strings.HasPrefix(name, "__"):
		return true
	}
	return false
}
