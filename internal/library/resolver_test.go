package library_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"mlsync/internal/library"
	"mlsync/internal/model"
	"mlsync/internal/testutil"
)

func TestMirrorResolver_Resolve(t *testing.T) {
	r := library.NewMirrorResolver("/lib", []string{"/data/tv", "/data/movies/"}, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		want   library.Resolution
	}{
		{
			name:   "episode",
			source: "/data/tv/Some Show (2019)/Season 01/Some.Show.S01E02.1080p.WEB.mkv",
			want: library.Resolution{
				Destination:   "/lib/tv/Some Show (2019)/Season 01/Some.Show.S01E02.1080p.WEB.mkv",
				ProperName:    "Some Show",
				Year:          sql.NullInt64{Int64: 2019, Valid: true},
				SeasonNumber:  sql.NullInt64{Int64: 1, Valid: true},
				EpisodeNumber: sql.NullInt64{Int64: 2, Valid: true},
				Quality:       "1080p",
			},
		},
		{
			name:   "movie with ids",
			source: "/data/movies/Heat (1995) [tt0113277]/Heat.1995.2160p.mkv",
			want: library.Resolution{
				Destination: "/lib/movies/Heat (1995) [tt0113277]/Heat.1995.2160p.mkv",
				ProperName:  "Heat",
				Year:        sql.NullInt64{Int64: 1995, Valid: true},
				Quality:     "2160p",
				IMDBID:      "tt0113277",
				PrimaryID:   "tt0113277",
			},
		},
		{
			name:   "tvdb only",
			source: "/data/tv/Other Show {tvdb-12345}/Other.Show.s02e10.mkv",
			want: library.Resolution{
				Destination:   "/lib/tv/Other Show {tvdb-12345}/Other.Show.s02e10.mkv",
				ProperName:    "Other Show {tvdb-12345}",
				SeasonNumber:  sql.NullInt64{Int64: 2, Valid: true},
				EpisodeNumber: sql.NullInt64{Int64: 10, Valid: true},
				TVDBID:        "12345",
				PrimaryID:     "tvdb-12345",
			},
		},
		{
			name:   "loose file",
			source: "/data/movies/Some.Movie.mp4",
			want: library.Resolution{
				Destination: "/lib/movies/Some.Movie.mp4",
				ProperName:  "Some Movie",
			},
		},
		{
			name:   "unsupported extension",
			source: "/data/movies/Heat (1995)/notes.txt",
			want:   library.Resolution{SkipReason: model.ReasonUnsupportedExtension},
		},
		{
			name:   "partial download",
			source: "/data/movies/Heat (1995)/Heat.mkv.part",
			want:   library.Resolution{SkipReason: model.ReasonIgnoredFile},
		},
		{
			name:   "hidden file",
			source: "/data/tv/.Show.S01E01.mkv",
			want:   library.Resolution{SkipReason: model.ReasonIgnoredFile},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.source)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("Resolve() =\n  %+v\nwant\n  %+v", *got, tt.want)
			}
		})
	}

	t.Run("outside watched dirs", func(t *testing.T) {
		if _, err := r.Resolve(ctx, "/elsewhere/x.mkv"); err == nil {
			t.Error("Resolve() error = nil, want error")
		}
		if _, err := r.Resolve(ctx, "/data/tv"); err == nil {
			t.Error("Resolve(watch dir) error = nil, want error")
		}
	})
}

func TestMirrorResolver_CustomExtensions(t *testing.T) {
	r := library.NewMirrorResolver("/lib", []string{"/data"}, []string{"MKV", ".nfo"})
	ctx := context.Background()

	for source, linked := range map[string]bool{
		"/data/a.mkv": true,
		"/data/a.nfo": true,
		"/data/a.mp4": false,
	} {
		res, err := r.Resolve(ctx, source)
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", source, err)
		}
		if got := res.SkipReason == ""; got != linked {
			t.Errorf("Resolve(%s) linked = %v, want %v", source, got, linked)
		}
	}
}

func TestIsHiddenOrTemp(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/d/.hidden.mkv", true},
		{"/d/movie.mkv.tmp", true},
		{"/d/movie.TEMP", true},
		{"/d/movie.mkv.part", true},
		{"/d/movie.partial", true},
		{"/d/movie.mkv.!qB", true},
		{"/d/movie.nzbget", true},
		{"/d/__unpack_movie.mkv", true},
		{"/d/movie.mkv", false},
		{"/d/.hidden-dir/movie.mkv", false},
	}
	for _, tt := range tests {
		if got := library.IsHiddenOrTemp(tt.path); got != tt.want {
			t.Errorf("IsHiddenOrTemp(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestCachingResolver(t *testing.T) {
	inner := testutil.NewScriptedResolver()
	inner.Link("/data/a.mkv", "/lib/a.mkv")
	inner.SetError("/data/bad.mkv", errors.New("boom"))
	r := library.NewCachingResolver(inner, 8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := r.Resolve(ctx, "/data/a.mkv")
		if err != nil || res.Destination != "/lib/a.mkv" {
			t.Fatalf("Resolve() = %+v, %v", res, err)
		}
	}
	if n := inner.Calls("/data/a.mkv"); n != 1 {
		t.Errorf("inner calls = %d, want 1", n)
	}

	r.Forget("/data/a.mkv")
	if _, err := r.Resolve(ctx, "/data/a.mkv"); err != nil {
		t.Fatal(err)
	}
	if n := inner.Calls("/data/a.mkv"); n != 2 {
		t.Errorf("inner calls after Forget = %d, want 2", n)
	}

	for i := 0; i < 2; i++ {
		if _, err := r.Resolve(ctx, "/data/bad.mkv"); err == nil {
			t.Fatal("Resolve() error = nil, want boom")
		}
	}
	if n := inner.Calls("/data/bad.mkv"); n != 2 {
		t.Errorf("errors should not be cached: inner calls = %d, want 2", n)
	}
}
