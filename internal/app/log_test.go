package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMlsyncHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "20240615T143045Z",
			level:   slog.LevelInfo,
			message: "link created",
			want:    "2024-06-15T14:30:45Z\tINFO\t20240615T143045Z\tlink created\n",
		},
		{
			name:    "warn level",
			runID:   "r2",
			level:   slog.LevelWarn,
			message: "mount unhealthy, pausing scans",
			want:    "2024-06-15T14:30:45Z\tWARN\tr2\tmount unhealthy, pausing scans\n",
		},
		{
			name:    "with record attrs",
			runID:   "r3",
			level:   slog.LevelInfo,
			message: "orphaned link removed",
			attrs:   []slog.Attr{slog.String("link", "/lib/Movies/a.mkv"), slog.Int("count", 2)},
			want:    "2024-06-15T14:30:45Z\tINFO\tr3\torphaned link removed\tlink=/lib/Movies/a.mkv\tcount=2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newHandler(&buf, tt.runID, slog.LevelDebug)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			r.AddAttrs(tt.attrs...)

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestMlsyncHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(&buf, "r1", slog.LevelInfo)
	h.attrs = []slog.Attr{slog.String("a", "1")}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "cleanup")}).(*mlsyncHandler)
	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "sweep complete", 0)
	r.AddAttrs(slog.Int("links", 3))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	got := buf.String()
	for _, want := range []string{"a=1", "component=cleanup", "links=3"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %s", got, want)
		}
	}
}

func TestMlsyncHandler_Enabled(t *testing.T) {
	h := newHandler(&bytes.Buffer{}, "r", slog.LevelWarn)
	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, false},
		{slog.LevelWarn, true},
		{slog.LevelError, true},
	}
	for _, tt := range tests {
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestMlsyncHandler_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "r", slog.LevelInfo))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("link created", "source", "/data/a.mkv", "destination", "/lib/a.mkv")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, line := range lines {
		if !strings.HasSuffix(line, "destination=/lib/a.mkv") {
			t.Errorf("mangled line %q", line)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "test-run", "info")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Debug("hidden")
	logger.Info("shown", "n", 1)

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(string(data), "\ttest-run\tshown\tn=1\n") {
		t.Errorf("log file = %q, want the info record", data)
	}

	if _, _, err := newLogger(dir, "x", "loud"); err == nil {
		t.Error("newLogger() with a bad level should fail")
	}
}
