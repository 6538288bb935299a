// Package exchange moves index contents in and out as CSV of
// source_path,destination_path pairs. A ".zst" or ".gz" suffix selects compression.
package exchange

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"mlsync/internal/library"
	"mlsync/internal/model"
)

var header = []string{"source_path", "destination_path"}

// Format is the compression applied to an exchange file.
type Format int

const (
	Plain Format = iota
	Gzip
	Zstd
)

// FormatFor picks the format from the file suffix.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return Gzip
	case ".zst":
		return Zstd
	default:
		return Plain
	}
}

// Export writes every linked record of idx to path and returns the number of rows.
// The file is written to a temporary name and renamed into place.
func Export(ctx context.Context, idx library.Index, path string) (n int, retErr error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating export file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	bufWriter := bufio.NewWriter(tmp)
	compressed, err := newWriter(bufWriter, FormatFor(path))
	if err != nil {
		return 0, err
	}

	w := csv.NewWriter(compressed)
	if err := w.Write(header); err != nil {
		return 0, fmt.Errorf("writing header: %w", err)
	}
	err = idx.ExportPairs(ctx, func(p model.PathPair) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n++
		return w.Write([]string{p.SourcePath, p.DestinationPath})
	})
	if err != nil {
		return 0, fmt.Errorf("exporting pairs: %w", err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("writing csv: %w", err)
	}
	if err := compressed.Close(); err != nil {
		return 0, fmt.Errorf("closing compressor: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return 0, fmt.Errorf("flushing export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing export file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("renaming export file: %w", err)
	}
	return n, nil
}

// Import reads pairs from path into idx. libraryRoot is used to derive base paths.
// Rows whose destination already belongs to another source are skipped. It returns
// the number of rows written.
func Import(ctx context.Context, idx library.Index, path, libraryRoot string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening import file: %w", err)
	}
	defer f.Close()

	r, err := newReader(bufio.NewReader(f), FormatFor(path))
	if err != nil {
		return 0, err
	}
	defer r.Close()

	records, err := readRecords(r, libraryRoot)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	n, err := idx.ImportRecords(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("importing records: %w", err)
	}
	return n, nil
}

func readRecords(r io.Reader, libraryRoot string) ([]*model.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)

	first, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("import file is empty")
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if first[0] != header[0] || first[1] != header[1] {
		return nil, fmt.Errorf("unexpected header %q, want %q", strings.Join(first, ","), strings.Join(header, ","))
	}

	seen := make(map[string]bool)
	var records []*model.Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}

		source := strings.TrimSpace(row[0])
		dest := strings.TrimSpace(row[1])
		if source == "" || seen[source] {
			continue
		}
		seen[source] = true

		rec := &model.Record{SourcePath: source}
		if dest != "" {
			rec.DestinationPath = sql.NullString{String: dest, Valid: true}
			if base := library.BasePath(libraryRoot, dest); base != "" {
				rec.BasePath = sql.NullString{String: base, Valid: true}
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func newWriter(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case Gzip:
		gz, err := pgzip.NewWriterLevel(w, pgzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gz, nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newReader(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case Gzip:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}
