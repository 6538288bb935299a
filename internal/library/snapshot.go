package library

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const (
	snapshotName          = "index.db.zst"
	encryptedSnapshotName = "index.db.zst.age"
)

// Snapshotter copies the index into a vault and restores it from there.
// A snapshot is a VACUUM INTO copy, zstd-compressed and, when an encryptor is
// configured, encrypted to its public key.
type Snapshotter struct {
	index     Index
	vault     Vault
	encryptor Encryptor // nil stores snapshots unencrypted
	logger    Logger
}

// NewSnapshotter creates a Snapshotter. encryptor may be nil.
func NewSnapshotter(index Index, vault Vault, encryptor Encryptor, logger Logger) *Snapshotter {
	return &Snapshotter{
		index:     index,
		vault:     vault,
		encryptor: encryptor,
		logger:    logger,
	}
}

func (s *Snapshotter) name() string {
	if s.encryptor != nil {
		return encryptedSnapshotName
	}
	return snapshotName
}

// Backup uploads a new snapshot and returns its version.
func (s *Snapshotter) Backup(ctx context.Context) (int64, error) {
	if err := s.vault.ValidateSetup(ctx); err != nil {
		return 0, fmt.Errorf("validating vault: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "mlsync-snapshot-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "index.db")
	if err := s.index.BackupTo(ctx, dbPath); err != nil {
		return 0, fmt.Errorf("copying index: %w", err)
	}

	compressed := filepath.Join(tmpDir, snapshotName)
	if err := compressFile(dbPath, compressed); err != nil {
		return 0, err
	}

	upload := compressed
	if s.encryptor != nil {
		upload = filepath.Join(tmpDir, encryptedSnapshotName)
		if err := transformFile(compressed, upload, s.encryptor.Encrypt); err != nil {
			return 0, fmt.Errorf("encrypting snapshot: %w", err)
		}
	}

	current, err := s.vault.GetSnapshotVersion(ctx, s.name())
	if err != nil {
		return 0, fmt.Errorf("reading snapshot version: %w", err)
	}
	version := current + 1

	f, err := os.Open(upload)
	if err != nil {
		return 0, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat snapshot: %w", err)
	}

	if err := s.vault.PutSnapshot(ctx, s.name(), f, info.Size(), version); err != nil {
		return 0, fmt.Errorf("uploading snapshot: %w", err)
	}

	s.logger.Info("index snapshot stored", "name", s.name(), "version", version, "bytes", info.Size())
	return version, nil
}

// Restore downloads the latest snapshot and writes the decompressed index to destPath,
// which must not exist. dc is required when snapshots are encrypted.
func (s *Snapshotter) Restore(ctx context.Context, destPath string, dc DecryptionContext) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("restore target already exists: %s", destPath)
	}
	if s.encryptor != nil && dc == nil {
		return fmt.Errorf("snapshot is encrypted; unlock the private key first")
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating restore directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(dir, ".restore-*")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	downloaded := filepath.Join(tmpDir, s.name())
	out, err := os.Create(downloaded)
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}
	if err := s.vault.GetSnapshot(ctx, s.name(), out); err != nil {
		out.Close()
		return fmt.Errorf("downloading snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing download file: %w", err)
	}

	compressed := downloaded
	if s.encryptor != nil {
		compressed = filepath.Join(tmpDir, snapshotName)
		if err := transformFile(downloaded, compressed, dc.Decrypt); err != nil {
			return fmt.Errorf("decrypting snapshot: %w", err)
		}
	}

	plain := filepath.Join(tmpDir, "index.db")
	if err := decompressFile(compressed, plain); err != nil {
		return err
	}
	if err := os.Rename(plain, destPath); err != nil {
		return fmt.Errorf("moving restored index into place: %w", err)
	}

	s.logger.Info("index snapshot restored", "name", s.name(), "path", destPath)
	return nil
}

func compressFile(src, dst string) error {
	return transformFile(src, dst, func(r io.Reader, w io.Writer) error {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if _, err := io.Copy(enc, r); err != nil {
			enc.Close()
			return fmt.Errorf("compressing snapshot: %w", err)
		}
		return enc.Close()
	})
}

func decompressFile(src, dst string) error {
	return transformFile(src, dst, func(r io.Reader, w io.Writer) error {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("creating zstd reader: %w", err)
		}
		defer dec.Close()
		if _, err := io.Copy(w, dec); err != nil {
			return fmt.Errorf("decompressing snapshot: %w", err)
		}
		return nil
	})
}

// transformFile streams src through fn into a new file at dst.
func transformFile(src, dst string, fn func(io.Reader, io.Writer) error) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if err := fn(in, out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
