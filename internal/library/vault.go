package library

import (
	"context"
	"io"
)

// Vault stores index snapshots. Reads and writes stream so a large index is never
// held in memory.
type Vault interface {
	// PutSnapshot stores a named snapshot. size is the number of bytes that will be
	// read from r; version is stored alongside for ordering.
	PutSnapshot(ctx context.Context, name string, r io.Reader, size int64, version int64) error

	// GetSnapshot writes the named snapshot to w.
	GetSnapshot(ctx context.Context, name string, w io.Writer) error

	// GetSnapshotVersion returns the stored version, or 0 if the snapshot does not exist.
	GetSnapshotVersion(ctx context.Context, name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}

// Encryptor encrypts snapshots with a public key and unlocks the private key for
// restores.
type Encryptor interface {
	// Setup generates a key pair and protects the private key with passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a context for the session.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for a restore.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
