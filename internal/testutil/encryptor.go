package testutil

import (
	"mlsync/internal/encryption"
	"mlsync/internal/library"
)

// NewTestEncryptor creates a reversible, key-less encryptor for snapshot tests.
func NewTestEncryptor() library.Encryptor {
	return encryption.NewTestEncryptor()
}
