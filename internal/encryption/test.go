package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"mlsync/internal/library"
)

// sealMagic opens every snapshot written by TestEncryptor.
var sealMagic = []byte("MLSNAP\x00\x01")

// ErrPassphraseMismatch is returned by Unlock when the passphrase differs from the one
// given to Setup.
var ErrPassphraseMismatch = errors.New("passphrase does not match")

// TestEncryptor seals snapshots without any cryptography. The output is the plaintext
// behind a fixed magic, so it never equals the input and reverses without keys.
// Selected with encryption type "test".
type TestEncryptor struct {
	mu         sync.Mutex
	passphrase string // empty until Setup; then Unlock insists on it
}

var _ library.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passphrase = passphrase
	return nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(sealMagic); err != nil {
		return fmt.Errorf("writing snapshot magic: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("sealing snapshot: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (library.DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.passphrase != "" && passphrase != e.passphrase {
		return nil, ErrPassphraseMismatch
	}
	return testOpener{}, nil
}

// testOpener reverses TestEncryptor.Encrypt.
type testOpener struct{}

func (testOpener) Decrypt(r io.Reader, w io.Writer) error {
	magic := make([]byte, len(sealMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("reading snapshot magic: %w", err)
	}
	if !bytes.Equal(magic, sealMagic) {
		return fmt.Errorf("not a test-sealed snapshot")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	return nil
}
