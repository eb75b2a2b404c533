// Package crypt wraps the external encryption backend behind a narrow
// tree-oriented gateway so the orchestrator can be tested against an
// in-memory fake.
package crypt

import (
	"context"
	"errors"
	"fmt"
)

// ArtifactSuffix is appended to each plaintext file's relative path to
// name its ciphertext artifact.
const ArtifactSuffix = ".gpg"

// Gateway transforms whole directory trees between plaintext and
// ciphertext. Both operations are atomic at tree granularity: the first
// failing file aborts the run and no partial result reaches the
// destination. Inputs are never deleted; staging cleanup owns deletion.
type Gateway interface {
	// EncryptTree encrypts every regular file under src into dst at the
	// same relative path plus ArtifactSuffix.
	EncryptTree(ctx context.Context, src, dst, recipient string, excludes []string) error

	// DecryptTree decrypts every artifact under src into dst, stripping
	// ArtifactSuffix. Files already present in dst are overwritten.
	DecryptTree(ctx context.Context, src, dst string) error
}

var (
	// ErrKeyNotFound means the recipient does not resolve to a usable key.
	ErrKeyNotFound = errors.New("recipient key not found")

	// ErrBackendUnavailable means the encryption backend cannot be invoked
	// at all.
	ErrBackendUnavailable = errors.New("encryption backend unavailable")
)

// UnsupportedFileTypeError reports a symlink or special file in the
// source tree. These abort the run rather than being skipped, so data
// never goes missing silently.
type UnsupportedFileTypeError struct {
	Path string
}

func (e *UnsupportedFileTypeError) Error() string {
	return fmt.Sprintf("unsupported file type: %s", e.Path)
}

// DecryptError reports the artifact the backend could not decrypt.
type DecryptError struct {
	Path string
	Err  error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt %s: %v", e.Path, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }
