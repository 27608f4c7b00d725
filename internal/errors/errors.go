// Package errors provides typed errors for SecureVault operations.
// This enables callers to use errors.Is() and errors.As() for specific error handling.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error taxonomy surfaced to callers.
// Use errors.Is(err, errors.ErrCryptoFailure) to check for specific errors.
var (
	// ErrCryptoFailure covers any authenticated-decrypt failure or PIN
	// fingerprint mismatch. It is deliberately opaque: callers must not be
	// able to distinguish a wrong PIN from a tampered ciphertext.
	ErrCryptoFailure = errors.New("cryptographic operation failed")

	// ErrNotFound means a referenced entity (repository, virtual file, block
	// row, operation record) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMissingBlob means a block row exists but its blob file is absent.
	// This indicates repository corruption.
	ErrMissingBlob = errors.New("block blob missing from disk")

	// ErrNameCollision means a sibling already decrypts to the same name,
	// or a repository with that name is already registered.
	ErrNameCollision = errors.New("name already exists")

	// ErrPathCollision means a repository is already registered at that path.
	ErrPathCollision = errors.New("path already registered")

	// ErrQuotaExceeded means a pending block commit would cross the
	// repository quota.
	ErrQuotaExceeded = errors.New("repository quota exceeded")

	// ErrInterrupted means an operation was terminated by cancellation or
	// process death.
	ErrInterrupted = errors.New("operation interrupted")

	// ErrCancelled means the user requested cancellation and the operation
	// stopped at a safe boundary.
	ErrCancelled = errors.New("operation cancelled")

	// ErrLocked means the repository is already open in another process.
	ErrLocked = errors.New("repository locked by another process")

	// ErrInvalidName rejects empty or path-separator-bearing virtual names.
	ErrInvalidName = errors.New("invalid name")
)

// IOError represents a host filesystem failure. It carries the underlying
// reason so callers can present it while still matching the wrapped error
// with errors.Is.
type IOError struct {
	Op   string // Operation: "open", "read", "write", "stat", "create", "remove"
	Path string // File path
	Err  error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s failed", e.Op, e.Path)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError creates a new IOError.
func NewIOError(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Err: err}
}

// InvariantError reports a runtime consistency violation (e.g. a refcount of
// zero with a blob still on disk). Such errors fail the current operation and
// are never silently repaired.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Detail
}

// NewInvariantError creates a new InvariantError.
func NewInvariantError(format string, args ...any) *InvariantError {
	return &InvariantError{Detail: fmt.Sprintf(format, args...)}
}
