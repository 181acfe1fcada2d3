package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned by Retrieve when no artifact is stored under
	// the requested key.
	ErrNotFound = errors.New("object not found")

	// ErrAlreadyExists is returned by Store when the key already holds an
	// artifact. Artifacts are write-once.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrOperationFailed wraps every backend-level fault (network,
	// permissions, malformed responses, timeouts).
	ErrOperationFailed = errors.New("storage operation failed")
)

// Storage is a content-addressed, write-once blob store. Keys are validated
// by the caller before they reach an implementation. Implementations must be
// safe for concurrent use.
type Storage interface {
	// Exists reports whether an artifact is stored under key. A missing
	// artifact is not an error.
	Exists(ctx context.Context, key string) (bool, error)

	// Store persists r under key. size is the payload length, or -1 when
	// unknown. Store never overwrites: it returns ErrAlreadyExists when the
	// key is already present. An aborted or failed write must not become
	// visible through Exists or Retrieve.
	Store(ctx context.Context, key string, r io.Reader, size int64) error

	// Retrieve returns a stream of the bytes stored under key, or
	// ErrNotFound. The caller must close the returned reader.
	Retrieve(ctx context.Context, key string) (io.ReadCloser, error)
}

// Sized is implemented by readers returned from Retrieve that know the
// length of the artifact up front.
type Sized interface {
	Size() int64
}

// operationFailed wraps cause so that it matches ErrOperationFailed while
// keeping the backend detail for server-side logs.
func operationFailed(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrOperationFailed, cause)
}

type sizedReadCloser struct {
	io.ReadCloser
	size int64
}

func (r sizedReadCloser) Size() int64 {
	return r.size
}
