package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned when a blob does not exist.
	//
	// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
	// The default maps to `os.ErrNotExist`.
	ErrNotFound = os.ErrNotExist

	// ErrInvalidName is returned for blob names that are empty, absolute or
	// escape the store root.
	ErrInvalidName = errors.New("invalid blob name")
)

// BlobStore stores named, immutable blobs such as backed-up segment logs and
// catalog files. Names use forward slashes. Implementations must be safe for
// concurrent use.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create starts writing a blob. The blob becomes visible when the
	// returned writer is closed without error.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes at off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange returns a reader for length bytes at off, clipped to the
	// blob size. It returns io.EOF when off is past the end.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.WriteCloser
	// Sync flushes buffered data where the backend supports it.
	Sync() error
	// Abort discards the blob. Nothing becomes visible. Abort after Close
	// is a no-op.
	Abort() error
}

// ValidateName checks that name is a clean, relative, slash-separated path.
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if path.Clean(name) != name || name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ReadAll reads a whole blob.
func ReadAll(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	if b.Size() == 0 {
		return []byte{}, nil
	}
	r, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
