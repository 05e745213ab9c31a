package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrBackend marks a backend failure that survived the backend's own retry
// policy. Callers should treat it as fatal for the current operation.
var ErrBackend = errors.New("storage backend error")

// ErrInvalidPath is returned for paths that would escape the backend root.
var ErrInvalidPath = errors.New("invalid storage path")

// Entry describes a stored payload returned by List.
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Backend stores raw payloads keyed by slash separated paths. Absence is
// reported through the boolean results rather than as an error so callers
// can tell a missing payload apart from a failing backend.
type Backend interface {
	// Read returns the payload stored at p. The boolean is false when no
	// payload exists.
	Read(ctx context.Context, p string) ([]byte, bool, error)

	// Write stores data at p, replacing any previous payload.
	Write(ctx context.Context, p string, data []byte) error

	// Exists reports whether a payload is stored at p.
	Exists(ctx context.Context, p string) (bool, error)

	// Delete removes the payload at p. Removing a missing payload is not an
	// error.
	Delete(ctx context.Context, p string) error

	// Touch refreshes the modification time of the payload at p and reports
	// whether it exists.
	Touch(ctx context.Context, p string) (bool, error)

	// List calls fn for every payload whose path starts with prefix.
	// Returning an error from fn stops the iteration and is returned.
	List(ctx context.Context, prefix string, fn func(Entry) error) error
}

// CleanPath normalizes p and rejects absolute paths and parent references.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}
