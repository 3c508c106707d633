// Package blob stores session artifacts in a local directory or a GCS bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no object exists at the requested path.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidPath is returned for empty, absolute or escaping object paths.
	ErrInvalidPath = errors.New("invalid blob path")
)

// Store is the object storage contract used by the pipeline. Paths are
// slash-separated and relative to the store root.
type Store interface {
	Put(ctx context.Context, path string, data []byte, metadata map[string]string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	// Delete removes exactly one object; deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
	// List returns every object path starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Copy(ctx context.Context, src, dst string) error
	// AccessURL returns a URL granting read access to path until ttl elapses.
	AccessURL(ctx context.Context, path string, ttl time.Duration) (string, error)
	// URI returns the gs:// location of path, or "" when the store is not GCS.
	URI(path string) string
}

// ContentTypeKey is the metadata key carrying the object's MIME type.
const ContentTypeKey = "content-type"

// cleanPath validates an object path and returns its canonical form.
func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}
