// Package storage defines where thumbnails end up. Implementations live in the
// local, gcs and memory subpackages so the pipeline does not care whether it
// writes to a directory or a bucket.
package storage

import (
	"context"
	"io"
)

// ContentTypeJPEG is the content type of every stored thumbnail.
const ContentTypeJPEG = "image/jpeg"

// BlobStore persists thumbnails by object path.
type BlobStore interface {
	// PutObject writes the object and returns a URI describing where it went.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// Exists reports whether an object is already stored at path.
	Exists(ctx context.Context, path string) (bool, error)
}
