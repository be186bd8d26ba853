package object

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Storage defines the interface for object storage operations.
// Implementations: MinIO (default), GCS and an in-memory store.
//
// A missing object makes GetObject and CopyObject return an error wrapping
// errorsx.ErrNotFound. Deleting a missing object isn't an error.
type Storage interface {
	PutObject(ctx context.Context, bucket, objectPath string, content []byte, contentType string) error
	GetObject(ctx context.Context, bucket, objectPath string) ([]byte, error)
	DeleteObject(ctx context.Context, bucket, objectPath string) error
	// CopyObject copies an object inside a bucket.
	CopyObject(ctx context.Context, bucket, srcPath, dstPath string) error
	// ListObjects returns the objects whose path starts with the prefix,
	// sorted by path.
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}
