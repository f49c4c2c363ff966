// Package objstore stores recipient list blocks and rendered message bodies
// in S3-compatible object storage, with an in-memory implementation for
// tests and single-node development.
package objstore

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("objstore: object not found")
)

// Store is a bucket-addressed object store.
type Store interface {
	// Write stores an object, replacing any existing one.
	Write(ctx context.Context, bucket, key string, data []byte) error

	// Read returns an object's full contents.
	Read(ctx context.Context, bucket, key string) ([]byte, error)

	// ReadStream returns an object as a stream. The caller closes it.
	ReadStream(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// Copy duplicates an object, possibly across buckets.
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error

	// List returns the keys under a prefix.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}
