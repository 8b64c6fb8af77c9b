// Package objstore is the write-once object layer behind audit batch
// archival. Keys never overwrite: the audit trail is immutable, so every
// backend refuses to replace an existing object.
package objstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/keel/pkg/config"
)

// Kind selects the storage backend.
type Kind string

const (
	KindFile Kind = "file"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
)

// Store reads and writes immutable objects by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// NewStore builds the backend named by cfg.ObjectStore.
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch Kind(cfg.ObjectStore) {
	case KindFile, "":
		return NewFileStore(cfg.ObjectStoreDir)
	case KindS3:
		if cfg.ObjectStoreBucket == "" {
			return nil, fmt.Errorf("objstore: OBJECT_STORE_BUCKET is required for s3")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.ObjectStoreBucket,
			LockDays: cfg.ObjectLockDays,
		})
	case KindGCS:
		if cfg.ObjectStoreBucket == "" {
			return nil, fmt.Errorf("objstore: OBJECT_STORE_BUCKET is required for gcs")
		}
		return newGCSStore(ctx, cfg.ObjectStoreBucket)
	default:
		return nil, fmt.Errorf("objstore: unsupported backend %q", cfg.ObjectStore)
	}
}

// validateKey rejects traversal and empty segments before keys touch any
// backend path logic.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("objstore: empty key")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("objstore: key %q must be relative", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("objstore: key %q has an invalid segment", key)
		}
	}
	return nil
}
