package storage

import (
	"context"
	"path"
	"strings"
)

// ObjectInfo represents metadata for an uploaded object.
type ObjectInfo struct {
	Bucket string
	Key    string
	Size   int64
}

// Bucket is a resolved, accessible destination bucket.
type Bucket interface {
	Name() string
	// UploadFile writes the contents of localPath to key and returns what the
	// store acknowledged.
	UploadFile(ctx context.Context, key, localPath string) (ObjectInfo, error)
}

// ObjectStorage resolves buckets by name.
type ObjectStorage interface {
	Bucket(ctx context.Context, name string) (Bucket, error)
	Close() error
}

// ObjectKey joins an optional prefix and a file's base name.
func ObjectKey(prefix, name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
