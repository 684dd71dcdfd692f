package storage

import (
	"context"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// S3Config encapsulates the connection info for S3-compatible storage.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3Client implements ObjectStorage for S3-compatible services.
type S3Client struct {
	client *minio.Client
}

// NewS3Client builds a new S3Client backed by minio-go.
func NewS3Client(cfg S3Config) (*S3Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint must be provided")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("s3 credentials must be provided")
	}

	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		secure = true
		endpoint = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		secure = false
		endpoint = strings.TrimPrefix(endpoint, "http://")
	}
	endpoint = strings.TrimSuffix(strings.TrimPrefix(endpoint, "//"), "/")

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to create s3 client")
	}

	return &S3Client{client: client}, nil
}

// Bucket checks that name exists and is reachable with the configured keys.
func (c *S3Client) Bucket(ctx context.Context, name string) (Bucket, error) {
	exists, err := c.client.BucketExists(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "could not access s3 bucket %q", name)
	}
	if !exists {
		return nil, errors.Errorf("s3 bucket %q does not exist", name)
	}
	return &s3Bucket{name: name, client: c.client}, nil
}

func (c *S3Client) Close() error { return nil }

type s3Bucket struct {
	name   string
	client *minio.Client
}

func (b *s3Bucket) Name() string { return b.name }

func (b *s3Bucket) UploadFile(ctx context.Context, key, localPath string) (ObjectInfo, error) {
	stat, err := os.Stat(localPath)
	if err != nil {
		return ObjectInfo{}, errors.Wrapf(err, "stat %s", localPath)
	}

	uploaded, err := b.client.FPutObject(ctx, b.name, key, localPath, minio.PutObjectOptions{
		ContentType: mime.TypeByExtension(filepath.Ext(key)),
	})
	if err != nil {
		return ObjectInfo{}, errors.Wrapf(err, "upload %s", key)
	}

	info := ObjectInfo{Bucket: b.name, Key: key, Size: uploaded.Size}
	if info.Size != stat.Size() {
		return info, errors.Errorf("size mismatch for %s: local %d, stored %d", key, stat.Size(), info.Size)
	}
	return info, nil
}

var _ ObjectStorage = (*S3Client)(nil)
