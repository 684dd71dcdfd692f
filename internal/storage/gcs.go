package storage

import (
	"context"
	"hash/crc32"
	"io"
	"mime"
	"os"
	"path/filepath"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// GCSClient implements ObjectStorage for Google Cloud Storage.
type GCSClient struct {
	client *gcs.Client
}

// NewGCSClient builds a client from a service account credentials file. An empty
// path falls back to application default credentials.
func NewGCSClient(ctx context.Context, credentialsPath string) (*GCSClient, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		data, err := os.ReadFile(credentialsPath)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read credentials file %s", credentialsPath)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, gcs.ScopeReadWrite)
		if err != nil {
			return nil, errors.Wrap(err, "unable to parse credentials file")
		}
		opts = append(opts, option.WithCredentials(creds))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create GCS client")
	}
	return &GCSClient{client: client}, nil
}

// Bucket resolves name and checks that its metadata is readable.
func (c *GCSClient) Bucket(ctx context.Context, name string) (Bucket, error) {
	handle := c.client.Bucket(name)
	if _, err := handle.Attrs(ctx); err != nil {
		return nil, errors.Wrapf(err, "could not access GCS bucket %q", name)
	}
	return &gcsBucket{name: name, handle: handle}, nil
}

func (c *GCSClient) Close() error {
	return c.client.Close()
}

type gcsBucket struct {
	name   string
	handle *gcs.BucketHandle
}

func (b *gcsBucket) Name() string { return b.name }

// UploadFile streams localPath to key. The CRC32C of the local content is sent
// along so the server rejects a corrupted upload.
func (b *gcsBucket) UploadFile(ctx context.Context, key, localPath string) (ObjectInfo, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return ObjectInfo{}, errors.Wrapf(err, "open %s", localPath)
	}
	defer f.Close()

	h := crc32.New(crc32cTable)
	size, err := io.Copy(h, f)
	if err != nil {
		return ObjectInfo{}, errors.Wrapf(err, "checksum %s", localPath)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ObjectInfo{}, errors.Wrapf(err, "rewind %s", localPath)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.handle.Object(key).NewWriter(ctx)
	w.CRC32C = h.Sum32()
	w.SendCRC32C = true
	w.ContentType = mime.TypeByExtension(filepath.Ext(key))

	if _, err := io.Copy(w, f); err != nil {
		// cancelling the context aborts the upload instead of committing a partial object
		cancel()
		_ = w.Close()
		return ObjectInfo{}, errors.Wrapf(err, "upload %s", key)
	}
	if err := w.Close(); err != nil {
		return ObjectInfo{}, errors.Wrapf(err, "finalize %s", key)
	}

	info := ObjectInfo{Bucket: b.name, Key: key, Size: size}
	if attrs := w.Attrs(); attrs != nil {
		info.Size = attrs.Size
	}
	if info.Size != size {
		return info, errors.Errorf("size mismatch for %s: local %d, stored %d", key, size, info.Size)
	}
	return info, nil
}

var _ ObjectStorage = (*GCSClient)(nil)
