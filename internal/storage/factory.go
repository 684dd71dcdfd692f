package storage

import (
	"context"

	"github.com/pkg/errors"
)

const (
	DriverGCS = "gcs"
	DriverS3  = "s3"
)

// Options selects and configures an ObjectStorage driver.
type Options struct {
	Driver          string
	CredentialsPath string
	S3              S3Config
}

// Opener creates an ObjectStorage for one source. Sources may carry
// different credentials, so clients are not shared between them.
type Opener func(ctx context.Context, opts Options) (ObjectStorage, error)

// Open is the default Opener.
func Open(ctx context.Context, opts Options) (ObjectStorage, error) {
	switch opts.Driver {
	case DriverGCS, "":
		return NewGCSClient(ctx, opts.CredentialsPath)
	case DriverS3:
		return NewS3Client(opts.S3)
	default:
		return nil, errors.Errorf("unknown storage driver %q", opts.Driver)
	}
}
