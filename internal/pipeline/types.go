package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/andresuchdata/bipsync/internal/domain"
	"github.com/andresuchdata/bipsync/internal/retriever"
	"github.com/andresuchdata/bipsync/internal/storage"
	"github.com/andresuchdata/bipsync/internal/uploader"
)

// Fetcher opens a retrieval session for one source.
type Fetcher interface {
	Connect(ctx context.Context) (FetchSession, error)
}

// FetchSession pulls the remote files of an open connection.
type FetchSession interface {
	Fetch(ctx context.Context) (domain.FetchSummary, error)
	Close() error
}

// Uploader pushes staged files of one source to object storage.
// ValidateDirectories is called before the source connects.
type Uploader interface {
	ValidateDirectories() error
	Run(ctx context.Context) (domain.UploadSummary, error)
}

// Recorder receives the report of every finished source.
type Recorder interface {
	ObserveSource(rep domain.SourceReport)
}

// Options holds configuration for an orchestrator instance
type Options struct {
	Transfer        domain.TransferOptions
	ParallelSources int // Number of sources processed at once

	// StorageOptions builds the driver options for a destination.
	StorageOptions func(dest domain.DestinationConfig) storage.Options
	Dialer         retriever.Dialer // nil dials real servers
	Opener         storage.Opener   // nil opens real buckets
}

func (o Options) parallelSources() int {
	if o.ParallelSources < 1 {
		return 1
	}
	return o.ParallelSources
}

type retrieverFetcher struct {
	r *retriever.Retriever
}

func (f retrieverFetcher) Connect(ctx context.Context) (FetchSession, error) {
	conn, err := f.r.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func defaultFetcher(opts Options) func(domain.Source, zerolog.Logger) Fetcher {
	return func(src domain.Source, log zerolog.Logger) Fetcher {
		return retrieverFetcher{r: retriever.New(src.Remote, opts.Transfer, opts.Dialer, log)}
	}
}

func defaultUploader(opts Options) func(domain.Source, zerolog.Logger) Uploader {
	return func(src domain.Source, log zerolog.Logger) Uploader {
		var storeOpts storage.Options
		if opts.StorageOptions != nil {
			storeOpts = opts.StorageOptions(src.Destination)
		} else {
			storeOpts.CredentialsPath = src.Destination.CredentialsPath
		}
		return uploader.New(src.Name, src.Destination, opts.Transfer, opts.Opener, storeOpts, log)
	}
}
