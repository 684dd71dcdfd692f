// Package uploader pushes staged files to object storage and moves each
// uploaded file into the sent directory.
package uploader

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/andresuchdata/bipsync/internal/batch"
	"github.com/andresuchdata/bipsync/internal/domain"
	"github.com/andresuchdata/bipsync/internal/storage"
)

// Uploader handles the staging directory of one source.
type Uploader struct {
	source    string
	dest      domain.DestinationConfig
	opts      domain.TransferOptions
	open      storage.Opener
	storeOpts storage.Options
	log       zerolog.Logger
	now       func() time.Time
}

// New creates an Uploader. A nil open means storage.Open.
func New(source string, dest domain.DestinationConfig, opts domain.TransferOptions,
	open storage.Opener, storeOpts storage.Options, log zerolog.Logger) *Uploader {
	if open == nil {
		open = storage.Open
	}
	if dest.StagingDir == "" {
		dest.StagingDir = domain.DefaultLocalPath
	}
	if dest.SentDir == "" {
		dest.SentDir = domain.DefaultSentPath
	}
	if dest.Bucket == "" {
		dest.Bucket = domain.DefaultBucket
	}
	return &Uploader{
		source:    source,
		dest:      dest,
		opts:      opts,
		open:      open,
		storeOpts: storeOpts,
		log:       log,
		now:       time.Now,
	}
}

// ValidateDirectories checks that staging and sent directories exist, are
// directories and accept new files.
func (u *Uploader) ValidateDirectories() error {
	for _, dir := range []string{u.dest.StagingDir, u.dest.SentDir} {
		if err := checkWritableDir(dir); err != nil {
			return domain.ConfigErrorWrap(u.source, domain.StageUpload, err)
		}
	}
	return nil
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "directory %s", dir)
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".bipsync-write-check-*")
	if err != nil {
		return errors.Wrapf(err, "directory %s is not writable", dir)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// ListCandidates returns the names of staged files to upload, sorted.
func (u *Uploader) ListCandidates() ([]string, error) {
	entries, err := os.ReadDir(u.dest.StagingDir)
	if err != nil {
		return nil, domain.NewStageError(domain.ErrConfiguration, u.source, domain.StageUpload, "",
			errors.Wrapf(err, "list %s", u.dest.StagingDir))
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasSuffix(name, ".part") {
			continue
		}
		if u.dest.Extension != "" && !strings.HasSuffix(name, u.dest.Extension) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Run uploads every candidate and moves it to the sent directory once the
// upload is confirmed. Only directory and bucket problems are returned as
// errors; per-file failures are recorded in the summary.
func (u *Uploader) Run(ctx context.Context) (domain.UploadSummary, error) {
	start := time.Now()
	var summary domain.UploadSummary

	if err := u.ValidateDirectories(); err != nil {
		return summary, err
	}

	files, err := u.ListCandidates()
	if err != nil {
		return summary, err
	}
	summary.Candidates = len(files)
	if len(files) == 0 {
		summary.Elapsed = time.Since(start)
		u.log.Info().Str("dir", u.dest.StagingDir).Msg("no files to upload")
		return summary, nil
	}
	u.log.Info().Int("count", len(files)).Str("dir", u.dest.StagingDir).Msg("found staged files")

	store, err := u.open(ctx, u.storeOpts)
	if err != nil {
		return summary, domain.NewStageError(domain.ErrBucketAccess, u.source, domain.StageBucket, "", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			u.log.Warn().Err(err).Msg("close storage client")
		}
	}()

	bucket, err := store.Bucket(ctx, u.dest.Bucket)
	if err != nil {
		return summary, domain.NewStageError(domain.ErrBucketAccess, u.source, domain.StageBucket, "", err)
	}

	results := make([][]domain.TransferOutcome, len(files))
	runErr := batch.Run(ctx, len(files), u.opts.Workers(), func(ctx context.Context, i int) {
		results[i] = u.uploadOne(ctx, bucket, files[i])
	})

	for _, outcomes := range results {
		for _, o := range outcomes {
			summary.Record(o)
		}
	}
	summary.Elapsed = time.Since(start)

	ev := u.log.Info()
	if summary.HasFailures() {
		ev = u.log.Warn()
	}
	ev.Int("uploaded", summary.Uploaded).
		Int("total", summary.Candidates).
		Int("moved", summary.Moved).
		Int("failed_moves", summary.FailedMoves).
		Dur("elapsed", summary.Elapsed).
		Msgf("uploaded %d out of %d file(s)", summary.Uploaded, summary.Candidates)

	if runErr != nil {
		return summary, domain.NewStageError(domain.ErrTransfer, u.source, domain.StageUpload, "", runErr)
	}
	return summary, nil
}

func (u *Uploader) uploadOne(ctx context.Context, bucket storage.Bucket, name string) []domain.TransferOutcome {
	local := filepath.Join(u.dest.StagingDir, name)
	key := storage.ObjectKey(u.dest.KeyPrefix, name)
	log := u.log.With().Str("file", name).Logger()

	if err := u.upload(ctx, bucket, key, local); err != nil {
		err = domain.NewStageError(domain.ErrTransfer, u.source, domain.StageUpload, name, err)
		log.Error().Err(err).Msg("upload failed, file kept in staging")
		return []domain.TransferOutcome{{File: name, Stage: domain.StageUpload, Err: err}}
	}
	log.Info().Str("bucket", bucket.Name()).Str("key", key).Msg("uploaded")
	outcomes := []domain.TransferOutcome{{File: name, Stage: domain.StageUpload, OK: true}}

	dst, err := moveToSent(local, u.dest.SentDir, name, u.dest.Collision, u.now())
	if err != nil {
		err = domain.NewStageError(domain.ErrCleanup, u.source, domain.StageMove, name, err)
		log.Error().Err(err).Msg("move to sent failed")
		return append(outcomes, domain.TransferOutcome{File: name, Stage: domain.StageMove, Err: err})
	}
	log.Info().Str("dest", dst).Msg("moved to sent")
	return append(outcomes, domain.TransferOutcome{File: name, Stage: domain.StageMove, OK: true})
}

func (u *Uploader) upload(ctx context.Context, bucket storage.Bucket, key, local string) error {
	if u.opts.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.opts.OperationTimeout)
		defer cancel()
	}
	_, err := bucket.UploadFile(ctx, key, local)
	return err
}
