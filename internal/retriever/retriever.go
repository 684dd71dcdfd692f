// Package retriever pulls matching files from a remote SFTP server into a
// local staging directory and deletes each remote copy once it is safe to.
package retriever

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/andresuchdata/bipsync/internal/batch"
	"github.com/andresuchdata/bipsync/internal/domain"
)

// partialSuffix marks a download in progress. The uploader never picks these up.
const partialSuffix = ".part"

// Retriever fetches files for a single source.
type Retriever struct {
	cfg    domain.SourceConfig
	opts   domain.TransferOptions
	dialer Dialer
	log    zerolog.Logger
}

// New creates a Retriever. A nil dialer means SSHDialer.
func New(cfg domain.SourceConfig, opts domain.TransferOptions, dialer Dialer, log zerolog.Logger) *Retriever {
	if dialer == nil {
		dialer = SSHDialer{}
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = domain.DefaultRemotePath
	}
	if cfg.LocalPath == "" {
		cfg.LocalPath = domain.DefaultLocalPath
	}
	return &Retriever{cfg: cfg, opts: opts, dialer: dialer, log: log}
}

// Connect validates the local setup and credentials, then opens a session.
// Configuration problems are reported before any network traffic.
func (r *Retriever) Connect(ctx context.Context) (*Connection, error) {
	info, err := os.Stat(r.cfg.LocalPath)
	if err != nil || !info.IsDir() {
		return nil, domain.ConfigError(r.cfg.Name, domain.StageConnect, "local path %q is not an existing directory", r.cfg.LocalPath)
	}

	auth, err := AuthMethods(r.cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := HostKeyCallback(r.cfg, r.log)
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("addr", r.cfg.Addr()).Str("user", r.cfg.Username).Msg("connecting")

	session, err := r.dialer.Dial(ctx, r.cfg, &ssh.ClientConfig{
		User:            r.cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         r.opts.ConnectTimeout,
	})
	if err != nil {
		return nil, domain.NewStageError(domain.ErrConnection, r.cfg.Name, domain.StageConnect, "", err)
	}

	r.log.Info().Str("addr", r.cfg.Addr()).Msg("connected")
	return &Connection{r: r, session: session}, nil
}

// Connection is an open session for one source. It is not reused across runs.
type Connection struct {
	r       *Retriever
	session Session
}

// Close ends the session.
func (c *Connection) Close() error {
	return c.session.Close()
}

// Fetch downloads every matching remote file into the local path and removes
// the remote copy of each file that was downloaded completely. A listing
// failure is fatal for the source; per-file failures are only recorded.
func (c *Connection) Fetch(ctx context.Context) (domain.FetchSummary, error) {
	start := time.Now()
	cfg := c.r.cfg
	log := c.r.log

	var summary domain.FetchSummary

	entries, err := c.session.ReadDir(ctx, cfg.RemotePath)
	if err != nil {
		return summary, domain.NewStageError(domain.ErrConnection, cfg.Name, domain.StageList, "",
			fmt.Errorf("list %s: %w", cfg.RemotePath, err))
	}

	candidates := FilterCandidates(entries, cfg.Extension)
	summary.Found = len(candidates)
	if len(candidates) == 0 {
		log.Info().Str("path", cfg.RemotePath).Str("extension", cfg.Extension).Msg("no matching files found")
		summary.Elapsed = time.Since(start)
		return summary, nil
	}
	log.Info().Int("count", len(candidates)).Str("path", cfg.RemotePath).Msg("found matching files")

	results := make([][]domain.TransferOutcome, len(candidates))
	runErr := batch.Run(ctx, len(candidates), c.r.opts.Workers(), func(ctx context.Context, i int) {
		results[i] = c.fetchOne(ctx, candidates[i])
	})

	for _, outcomes := range results {
		for _, o := range outcomes {
			summary.Record(o)
		}
	}
	summary.Elapsed = time.Since(start)

	ev := log.Info()
	if summary.HasFailures() {
		ev = log.Warn()
	}
	ev.Int("found", summary.Found).
		Int("downloaded", summary.Downloaded).
		Int("failed_downloads", summary.FailedDownloads).
		Int("deleted", summary.Deleted).
		Int("failed_deletions", summary.FailedDeletions).
		Dur("elapsed", summary.Elapsed).
		Msg("fetch finished")

	if runErr != nil {
		return summary, domain.NewStageError(domain.ErrTransfer, cfg.Name, domain.StageDownload, "", runErr)
	}
	return summary, nil
}

// fetchOne downloads one file and, only if that succeeded, deletes it remotely.
func (c *Connection) fetchOne(ctx context.Context, entry os.FileInfo) []domain.TransferOutcome {
	cfg := c.r.cfg
	name := entry.Name()
	remote := path.Join(cfg.RemotePath, name)
	local := filepath.Join(cfg.LocalPath, name)
	log := c.r.log.With().Str("file", name).Logger()

	if err := c.download(ctx, remote, local, entry.Size()); err != nil {
		err = domain.NewStageError(domain.ErrTransfer, cfg.Name, domain.StageDownload, name, err)
		log.Error().Err(err).Msg("download failed, remote file kept")
		return []domain.TransferOutcome{{File: name, Stage: domain.StageDownload, Err: err}}
	}
	log.Info().Str("local", local).Msg("downloaded")
	outcomes := []domain.TransferOutcome{{File: name, Stage: domain.StageDownload, OK: true}}

	if err := c.session.Remove(remote); err != nil {
		err = domain.NewStageError(domain.ErrCleanup, cfg.Name, domain.StageDelete, name, err)
		log.Error().Err(err).Msg("remote delete failed")
		return append(outcomes, domain.TransferOutcome{File: name, Stage: domain.StageDelete, Err: err})
	}
	log.Debug().Str("remote", remote).Msg("deleted remote file")
	return append(outcomes, domain.TransferOutcome{File: name, Stage: domain.StageDelete, OK: true})
}

// download copies remote into local through a partial file so an interrupted
// transfer never leaves a truncated file under the final name.
func (c *Connection) download(ctx context.Context, remote, local string, size int64) (err error) {
	if c.r.opts.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.r.opts.OperationTimeout)
		defer cancel()
	}

	src, err := c.session.Open(remote)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remote, err)
	}
	defer src.Close()

	// A stalled read only returns once the remote handle is closed.
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()

	tmp := local + partialSuffix
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	n, err := io.Copy(dst, src)
	if err == nil {
		err = dst.Sync()
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("download %s: %w", remote, ctxErr)
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", remote, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("size mismatch for %s: got %d bytes, remote reported %d", remote, n, size)
	}

	if err = os.Rename(tmp, local); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// FilterCandidates keeps regular entries whose name ends with ext, in listing
// order. The match is case-sensitive. An empty ext keeps every regular entry.
func FilterCandidates(entries []os.FileInfo, ext string) []os.FileInfo {
	var out []os.FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext != "" && !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		out = append(out, e)
	}
	return out
}
