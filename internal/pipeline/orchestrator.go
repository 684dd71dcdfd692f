package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andresuchdata/bipsync/internal/domain"
)

// Orchestrator runs fetch then upload for every configured source. A source
// failure is recorded in the report and never stops the other sources.
type Orchestrator struct {
	opts        Options
	log         zerolog.Logger
	recorder    Recorder
	newFetcher  func(src domain.Source, log zerolog.Logger) Fetcher
	newUploader func(src domain.Source, log zerolog.Logger) Uploader
	newRunID    func() string
}

// NewOrchestrator creates a new Orchestrator. recorder may be nil.
func NewOrchestrator(opts Options, recorder Recorder, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		opts:        opts,
		log:         log,
		recorder:    recorder,
		newFetcher:  defaultFetcher(opts),
		newUploader: defaultUploader(opts),
		newRunID:    uuid.NewString,
	}
}

// Run processes sources and returns one report per source, in input order.
func (o *Orchestrator) Run(ctx context.Context, sources []domain.Source) domain.RunReport {
	report := domain.RunReport{
		RunID:     o.newRunID(),
		StartedAt: time.Now(),
		Sources:   make([]domain.SourceReport, len(sources)),
	}
	log := o.log.With().Str("run_id", report.RunID).Logger()
	log.Info().Int("sources", len(sources)).Int("parallel", o.opts.parallelSources()).Msg("run started")

	var g errgroup.Group
	g.SetLimit(o.opts.parallelSources())
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			report.Sources[i] = o.runSource(ctx, src, log)
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = time.Since(report.StartedAt)

	failed := 0
	for _, s := range report.Sources {
		if s.Failed() {
			failed++
		}
	}
	ev := log.Info()
	if failed > 0 {
		ev = log.Warn()
	}
	ev.Int("sources", len(sources)).Int("failed", failed).Dur("elapsed", report.Elapsed).Msg("run finished")

	return report
}

// runSource walks one source through its states. The returned report is
// always in a terminal state.
func (o *Orchestrator) runSource(ctx context.Context, src domain.Source, runLog zerolog.Logger) domain.SourceReport {
	start := time.Now()
	log := runLog.With().Str("source", src.Name).Logger()
	rep := domain.SourceReport{Source: src.Name, State: domain.StateIdle}

	advance := func(to domain.SourceState) {
		if !domain.CanTransition(rep.State, to) {
			log.Error().Str("from", string(rep.State)).Str("to", string(to)).Msg("invalid state transition")
		}
		rep.State = to
	}
	fail := func(err error) domain.SourceReport {
		rep.Err = err
		log.Error().Err(err).Str("state", string(rep.State)).Msg("source failed")
		advance(domain.StateFailedFatal)
		return o.finish(rep, start, log)
	}

	advance(domain.StateConnecting)
	if src.Err != nil {
		return fail(src.Err)
	}
	// Staging and sent must be usable before anything is removed remotely.
	up := o.newUploader(src, log)
	if err := up.ValidateDirectories(); err != nil {
		return fail(err)
	}
	conn, err := o.newFetcher(src, log).Connect(ctx)
	if err != nil {
		return fail(err)
	}

	advance(domain.StateFetching)
	fetched, err := conn.Fetch(ctx)
	if closeErr := conn.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("close sftp session")
	}
	rep.Summary.Fetch = fetched
	if err != nil {
		return fail(err)
	}

	// Files left in staging by earlier runs are uploaded even if nothing new arrived.
	advance(domain.StateUploading)
	uploaded, err := up.Run(ctx)
	rep.Summary.Upload = uploaded
	if err != nil {
		return fail(err)
	}

	advance(domain.StateDone)
	return o.finish(rep, start, log)
}

func (o *Orchestrator) finish(rep domain.SourceReport, start time.Time, log zerolog.Logger) domain.SourceReport {
	rep.Summary.Elapsed = time.Since(start)

	fetch, upload := rep.Summary.Fetch, rep.Summary.Upload
	ev := log.Info()
	if rep.Failed() || fetch.HasFailures() || upload.HasFailures() {
		ev = log.Warn()
	}
	ev.Str("state", string(rep.State)).
		Int("found", fetch.Found).
		Int("downloaded", fetch.Downloaded).
		Int("deleted", fetch.Deleted).
		Int("candidates", upload.Candidates).
		Int("uploaded", upload.Uploaded).
		Int("moved", upload.Moved).
		Dur("elapsed", rep.Summary.Elapsed).
		Msg("source summary")

	if o.recorder != nil {
		o.recorder.ObserveSource(rep)
	}
	return rep
}
