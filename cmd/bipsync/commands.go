package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/bipsync/internal/config"
	"github.com/andresuchdata/bipsync/internal/domain"
	"github.com/andresuchdata/bipsync/internal/metrics"
	"github.com/andresuchdata/bipsync/internal/pipeline"
	"github.com/andresuchdata/bipsync/internal/retriever"
	"github.com/andresuchdata/bipsync/internal/uploader"
	"github.com/andresuchdata/bipsync/pkg/logger"
)

const pushTimeout = 10 * time.Second

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("env-file"), c.String("config"))
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	logger.SetLevel(level)
	if err := logger.SetOutputFile(cfg.Log.File); err != nil {
		return nil, err
	}

	cfg.Sources, err = filterSources(cfg.Sources, c.StringSlice("source"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// filterSources keeps only the named sources, in configuration order.
func filterSources(sources []domain.Source, names []string) ([]domain.Source, error) {
	if len(names) == 0 {
		return sources, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(strings.TrimSpace(n))] = true
	}

	var out []domain.Source
	for _, src := range sources {
		key := strings.ToLower(src.Name)
		if wanted[key] {
			out = append(out, src)
			delete(wanted, key)
		}
	}
	if len(wanted) > 0 {
		unknown := make([]string, 0, len(wanted))
		for name := range wanted {
			unknown = append(unknown, name)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown source(s): %s: %w", strings.Join(unknown, ", "), domain.ErrConfiguration)
	}
	return out, nil
}

func runSources(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	orch := pipeline.NewOrchestrator(pipeline.Options{
		Transfer:        cfg.Transfer.Options(),
		ParallelSources: cfg.Transfer.ParallelSources,
		StorageOptions:  cfg.StorageOptions,
	}, recorder, logger.Log)

	report := orch.Run(c.Context, cfg.Sources)
	recorder.MarkRunFinished(time.Now())

	// Push even when the run was interrupted.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(c.Context), pushTimeout)
	defer cancel()
	if err := recorder.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		logger.Log.Warn().Err(err).Msg("metrics push failed")
	}

	if report.Failed() {
		var failed []string
		for _, s := range report.Sources {
			if s.Failed() {
				failed = append(failed, s.Source)
			}
		}
		return fmt.Errorf("run %s: %d source(s) failed: %s", report.RunID, len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// checkSources validates everything that can be checked offline: auth
// material, known_hosts and the staging/sent directories.
func checkSources(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	failed := 0
	for _, src := range cfg.Sources {
		log := logger.ForSource(src.Name)
		if err := checkSource(src, cfg); err != nil {
			failed++
			log.Error().Err(err).Msg("check failed")
			continue
		}
		log.Info().Str("addr", src.Remote.Addr()).Str("bucket", src.Destination.Bucket).Msg("check passed")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d source(s) failed the check", failed, len(cfg.Sources))
	}
	return nil
}

func checkSource(src domain.Source, cfg *config.Config) error {
	if src.Err != nil {
		return src.Err
	}
	log := logger.ForSource(src.Name)
	if _, err := retriever.AuthMethods(src.Remote); err != nil {
		return err
	}
	if _, err := retriever.HostKeyCallback(src.Remote, log); err != nil {
		return err
	}
	up := uploader.New(src.Name, src.Destination, cfg.Transfer.Options(), nil, cfg.StorageOptions(src.Destination), log)
	return up.ValidateDirectories()
}
