// Package metrics exports run results in the Prometheus format. A batch job
// does not live long enough to be scraped, so results are pushed to a
// Pushgateway at the end of the run.
package metrics

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/andresuchdata/bipsync/internal/domain"
)

const namespace = "bipsync"

// Recorder collects per-source results on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	filesTotal     *prometheus.CounterVec
	sourceDuration *prometheus.GaugeVec
	sourceFailed   *prometheus.GaugeVec
	lastRun        prometheus.Gauge
}

// NewRecorder creates a Recorder with all metrics registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files processed per source, stage and result.",
		}, []string{"source", "stage", "result"}),
		sourceDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_duration_seconds",
			Help:      "Wall time spent on a source in the last run.",
		}, []string{"source"}),
		sourceFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_failed",
			Help:      "1 if the source ended the last run in a fatal state.",
		}, []string{"source"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the last run finished.",
		}),
	}

	r.registry.MustRegister(r.filesTotal, r.sourceDuration, r.sourceFailed, r.lastRun)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveSource records the outcome of one source. Safe for concurrent use.
func (r *Recorder) ObserveSource(rep domain.SourceReport) {
	for _, o := range rep.Summary.Fetch.Outcomes {
		r.observeOutcome(rep.Source, o)
	}
	for _, o := range rep.Summary.Upload.Outcomes {
		r.observeOutcome(rep.Source, o)
	}

	r.sourceDuration.WithLabelValues(rep.Source).Set(rep.Summary.Elapsed.Seconds())

	failed := 0.0
	if rep.Failed() {
		failed = 1
	}
	r.sourceFailed.WithLabelValues(rep.Source).Set(failed)
}

func (r *Recorder) observeOutcome(source string, o domain.TransferOutcome) {
	result := "ok"
	if !o.OK {
		result = "failed"
	}
	r.filesTotal.WithLabelValues(source, string(o.Stage), result).Inc()
}

// MarkRunFinished stamps the end of the run.
func (r *Recorder) MarkRunFinished(at time.Time) {
	r.lastRun.Set(float64(at.Unix()))
}

// Push sends every collected metric to the Pushgateway at url under job.
// It replaces the metrics previously pushed for the same job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return errors.Wrapf(err, "push metrics to %s", url)
	}
	return nil
}
