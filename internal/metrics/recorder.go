// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// BuildOutcomeLabel labels a finished build attempt.
type BuildOutcomeLabel string

const (
	OutcomeSuccess BuildOutcomeLabel = "success"
	OutcomeFailure BuildOutcomeLabel = "failure"
)

// SyncResultLabel labels a synchronization run.
type SyncResultLabel string

const (
	SyncOK      SyncResultLabel = "ok"
	SyncSkipped SyncResultLabel = "skipped"
	SyncError   SyncResultLabel = "error"
)

// Recorder collects daemon metrics. A nil *Recorder is a valid no-op, so
// instrumentation never needs nil checks at call sites.
type Recorder struct {
	buildDuration prom.Histogram
	buildOutcome  *prom.CounterVec
	enqueued      prom.Counter
	queueDepth    prom.Gauge
	queueFailed   prom.Gauge
	syncResults   *prom.CounterVec
	syncDuration  prom.Histogram
}

// NewRecorder constructs and registers the daemon metrics on reg.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "docforge",
			Name:      "build_duration_seconds",
			Help:      "Total duration of one documentation build attempt",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docforge",
			Name:      "build_outcomes_total",
			Help:      "Finished build attempts by outcome",
		}, []string{"outcome"}),
		enqueued: prom.NewCounter(prom.CounterOpts{
			Namespace: "docforge",
			Name:      "queued_releases_total",
			Help:      "Releases enqueued for building",
		}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: "docforge",
			Name:      "queue_depth",
			Help:      "Queue entries still eligible for building",
		}),
		queueFailed: prom.NewGauge(prom.GaugeOpts{
			Namespace: "docforge",
			Name:      "queue_failed",
			Help:      "Queue entries that exhausted their attempts",
		}),
		syncResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docforge",
			Name:      "sync_results_total",
			Help:      "Registry synchronization runs by result",
		}, []string{"result"}),
		syncDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "docforge",
			Name:      "sync_duration_seconds",
			Help:      "Duration of one registry synchronization run",
			Buckets:   prom.DefBuckets,
		}),
	}
	reg.MustRegister(r.buildDuration, r.buildOutcome, r.enqueued,
		r.queueDepth, r.queueFailed, r.syncResults, r.syncDuration)
	return r
}

func (r *Recorder) ObserveBuildDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.buildDuration.Observe(d.Seconds())
}

func (r *Recorder) IncBuildOutcome(outcome BuildOutcomeLabel) {
	if r == nil {
		return
	}
	r.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

func (r *Recorder) AddEnqueued(n int) {
	if r == nil {
		return
	}
	r.enqueued.Add(float64(n))
}

func (r *Recorder) SetQueueDepth(pending, failed int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(pending))
	r.queueFailed.Set(float64(failed))
}

func (r *Recorder) IncSyncResult(result SyncResultLabel) {
	if r == nil {
		return
	}
	r.syncResults.WithLabelValues(string(result)).Inc()
}

func (r *Recorder) ObserveSyncDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.syncDuration.Observe(d.Seconds())
}
