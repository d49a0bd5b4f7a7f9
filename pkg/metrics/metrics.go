// Package metrics exposes Prometheus instruments for pipeline
// throughput and cloud sync health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsLogged counts rows accepted by node Log/SaveData calls,
	// labeled by stream type.
	RecordsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgehive",
		Name:      "records_logged_total",
		Help:      "Rows accepted into journals, by stream type.",
	}, []string{"type_id"})

	// RecordingsSaved counts recording files placed by save calls,
	// labeled by stream type.
	RecordingsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgehive",
		Name:      "recordings_saved_total",
		Help:      "Recording files staged or uploaded, by stream type.",
	}, []string{"type_id"})

	// RecordingsSampled counts recordings copied to a sample
	// container.
	RecordingsSampled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgehive",
		Name:      "recordings_sampled_total",
		Help:      "Recording files copied to a sample container, by stream type.",
	}, []string{"type_id"})

	// JournalFlushes counts successful scratch-to-cloud appends.
	JournalFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgehive",
		Name:      "journal_flushes_total",
		Help:      "Successful journal appends to cloud storage.",
	})

	// JournalRowsFlushed counts rows delivered to cloud journals.
	JournalRowsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgehive",
		Name:      "journal_rows_flushed_total",
		Help:      "Rows delivered to cloud journals.",
	})

	// TransformDuration observes per-invocation transform latency,
	// labeled by the observed stream type.
	TransformDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgehive",
		Name:      "transform_duration_seconds",
		Help:      "Transform invocation latency, by consumed stream type.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type_id"})

	// TransformErrors counts transform invocations that returned an
	// error.
	TransformErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgehive",
		Name:      "transform_errors_total",
		Help:      "Transform invocations that failed, by consumed stream type.",
	}, []string{"type_id"})

	// SweepArchives counts zip archives produced by the upload
	// sweep.
	SweepArchives = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgehive",
		Name:      "sweep_archives_total",
		Help:      "Zip archives produced by the upload sweep.",
	})

	// SweepUploads counts archives uploaded by the sweep, including
	// leftovers from earlier runs.
	SweepUploads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgehive",
		Name:      "sweep_uploads_total",
		Help:      "Archives uploaded by the upload sweep.",
	})

	// PipelineRestarts counts watchdog-driven full restarts.
	PipelineRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgehive",
		Name:      "pipeline_restarts_total",
		Help:      "Full pipeline restarts triggered by the watchdog.",
	})
)
