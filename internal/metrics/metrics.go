package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the service.
type Metrics struct {
	IngestTotal   prometheus.Counter
	IngestErrors  prometheus.Counter
	JournalErrors prometheus.Counter

	ChecksTotal        *prometheus.CounterVec
	DriftDetected      *prometheus.CounterVec
	InsufficientData   *prometheus.CounterVec
	Recalibrations     *prometheus.CounterVec
	RecalibrationFails *prometheus.CounterVec

	CheckDuration prometheus.Histogram
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		IngestTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recalibra_ingest_total",
			Help: "Total number of record batches received",
		}),
		IngestErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recalibra_ingest_errors",
			Help: "Number of record batches rejected",
		}),
		JournalErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recalibra_journal_errors",
			Help: "Number of ingest journal write errors",
		}),

		ChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recalibra_drift_checks_total",
				Help: "Number of drift checks executed per model",
			},
			[]string{"model_id"},
		),
		DriftDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recalibra_drift_detected_total",
				Help: "Number of drift checks with a positive verdict per model",
			},
			[]string{"model_id"},
		),
		InsufficientData: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recalibra_drift_insufficient_data_total",
				Help: "Number of drift checks that could not produce a verdict per model",
			},
			[]string{"model_id"},
		),
		Recalibrations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recalibra_recalibrations_total",
				Help: "Number of recalibration runs started per model",
			},
			[]string{"model_id"},
		),
		RecalibrationFails: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recalibra_recalibration_failures_total",
				Help: "Number of recalibration runs that ended in failure per model",
			},
			[]string{"model_id"},
		),

		CheckDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recalibra_drift_check_duration_seconds",
			Help:    "Wall time of drift check execution",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RegisterPairCache exposes the pair cache's hit and miss counters. The cache
// keeps its own counts, so they are read on scrape rather than mirrored.
func RegisterPairCache(hits, misses func() uint64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "recalibra_pair_cache_hits",
		Help: "Number of alignment requests served from the local cache",
	}, func() float64 { return float64(hits()) })
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "recalibra_pair_cache_misses",
		Help: "Number of alignment requests that recomputed pairs",
	}, func() float64 { return float64(misses()) })
}
