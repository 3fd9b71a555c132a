// Package metrics exposes Prometheus instrumentation for the upload
// and retrieval pipelines.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Write modes for the chunks_written counter.
const (
	ModeBatch      = "batch"
	ModeIndividual = "individual"
)

// Metrics holds every collector, registered on a private registry so
// tests can construct instances without collision.
type Metrics struct {
	registry *prometheus.Registry

	UploadsStarted   prometheus.Counter
	UploadsCompleted prometheus.Counter
	UploadsFailed    prometheus.Counter
	BytesIngested    prometheus.Counter

	ChunksWritten       *prometheus.CounterVec
	FallbackActivations prometheus.Counter

	QuotaDenials          prometheus.Counter
	SessionCacheFallbacks prometheus.Counter

	RetrievalDuration prometheus.Histogram
	UploadDuration    prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		registry: reg,
		UploadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filedb_uploads_started_total",
			Help: "Uploads admitted and handed to the async writer.",
		}),
		UploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filedb_uploads_completed_total",
			Help: "Upload sessions that reached COMPLETED.",
		}),
		UploadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filedb_uploads_failed_total",
			Help: "Upload sessions that reached FAILED.",
		}),
		BytesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filedb_bytes_ingested_total",
			Help: "Plaintext bytes accepted at admission.",
		}),
		ChunksWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filedb_chunks_written_total",
			Help: "Chunk entities persisted to the ledger, by write mode.",
		}, []string{"mode"}),
		FallbackActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filedb_writer_fallback_total",
			Help: "Writer transitions from batch to individual writes.",
		}),
		QuotaDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filedb_quota_denials_total",
			Help: "Uploads denied by the quota accountant.",
		}),
		SessionCacheFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filedb_session_cache_fallbacks_total",
			Help: "Session reads served by the in-memory mirror.",
		}),
		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "filedb_retrieval_duration_seconds",
			Help:    "End-to-end GetFile latency.",
			Buckets: prometheus.DefBuckets,
		}),
		UploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "filedb_upload_duration_seconds",
			Help:    "Writer duration from launch to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	factory(m.UploadsStarted)
	factory(m.UploadsCompleted)
	factory(m.UploadsFailed)
	factory(m.BytesIngested)
	factory(m.ChunksWritten)
	factory(m.FallbackActivations)
	factory(m.QuotaDenials)
	factory(m.SessionCacheFallbacks)
	factory(m.RetrievalDuration)
	factory(m.UploadDuration)

	return m
}

// RegisterPool exposes one pool's occupancy as gauges. stats is called
// on every scrape.
func (m *Metrics) RegisterPool(kind string, stats func() (inUse, idle, waiting int)) {
	labels := prometheus.Labels{"pool": kind}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "filedb_pool_in_use",
		Help:        "Ledger handles currently checked out.",
		ConstLabels: labels,
	}, func() float64 {
		inUse, _, _ := stats()
		return float64(inUse)
	}))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "filedb_pool_idle",
		Help:        "Ledger handles sitting idle.",
		ConstLabels: labels,
	}, func() float64 {
		_, idle, _ := stats()
		return float64(idle)
	}))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "filedb_pool_waiting",
		Help:        "Acquirers blocked in the FIFO waiter queue.",
		ConstLabels: labels,
	}, func() float64 {
		_, _, waiting := stats()
		return float64(waiting)
	}))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
