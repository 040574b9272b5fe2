package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Query outcome label values.
const (
	StatusOK           = "ok"
	StatusInvalidQuery = "invalid_query"
	StatusError        = "error"
)

// Metrics holds the Prometheus collectors for indexing and queries.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	IndexingAttempts *prometheus.CounterVec
	IndexingFailures *prometheus.CounterVec
	IndexingErrors   *prometheus.CounterVec
	EntriesWritten   *prometheus.CounterVec
	QueriesTotal     *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	ReaderSwaps      *prometheus.CounterVec
	OpenReaders      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
// A nil registerer leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IndexingAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "divan_indexing_attempts_total",
				Help: "Documents the indexing pipeline attempted to transform, by index.",
			},
			[]string{"index"},
		),
		IndexingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "divan_indexing_failures_total",
				Help: "Documents whose transform failed, by index.",
			},
			[]string{"index"},
		),
		IndexingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "divan_indexing_errors_total",
				Help: "Indexing errors reported to the work context, by index.",
			},
			[]string{"index"},
		),
		EntriesWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "divan_index_entries_written_total",
				Help: "Index entries added, by index.",
			},
			[]string{"index"},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "divan_queries_total",
				Help: "Queries executed by index and status (ok, invalid_query, error).",
			},
			[]string{"index", "status"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "divan_query_duration_seconds",
				Help:    "Query latency in seconds, from first iteration to release.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"index"},
		),
		ReaderSwaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "divan_reader_swaps_total",
				Help: "Reader snapshots published after content-changing writes, by index.",
			},
			[]string{"index"},
		),
		OpenReaders: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "divan_open_readers",
				Help: "Reader snapshots not yet released, by index.",
			},
			[]string{"index"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.IndexingAttempts,
			m.IndexingFailures,
			m.IndexingErrors,
			m.EntriesWritten,
			m.QueriesTotal,
			m.QueryDuration,
			m.ReaderSwaps,
			m.OpenReaders,
		)
	}

	return m
}

// AddIndexingCounts records the net attempts and failures of one batch.
func (m *Metrics) AddIndexingCounts(index string, attempts, failures int64) {
	if m == nil {
		return
	}
	if attempts > 0 {
		m.IndexingAttempts.WithLabelValues(index).Add(float64(attempts))
	}
	if failures > 0 {
		m.IndexingFailures.WithLabelValues(index).Add(float64(failures))
	}
}

// IndexingError counts one error reported for index.
func (m *Metrics) IndexingError(index string) {
	if m == nil {
		return
	}
	m.IndexingErrors.WithLabelValues(index).Inc()
}

// EntriesAdded counts entries written to index.
func (m *Metrics) EntriesAdded(index string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EntriesWritten.WithLabelValues(index).Add(float64(n))
}

// ObserveQuery records one query execution.
func (m *Metrics) ObserveQuery(index, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(index, status).Inc()
	if status == StatusOK {
		m.QueryDuration.WithLabelValues(index).Observe(elapsed.Seconds())
	}
}

// ReaderOpened tracks a newly opened reader snapshot.
func (m *Metrics) ReaderOpened(index string, swap bool) {
	if m == nil {
		return
	}
	m.OpenReaders.WithLabelValues(index).Inc()
	if swap {
		m.ReaderSwaps.WithLabelValues(index).Inc()
	}
}

// ReaderReleased tracks a released reader snapshot.
func (m *Metrics) ReaderReleased(index string) {
	if m == nil {
		return
	}
	m.OpenReaders.WithLabelValues(index).Dec()
}
