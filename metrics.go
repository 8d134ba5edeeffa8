package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters and gauges a PageStore exposes for
// observability. A nil *prometheus.Registry passed to NewMetrics causes
// metrics to register against a private registry instead of the default
// global one, so multiple PageStores (e.g. in tests) never collide on
// metric names.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	PagesFlushed   prometheus.Counter
	FlushErrors    prometheus.Counter
	TransactionsBegun     prometheus.Counter
	TransactionsCommitted prometheus.Counter
	TransactionsUndone    prometheus.Counter
	OpenSegments   prometheus.Gauge
	DirtyPages     prometheus.Gauge
}

// NewMetrics registers the PageStore's metric family under reg, or a
// freshly created private registry if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "storage_page_cache_hits_total",
			Help: "Page cache lookups satisfied without a segment read.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "storage_page_cache_misses_total",
			Help: "Page cache lookups that required a segment read.",
		}),
		PagesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "storage_pages_flushed_total",
			Help: "Dirty pages successfully written back to segment files.",
		}),
		FlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "storage_flush_errors_total",
			Help: "Flush rounds that failed to write back at least one page.",
		}),
		TransactionsBegun: factory.NewCounter(prometheus.CounterOpts{
			Name: "storage_transactions_begun_total",
			Help: "Transactions started.",
		}),
		TransactionsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "storage_transactions_committed_total",
			Help: "Transactions committed.",
		}),
		TransactionsUndone: factory.NewCounter(prometheus.CounterOpts{
			Name: "storage_transactions_undone_total",
			Help: "Transactions rolled back, explicitly or via finalizer.",
		}),
		OpenSegments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "storage_open_segments",
			Help: "Segment files currently memory-mapped.",
		}),
		DirtyPages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "storage_dirty_pages",
			Help: "Pages in the cache awaiting flush.",
		}),
	}
}
