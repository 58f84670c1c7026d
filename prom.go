package donutupload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var promNamespace = "donutupload"

var buckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10}

var flushHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "chunk_flush_latency_seconds",
		Buckets:   buckets,
	},
)

var chunksFlushedCount = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "chunks_flushed_count",
	},
)

var bytesFlushedCount = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "bytes_flushed_count",
	},
)

var offsetConflictCount = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "offset_conflict_count",
	},
)

var sizeRepairCount = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "size_repair_count",
	},
)

var writeSessionCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "write_session_count",
	},
	[]string{"result"},
)

var orphanCleanupCount = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orphan_cleanup_count",
	},
)
