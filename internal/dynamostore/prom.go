package dynamostore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var promNamespace = "donutupload_dynamo"

var buckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10}

var getItemHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "get_item_latency_seconds",
		Buckets:   buckets,
	},
)

var putItemHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "put_item_latency_seconds",
		Buckets:   buckets,
	},
)

var updateItemHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "update_item_latency_seconds",
		Buckets:   buckets,
	},
)

var queryHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "query_latency_seconds",
		Buckets:   buckets,
	},
)

var transactWriteItemsHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "transact_write_items_latency_seconds",
		Buckets:   buckets,
	},
)

var batchWriteItemHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "batch_write_item_latency_seconds",
		Buckets:   buckets,
	},
)

var batchWriteItemCount = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "batch_write_item_count",
	},
)
