package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	changesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_changes_applied_total",
		Help: "Live query changes folded into a tally, by stream.",
	}, []string{"stream"})

	changesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_changes_skipped_total",
		Help: "Live query changes dropped as stale or duplicate, by stream.",
	}, []string{"stream"})

	resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_resyncs_total",
		Help: "Live queries re-established after a failure, by stream.",
	}, []string{"stream"})

	writesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_writes_total",
		Help: "Store writes issued for optimistic votes, by operation.",
	}, []string{"op"})

	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_rollbacks_total",
		Help: "Optimistic votes rolled back, by error code.",
	}, []string{"code"})

	coalescedTaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_coalesced_taps_total",
		Help: "Vote taps merged into an in-flight write.",
	})

	watchedItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tally_watched_items",
		Help: "Items with an active tally subscription.",
	})

	storeCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tally_store_call_duration_seconds",
		Help:    "Latency of store calls made by the engine.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
