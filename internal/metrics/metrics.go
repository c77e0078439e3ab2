// Package metrics exposes the process's Prometheus instrumentation. All
// metrics live under the "arbitrage" namespace and are registered once via
// promauto against the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "arbitrage"

var (
	// Error-kind counters, one per row of the error-handling policy table:
	// transport drops, protocol violations, decode failures, sequence gaps,
	// unknown symbols, stale-quote rejections, detector-busy drops, and
	// subscriber backpressure drops.
	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_errors_total",
		Help:      "Socket/TLS/DNS failures observed by collectors, by venue.",
	}, []string{"venue"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Malformed frames or handshake failures, by venue.",
	}, []string{"venue"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Frames dropped due to gzip/JSON decode failure, by venue.",
	}, []string{"venue"})

	SequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequence_gaps_total",
		Help:      "Orderbook diff sequence gaps detected, by venue and resolution.",
	}, []string{"venue", "resolution"}) // resolution: "merged" | "resubscribed"

	UnknownSymbols = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unknown_symbols_total",
		Help:      "Frames dropped for failing symbol canonicalization, by venue.",
	}, []string{"venue"})

	StaleQuotesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_quotes_rejected_total",
		Help:      "Quote updates rejected for a non-increasing sequence, by exchange.",
	}, []string{"exchange"})

	DetectorBusyDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_busy_drops_total",
		Help:      "QuoteChanged events coalesced on the way to the detector because a newer event for the same key arrived before the pending one was consumed.",
	})

	SubscriberBackpressureDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_backpressure_drops_total",
		Help:      "Events dropped from a subscriber's outbound queue due to backpressure.",
	})

	// Pipeline gauges.
	ActiveExchanges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_exchanges",
		Help:      "Number of exchange collectors currently in the STREAMING state.",
	})

	TrackedPairs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_pairs",
		Help:      "Number of distinct canonical pairs with at least one live Quote.",
	})

	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_subscribers",
		Help:      "Number of dashboard websocket sessions currently registered with the hub.",
	})

	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "opportunity_cache_size",
		Help:      "Number of fingerprints currently held in the opportunity cache.",
	})

	OpportunitiesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "opportunities_detected_total",
		Help:      "Total opportunities emitted by the detector (including repeats).",
	})

	BestProfitPercentage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "best_profit_percentage",
		Help:      "profit_percentage of the current best opportunity, 0 when none.",
	})

	DetectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "detection_latency_seconds",
		Help:      "Time from QuoteChanged ingestion to Opportunity emit.",
		Buckets:   []float64{.0005, .001, .002, .005, .01, .02, .05, .1},
	})

	BroadcastLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_latency_seconds",
		Help:      "Time for the hub to enqueue one event onto every registered subscriber's outbound queue.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})

	CollectorReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collector_reconnects_total",
		Help:      "Collector reconnect attempts, by venue.",
	}, []string{"venue"})

	RedisMirrorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_mirror_errors_total",
		Help:      "Write failures to the optional Redis hot-store mirror, never on the detection critical path.",
	})
)
