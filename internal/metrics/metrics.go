package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TileCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_tile_cache_hits_total",
			Help: "Tile lookups answered with a fresh cached tile",
		},
	)

	TileCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_tile_cache_misses_total",
			Help: "Tile lookups that fell back to the remote tile server",
		},
		[]string{"reason"}, // "absent", "expired", "error"
	)

	TileCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_tile_cache_entries",
			Help: "Tiles held in the store at the last stats read or sweep",
		},
	)

	TileEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_tile_cache_evictions_total",
			Help: "Tiles removed from the store",
		},
		[]string{"cause"}, // "expired", "size_limit"
	)

	RegionRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_tile_region_requests_total",
			Help: "Region caching operations started",
		},
	)

	TileFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_tile_fetches_total",
			Help: "Upstream tile downloads by outcome",
		},
		[]string{"result"}, // "success", "http_error", "transport_error", "rejected", "invalid"
	)

	TileFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offline_tile_fetch_duration_seconds",
			Help:    "Upstream tile download latency",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	UpstreamBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_tile_upstream_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
