package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TsGetCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dingostore",
		Subsystem: "ts_provider",
		Name:      "get_total",
		Help:      "Timestamps handed out by the provider.",
	})

	TsGetFailCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dingostore",
		Subsystem: "ts_provider",
		Name:      "get_fail_total",
		Help:      "get_ts calls that exhausted their retries.",
	})

	TsRenewCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dingostore",
		Subsystem: "ts_provider",
		Name:      "renew_total",
		Help:      "Successful BatchTs fetches from the TSO.",
	})

	SplitCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dingostore",
		Subsystem: "split",
		Name:      "check_duration_seconds",
		Help:      "Wall time of one region split-check walk.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	SplitDispatchCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dingostore",
		Subsystem: "split",
		Name:      "dispatch_total",
		Help:      "SplitRegion requests sent to the coordinator.",
	})

	VectorSearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dingostore",
		Subsystem: "vector",
		Name:      "search_duration_seconds",
		Help:      "Latency of vector batch searches by filter kind.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"filter"})

	RegionGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dingostore",
		Subsystem: "region",
		Name:      "count",
		Help:      "Regions currently registered on this store.",
	})
)
