package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_operations_total",
			Help: "Total admission operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	CapacityRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_capacity_rejections_total",
			Help: "Total operations rejected for insufficient capacity",
		},
	)

	HoldsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_holds_expired_total",
			Help: "Total holds durably finalized as expired",
		},
	)

	TxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_tx_retries_total",
			Help: "Total serialization-failure retries",
		},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admission_db_tx_seconds",
			Help:    "Duration of per-event DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_outbox_lag_seconds",
			Help: "Age of the oldest unpublished outbox record",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
