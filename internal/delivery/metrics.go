package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tt2tg_delivery_items_total",
			Help: "Items processed by the delivery pump, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	drainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tt2tg_delivery_drains_total",
			Help: "Drain requests by outcome.",
		},
		[]string{"outcome"},
	)

	drainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tt2tg_delivery_drain_duration_seconds",
		Help:    "Wall time of completed drains.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
