package notifications

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Outbound event deliveries by event type and status",
		},
		[]string{"event_type", "status"},
	)

	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Outbound event delivery duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_retries_total",
			Help: "Delivery retries by attempt number",
		},
		[]string{"attempt"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_retry_queue_depth",
			Help: "Current depth of the notification retry queue",
		},
	)
)

func recordDelivery(eventType, status string, d time.Duration) {
	deliveredTotal.WithLabelValues(eventType, status).Inc()
	deliveryDuration.Observe(d.Seconds())
}

func recordRetry(attempt int) {
	retriesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}
