package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metering
	QuotaCharges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_charges_total",
			Help: "Decrement attempts by resource source (monthly, top_up, none)",
		},
		[]string{"source"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Requests rejected because every resource pool was exhausted",
		},
		[]string{"tier"},
	)

	QuotaRefunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_refunds_total",
			Help: "Refunds to the monthly pool by outcome (applied, floored)",
		},
		[]string{"outcome"},
	)

	QuotaWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_warning_level_total",
			Help: "Warning level reported on metered responses",
		},
		[]string{"level"},
	)

	ChargeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quota_charge_duration_seconds",
			Help:    "Latency of the metering gate",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Snapshot cache
	SnapshotCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_snapshot_cache_total",
			Help: "Snapshot cache lookups by result (hit, miss, invalid, error)",
		},
		[]string{"result"},
	)

	// Billing
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Billing provider events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	CycleResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_cycle_resets_total",
			Help: "Quota pools processed by the cycle reset sweep by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordCharge counts a decrement attempt
func RecordCharge(source string) {
	QuotaCharges.WithLabelValues(source).Inc()
}

// RecordSnapshotLookup counts a snapshot cache lookup
func RecordSnapshotLookup(result string) {
	SnapshotCache.WithLabelValues(result).Inc()
}

// RecordWebhook counts a processed provider event
func RecordWebhook(eventType, outcome string) {
	WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}
