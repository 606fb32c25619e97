package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_events_ingested_total",
			Help: "Total number of events accepted, by source adapter.",
		},
		[]string{"source"}, // http_push, broker, db_poll, replay, dlq_retry
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_deliveries_total",
			Help: "Total number of delivery attempts by terminal status.",
		},
		[]string{"status", "org_id"}, // success, failed, timeout
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventgate_delivery_duration_seconds",
			Help:    "End-to-end pipeline duration per attempt.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_retries_total",
			Help: "Total number of intra-request retries by reason.",
		},
		[]string{"reason"}, // http_5xx, http_429, timeout, network, other
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_rate_limited_total",
			Help: "Total number of deliveries denied by the rate limiter.",
		},
		[]string{"integration_id"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_dlq_total",
			Help: "Total number of deliveries dead-lettered, by reason.",
		},
		[]string{"reason"},
	)

	SandboxRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_sandbox_runs_total",
			Help: "Total number of tenant script executions by outcome.",
		},
		[]string{"outcome"}, // ok, runtime, timeout, limit_exceeded
	)

	SandboxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventgate_sandbox_duration_seconds",
			Help:    "Tenant script execution duration.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	ScheduledFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_scheduled_fired_total",
			Help: "Total number of pending deliveries fired by the sweeper.",
		},
		[]string{"mode"}, // delayed, recurring, overdue
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventgate_worker_backlog",
			Help: "Depth of the delivery task channel as seen by the backlog monitor.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventgate_nsq_topic_depth",
			Help: "Depth of NSQ topics/channels.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsIngestedTotal,
		DeliveriesTotal,
		DeliveryDuration,
		RetriesTotal,
		RateLimitedTotal,
		DLQTotal,
		SandboxRunsTotal,
		SandboxDuration,
		ScheduledFiredTotal,
		WorkerBacklog,
		NSQTopicDepth,
	)
}

// RecordEventIngested increments the ingest counter for a source adapter.
func RecordEventIngested(source string) {
	EventsIngestedTotal.WithLabelValues(source).Inc()
}

// RecordDelivery records a terminal delivery outcome with its duration.
func RecordDelivery(status, orgID string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(status, orgID).Inc()
	DeliveryDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordRetry increments the retry counter for a classified reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimited increments the rate-limit denial counter.
func RecordRateLimited(integrationID string) {
	RateLimitedTotal.WithLabelValues(integrationID).Inc()
}

// RecordDLQ increments the dead-letter counter.
func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

// RecordSandboxRun records a tenant script execution.
func RecordSandboxRun(outcome string, d time.Duration) {
	SandboxRunsTotal.WithLabelValues(outcome).Inc()
	SandboxDuration.Observe(d.Seconds())
}

// RecordScheduledFired increments the sweeper fire counter.
func RecordScheduledFired(mode string) {
	ScheduledFiredTotal.WithLabelValues(mode).Inc()
}

// UpdateWorkerBacklog sets the worker backlog gauge.
func UpdateWorkerBacklog(depth float64) {
	WorkerBacklog.Set(depth)
}

// UpdateNSQTopicDepth sets the NSQ topic depth gauge.
func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
