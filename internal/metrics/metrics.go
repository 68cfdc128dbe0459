// Package metrics registers the Prometheus instruments for the ingestion
// plane. The process registers once on the default registry and exposes
// everything on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the pipeline.
type Metrics struct {
	// Gateway
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	IdempotencyHits *prometheus.CounterVec

	// Queue
	QueueDepth      *prometheus.GaugeVec
	MessagesHandled *prometheus.CounterVec

	// Webhooks
	WebhookDeliveries *prometheus.CounterVec
	WebhookDuration   *prometheus.HistogramVec

	// Documents
	UploadsIssued    prometheus.Counter
	UploadsValidated *prometheus.CounterVec
}

// New creates and registers all pipeline metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the instruments on reg. Tests pass a fresh registry so
// two instances never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "HTTP requests served, by route and status class",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests refused by the rate limiter",
			},
			[]string{"window"},
		),
		IdempotencyHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_idempotency_lookups_total",
				Help: "Idempotency cache lookups by outcome",
			},
			[]string{"outcome"}, // miss, hit, conflict
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Messages per topic and state",
			},
			[]string{"topic", "state"}, // active, scheduled, dead_letter
		),
		MessagesHandled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_messages_handled_total",
				Help: "Deliveries settled by workers, by topic and outcome",
			},
			[]string{"topic", "outcome"}, // complete, abandon, dead_letter
		),
		WebhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Outbound webhook attempts by terminal status",
			},
			[]string{"event", "status"}, // delivered, retry_failed, failed_permanently
		),
		WebhookDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_post_duration_seconds",
				Help:    "Outbound webhook POST latency",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
			},
			[]string{"event"},
		),
		UploadsIssued: f.NewCounter(
			prometheus.CounterOpts{
				Name: "documents_upload_urls_issued_total",
				Help: "Capability upload URLs minted",
			},
		),
		UploadsValidated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_uploads_validated_total",
				Help: "Uploaded blob validations by result",
			},
			[]string{"result"}, // ok, too_large, missing
		),
	}
}
