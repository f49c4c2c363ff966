// Package metrics exposes the Prometheus instrumentation shared by the
// drainer, dispatcher and event ingestion.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Drainer metrics.
	DrainPasses      prometheus.Counter
	DrainDuration    prometheus.Histogram
	RateLimitDenials prometheus.Counter
	QueueEntries     prometheus.Gauge
	QueueRemaining   prometheus.Gauge

	// Dispatch metrics.
	SendsDispatched prometheus.Counter
	ProviderErrors  *prometheus.CounterVec

	// Ingestion metrics.
	EventsIngested    *prometheus.CounterVec
	WebhooksDelivered prometheus.Counter
	WebhookFailures   prometheus.Counter
}

// Get returns the singleton metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		DrainPasses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sendmailzw_drain_passes_total",
			Help: "Total number of queue drain passes executed",
		}),
		DrainDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sendmailzw_drain_duration_seconds",
			Help:    "Duration of queue drain passes",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimitDenials: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sendmailzw_ratelimit_denials_total",
			Help: "Queue groups skipped because the rate limiter granted zero",
		}),
		QueueEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sendmailzw_queue_entries",
			Help: "Number of pending queue entries",
		}),
		QueueRemaining: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sendmailzw_queue_remaining",
			Help: "Sum of remaining recipients across queue entries",
		}),
		SendsDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sendmailzw_sends_dispatched_total",
			Help: "Total number of recipients handed to provider adapters",
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sendmailzw_provider_errors_total",
			Help: "Total number of provider submission failures",
		}, []string{"provider"}),
		EventsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sendmailzw_events_ingested_total",
			Help: "Total number of delivery events recorded",
		}, []string{"kind"}),
		WebhooksDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sendmailzw_webhooks_delivered_total",
			Help: "Total number of outbound webhook notifications delivered",
		}),
		WebhookFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sendmailzw_webhook_failures_total",
			Help: "Total number of outbound webhook notification failures",
		}),
	}
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
