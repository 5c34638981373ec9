package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chat API metrics
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chavrusa_api_requests_total",
			Help: "Total number of chat API requests",
		},
		[]string{"endpoint", "status"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chavrusa_api_request_duration_seconds",
			Help:    "Chat API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Send protocol metrics
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chavrusa_messages_sent_total",
			Help: "Total number of user messages by final status",
		},
		[]string{"status"},
	)

	fallbackRepliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chavrusa_fallback_replies_total",
			Help: "Total number of locally simulated assistant replies",
		},
	)

	// Realtime channel metrics
	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chavrusa_realtime_events_total",
			Help: "Total number of realtime events by type and direction",
		},
		[]string{"event", "direction"},
	)

	// Store metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chavrusa_active_sessions",
			Help: "Number of chat sessions held in the store",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			apiRequestsTotal,
			apiRequestDuration,
			messagesSentTotal,
			fallbackRepliesTotal,
			realtimeEventsTotal,
			activeSessions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest records chat API request metrics.
func RecordAPIRequest(endpoint, status string, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(endpoint, status).Inc()
	apiRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordMessageSent records the final status of a user message.
func RecordMessageSent(status string) {
	messagesSentTotal.WithLabelValues(status).Inc()
}

// RecordFallbackReply records a locally simulated assistant reply.
func RecordFallbackReply() {
	fallbackRepliesTotal.Inc()
}

// RecordRealtimeEvent records a realtime channel event.
// Direction is "in" for server pushes and "out" for client intents.
func RecordRealtimeEvent(event, direction string) {
	realtimeEventsTotal.WithLabelValues(event, direction).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}
