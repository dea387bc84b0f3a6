package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmapi_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmapi_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmapi_tokens_total",
			Help: "Total number of tokens accounted",
		},
		[]string{"endpoint", "model", "type"},
	)

	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmapi_backend_errors_total",
			Help: "Total number of inference backend errors",
		},
		[]string{"error_type"},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmapi_auth_failures_total",
			Help: "Total number of rejected API keys",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmapi_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"username"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmapi_active_streams",
			Help: "Number of active streaming connections",
		},
	)
)

func RecordRequest(endpoint, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(endpoint, model, status).Inc()
	RequestDuration.WithLabelValues(endpoint, model).Observe(durationSec)
}

func RecordTokens(endpoint, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(endpoint, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(endpoint, model, "completion").Add(float64(completionTokens))
}

func RecordBackendError(errorType string) {
	BackendErrors.WithLabelValues(errorType).Inc()
}

func RecordAuthFailure() {
	AuthFailures.Inc()
}

func RecordRateLimitHit(username string) {
	RateLimitHits.WithLabelValues(username).Inc()
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
