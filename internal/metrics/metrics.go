package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerbox_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routerbox_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerbox_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerbox_rate_limit_denials_total",
			Help: "Total number of requests denied by rate limiting",
		},
		[]string{"model", "scope"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routerbox_queue_depth",
			Help: "Number of requests waiting in the admission queue",
		},
		[]string{"model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerbox_provider_errors_total",
			Help: "Total number of upstream provider errors",
		},
		[]string{"provider", "error_type"},
	)

	ProviderHealthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routerbox_provider_health_state",
			Help: "Provider health state (0=healthy, 1=down, 2=recovering)",
		},
		[]string{"provider"},
	)

	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerbox_tool_executions_total",
			Help: "Total number of server-side tool executions",
		},
		[]string{"tool", "status"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routerbox_active_streams",
			Help: "Number of active streaming connections",
		},
	)

	LiveTokensMinted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerbox_live_tokens_minted_total",
			Help: "Total number of ephemeral live session tokens minted",
		},
		[]string{"model"},
	)
)

func RecordRequest(provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func RecordRateLimitDenial(model, scope string) {
	RateLimitDenials.WithLabelValues(model, scope).Inc()
}

func SetQueueDepth(model string, depth int) {
	QueueDepth.WithLabelValues(model).Set(float64(depth))
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func SetProviderHealthState(provider string, state int) {
	ProviderHealthState.WithLabelValues(provider).Set(float64(state))
}

func RecordToolExecution(tool, status string) {
	ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
}

func RecordLiveTokenMint(model string) {
	LiveTokensMinted.WithLabelValues(model).Inc()
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
