package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/svv2602/call-center-sub001/llm/circuitbreaker"
)

var (
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicegw_llm_requests_total",
			Help: "Total LLM requests by provider and outcome (success, error, rejected).",
		},
		[]string{"provider", "outcome"},
	)
	llmFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicegw_llm_fallback_total",
			Help: "Total fallbacks from one provider to the next in a routing chain.",
		},
		[]string{"task", "from", "to"},
	)
	llmRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicegw_llm_request_seconds",
			Help:    "LLM request latency in seconds (streaming: time to first event).",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)
	llmBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voicegw_llm_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(
		llmRequestsTotal,
		llmFallbackTotal,
		llmRequestSeconds,
		llmBreakerState,
	)
}

func observeRequest(provider, outcome string, latency time.Duration) {
	if provider == "" {
		provider = "unknown"
	}
	llmRequestsTotal.WithLabelValues(provider, outcome).Inc()
	if latency > 0 {
		llmRequestSeconds.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

func observeFallback(task, from, to string) {
	llmFallbackTotal.WithLabelValues(task, from, to).Inc()
}

func observeBreakerState(provider string, state circuitbreaker.State) {
	llmBreakerState.WithLabelValues(provider).Set(float64(state))
}
