package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_flow_flushes_total",
		Help: "Log entries assembled, by model family",
	}, []string{"family"})

	FlushErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_flow_flush_errors_total",
		Help: "Flushes aborted by a projection error, by model family",
	}, []string{"family"})

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "llm_flow_flush_duration_seconds",
		Help:    "Time spent assembling and sending one log entry",
		Buckets: prometheus.DefBuckets,
	})

	UnknownFamilyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_flow_unknown_model_family_total",
		Help: "Requests whose model matched no processor and used the default",
	})

	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_flow_stage_latency_ms",
		Help:    "Latency between logged events, in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}, []string{"stage"})

	RequestCostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_flow_request_cost_total",
		Help: "Accumulated request cost, by model family",
	}, []string{"family"})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_flow_tokens_total",
		Help: "Total tokens reported by provider usage blocks, by model family",
	}, []string{"family"})

	TransportSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_flow_transport_sends_total",
		Help: "Log entries handed to a transport",
	}, []string{"transport"})

	TransportFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_flow_transport_failures_total",
		Help: "Log entries a transport failed to deliver",
	}, []string{"transport"})
)

// ObserveLatencies records the stage intervals that were actually measured.
func ObserveLatencies(l Latencies) {
	if l.PromptToRequest > 0 {
		StageLatency.WithLabelValues("prompt_request").Observe(float64(l.PromptToRequest))
	}
	if l.RequestToResponse > 0 {
		StageLatency.WithLabelValues("request_response").Observe(float64(l.RequestToResponse))
	}
	if l.ResponseToFunctionCall > 0 {
		StageLatency.WithLabelValues("response_function_call").Observe(float64(l.ResponseToFunctionCall))
	}
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
