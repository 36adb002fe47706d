package hooks

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports request and stream metrics from bus events.
type PrometheusObserver struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamChunks    *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costUSD         *prometheus.CounterVec
	authRefreshes   *prometheus.CounterVec
}

// NewPrometheusObserver creates the observer and registers its collectors
// with the given registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_requests_total",
			Help: "Completed proxy requests by provider, endpoint and status.",
		}, []string{"provider", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccproxy_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
		streamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_stream_chunks_total",
			Help: "SSE chunks delivered to clients.",
		}, []string{"provider"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_tokens_total",
			Help: "Token usage reported by upstreams.",
		}, []string{"provider", "model", "kind"}),
		costUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_cost_usd_total",
			Help: "Estimated upstream cost in USD.",
		}, []string{"provider", "model"}),
		authRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_auth_refreshes_total",
			Help: "OAuth token refresh attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}

	reg.MustRegister(
		o.requestsTotal,
		o.requestDuration,
		o.streamChunks,
		o.tokensTotal,
		o.costUSD,
		o.authRefreshes,
	)

	return o
}

// Name implements Observer.
func (o *PrometheusObserver) Name() string { return "prometheus" }

// OnEvent implements Observer.
func (o *PrometheusObserver) OnEvent(_ context.Context, ev Event) {
	switch ev.Type {
	case EventRequestEnd:
		o.requestsTotal.WithLabelValues(ev.Provider, ev.Endpoint, strconv.Itoa(ev.Status)).Inc()
		o.requestDuration.WithLabelValues(ev.Provider, ev.Endpoint).Observe(ev.Latency.Seconds())

	case EventStreamChunk:
		o.streamChunks.WithLabelValues(ev.Provider).Inc()

	case EventStreamEnd:
		if ev.Metrics == nil {
			return
		}
		m := ev.Metrics
		model := m.Model
		if model == "" {
			model = ev.Model
		}
		if m.TokensInput != nil {
			o.tokensTotal.WithLabelValues(ev.Provider, model, "input").Add(float64(*m.TokensInput))
		}
		if m.TokensOutput != nil {
			o.tokensTotal.WithLabelValues(ev.Provider, model, "output").Add(float64(*m.TokensOutput))
		}
		if m.CacheReadTokens != nil {
			o.tokensTotal.WithLabelValues(ev.Provider, model, "cache_read").Add(float64(*m.CacheReadTokens))
		}
		if m.ReasoningTokens != nil {
			o.tokensTotal.WithLabelValues(ev.Provider, model, "reasoning").Add(float64(*m.ReasoningTokens))
		}
		if m.CostUSD != nil {
			o.costUSD.WithLabelValues(ev.Provider, model).Add(*m.CostUSD)
		}

	case EventAuthRefresh:
		outcome := "success"
		if ev.Err != nil {
			outcome = "failure"
		}
		o.authRefreshes.WithLabelValues(ev.Provider, outcome).Inc()
	}
}
