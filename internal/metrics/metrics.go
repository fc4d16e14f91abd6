// ABOUTME: Prometheus collectors for router call traffic and provider usage
// ABOUTME: A private registry backs the /metrics endpoint

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the router's collectors on a private registry so multiple
// instances never collide. A nil *Metrics is valid and records nothing;
// components take it without caring whether metrics are enabled.
type Metrics struct {
	registry    *prometheus.Registry
	rpcCalls    *prometheus.CounterVec
	rpcLatency  *prometheus.HistogramVec
	usageTokens *prometheus.CounterVec
	usageErrors *prometheus.CounterVec
	upstreamUp  *prometheus.GaugeVec
}

// New creates the collector set and registers it on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_router_rpc_calls",
			Help: "Total RPC calls by method and outcome.",
		}, []string{"method", "status"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "mcp_router_rpc_latency_seconds",
			Help: "RPC handling latency by method.",
		}, []string{"method"}),
		usageTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_router_usage_tokens",
			Help: "Settled token usage per provider.",
		}, []string{"provider"}),
		usageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_router_usage_errors",
			Help: "Failed metered calls per provider.",
		}, []string{"provider"}),
		upstreamUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_router_upstream_up",
			Help: "Whether the upstream session is live (1) or dead (0).",
		}, []string{"upstream"}),
	}
	m.registry.MustRegister(m.rpcCalls, m.rpcLatency, m.usageTokens, m.usageErrors, m.upstreamUp)
	return m
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCall counts one handled RPC. status is "ok" or "error".
func (m *Metrics) RecordCall(method, status string) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(method, status).Inc()
}

// ObserveLatency records the handling time of one RPC.
func (m *Metrics) ObserveLatency(method string, seconds float64) {
	if m == nil {
		return
	}
	m.rpcLatency.WithLabelValues(method).Observe(seconds)
}

// RecordTokens adds settled token usage for a provider.
func (m *Metrics) RecordTokens(provider string, tokens int64) {
	if m == nil {
		return
	}
	m.usageTokens.WithLabelValues(provider).Add(float64(tokens))
}

// RecordError counts one failed metered call against a provider.
func (m *Metrics) RecordError(provider string) {
	if m == nil {
		return
	}
	m.usageErrors.WithLabelValues(provider).Inc()
}

// SetUpstreamUp flips the liveness gauge for an upstream session.
func (m *Metrics) SetUpstreamUp(upstream string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.upstreamUp.WithLabelValues(upstream).Set(v)
}
