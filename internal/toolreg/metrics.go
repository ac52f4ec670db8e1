package toolreg

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the registry client's Prometheus instruments.
type Metrics struct {
	Invocations *prometheus.CounterVec
	Retries     *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	Discoveries prometheus.Counter
}

// NewMetrics builds and registers the client's metrics on reg.
// Pass a fresh registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plumed_tool_invocations_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plumed_tool_invoke_retries_total",
			Help: "Retry attempts by tool name.",
		}, []string{"tool"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plumed_tool_invoke_duration_seconds",
			Help:    "Wall-clock duration of tool invocations, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		Discoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plumed_tool_discoveries_total",
			Help: "Catalog fetches from the tool registry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Invocations, m.Retries, m.Latency, m.Discoveries)
	}
	return m
}
