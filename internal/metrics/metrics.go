// Package metrics exposes pipeline outcome counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every pipeline counter behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	RecordsRewritten   prometheus.Counter
	RecordsPublished   prometheus.Counter
	RecordsRequeued    prometheus.Counter
	RecordsQuarantined prometheus.Counter
	RecordsFailed      prometheus.Counter
	RecordsHeld        prometheus.Counter
	TokensConsumed     prometheus.Counter
	RateLimitHits      prometheus.Counter
	IdleGateRefusals   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RecordsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obitpipeline_records_rewritten_total",
			Help: "Records with a validated rewrite persisted.",
		}),
		RecordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obitpipeline_records_published_total",
			Help: "Records published after a passing audit.",
		}),
		RecordsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obitpipeline_records_requeued_total",
			Help: "Records sent back for another rewrite by the auditor.",
		}),
		RecordsQuarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obitpipeline_records_quarantined_total",
			Help: "Records quarantined after repeated rewrite failures.",
		}),
		RecordsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obitpipeline_records_failed_total",
			Help: "Records permanently retired from the pipeline.",
		}),
		RecordsHeld: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obitpipeline_records_held_total",
			Help: "Records parked for human review.",
		}),
		TokensConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obitpipeline_tokens_consumed_total",
			Help: "Provider-reported tokens consumed across both stages.",
		}),
		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obitpipeline_rate_limit_hits_total",
			Help: "Reservations refused or provider 429 responses.",
		}),
		IdleGateRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obitpipeline_idle_gate_refusals_total",
			Help: "Audit invocations refused by the idle gate, by reason.",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.RecordsRewritten,
		m.RecordsPublished,
		m.RecordsRequeued,
		m.RecordsQuarantined,
		m.RecordsFailed,
		m.RecordsHeld,
		m.TokensConsumed,
		m.RateLimitHits,
		m.IdleGateRefusals,
	)

	return m
}

// Handler serves the registry for scraping in serve mode.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
