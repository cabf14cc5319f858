// Package metrics holds the guard's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a set of collectors registered on one registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	redactions    *prometheus.CounterVec
	flagged       *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	upstream      *prometheus.CounterVec
	sessions      prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_decisions_total",
			Help: "Screening decisions by final state",
		}, []string{"state"}),
		redactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_redactions_total",
			Help: "Redacted PII spans by type",
		}, []string{"type"}),
		flagged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_flagged_sentences_total",
			Help: "Sentences flagged by risk kind",
		}, []string{"kind"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guard_stage_duration_seconds",
			Help:    "Time spent per screening stage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"stage"}),
		upstream: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_upstream_requests_total",
			Help: "Requests forwarded upstream by status code",
		}, []string{"code"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "guard_sessions",
			Help: "Live sessions in the store",
		}),
	}
}

func (m *Metrics) Decision(state string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(state).Inc()
}

func (m *Metrics) Redacted(spanType string) {
	if m == nil {
		return
	}
	m.redactions.WithLabelValues(spanType).Inc()
}

func (m *Metrics) Flagged(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.flagged.WithLabelValues(kind).Add(float64(n))
}

// Stage records the time since start under stage.
func (m *Metrics) Stage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Upstream(code string) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(code).Inc()
}

func (m *Metrics) Sessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
