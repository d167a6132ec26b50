// Package metrics exposes harness counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every harness collector. A nil *Registry records nothing.
type Registry struct {
	WritesTotal      *prometheus.CounterVec
	OraclePollsTotal *prometheus.CounterVec
	FaultActive      *prometheus.GaugeVec
	ScenariosTotal   *prometheus.CounterVec
	ScenarioDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewRegistry creates a registry with all collectors initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.WritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "splitcheck_writes_total",
			Help: "Load generator write attempts by outcome",
		},
		[]string{"outcome"}, // acked, disrupted, unexpected
	)

	r.OraclePollsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "splitcheck_oracle_polls_total",
			Help: "Cluster state polls by result",
		},
		[]string{"result"}, // match, miss, error
	)

	r.FaultActive = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "splitcheck_fault_active",
			Help: "Number of active faults by kind",
		},
		[]string{"kind"},
	)

	r.ScenariosTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "splitcheck_scenarios_total",
			Help: "Finished scenarios by result",
		},
		[]string{"result"}, // passed, failed
	)

	r.ScenarioDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "splitcheck_scenario_duration_seconds",
			Help:    "Scenario wall time in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"scenario"},
	)

	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordWrite counts a write attempt.
func (r *Registry) RecordWrite(outcome string) {
	if r == nil {
		return
	}

	r.WritesTotal.WithLabelValues(outcome).Inc()
}

// RecordPoll counts a cluster state poll.
func (r *Registry) RecordPoll(result string) {
	if r == nil {
		return
	}

	r.OraclePollsTotal.WithLabelValues(result).Inc()
}

// FaultStarted marks a fault of kind as active.
func (r *Registry) FaultStarted(kind string) {
	if r == nil {
		return
	}

	r.FaultActive.WithLabelValues(kind).Inc()
}

// FaultStopped marks a fault of kind as removed.
func (r *Registry) FaultStopped(kind string) {
	if r == nil {
		return
	}

	r.FaultActive.WithLabelValues(kind).Dec()
}

// RecordScenario records a finished scenario.
func (r *Registry) RecordScenario(name string, passed bool, duration time.Duration) {
	if r == nil {
		return
	}

	result := "failed"
	if passed {
		result = "passed"
	}

	r.ScenariosTotal.WithLabelValues(result).Inc()
	r.ScenarioDuration.WithLabelValues(name).Observe(duration.Seconds())
}
