// Package metrics exposes Prometheus collectors for the shielded pool client.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver so components can be built
// without a registry.
type Metrics struct {
	flowsStarted   *prometheus.CounterVec
	flowOutcomes   *prometheus.CounterVec
	serviceLatency *prometheus.HistogramVec
	serviceErrors  *prometheus.CounterVec
	registerFails  prometheus.Counter
	syncResults    *prometheus.CounterVec
	rootChanges    prometheus.Counter
	rootLastPoll   prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		flowsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_flows_started_total",
			Help: "Deposit and withdrawal flows started",
		}, []string{"kind"}),
		flowOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_flow_outcomes_total",
			Help: "Flow terminations by kind and outcome",
		}, []string{"kind", "outcome"}),
		serviceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shield_service_request_duration_seconds",
			Help:    "Proof and tree service request latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),
		serviceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_service_errors_total",
			Help: "Proof and tree service request failures",
		}, []string{"endpoint"}),
		registerFails: f.NewCounter(prometheus.CounterOpts{
			Name: "shield_commitment_register_failures_total",
			Help: "Commitments whose tree registration failed after deposit",
		}),
		syncResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_commitment_sync_total",
			Help: "Commitment sync attempts by result",
		}, []string{"result"}),
		rootChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "shield_merkle_root_changes_total",
			Help: "Observed Merkle root changes",
		}),
		rootLastPoll: f.NewGauge(prometheus.GaugeOpts{
			Name: "shield_merkle_root_last_poll_timestamp_seconds",
			Help: "Unix time of the last successful root poll",
		}),
	}
}

func (m *Metrics) FlowStarted(kind string) {
	if m == nil {
		return
	}
	m.flowsStarted.WithLabelValues(kind).Inc()
}

// FlowFinished records a terminal flow outcome, e.g. "settled", "pending", "error".
func (m *Metrics) FlowFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.flowOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveRequest(endpoint string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.serviceLatency.WithLabelValues(endpoint).Observe(d.Seconds())
	if err != nil {
		m.serviceErrors.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) RegisterFailed() {
	if m == nil {
		return
	}
	m.registerFails.Inc()
}

func (m *Metrics) SyncResult(found bool, err error) {
	if m == nil {
		return
	}
	result := "not_found"
	switch {
	case err != nil:
		result = "error"
	case found:
		result = "found"
	}
	m.syncResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RootPolled(at time.Time, changed bool) {
	if m == nil {
		return
	}
	m.rootLastPoll.Set(float64(at.Unix()))
	if changed {
		m.rootChanges.Inc()
	}
}

// ErrNilRegistry is returned by Handler when no gatherer is supplied.
var ErrNilRegistry = errors.New("metrics: nil registry")
