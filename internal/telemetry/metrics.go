// Package telemetry exposes engine metrics as Prometheus collectors and
// keeps a small in-memory digest of query terms. Nothing is reported
// externally; callers decide which registry to attach to.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aman-CERP/searchstore/internal/errors"
)

const namespace = "searchstore"

// Metrics groups the engine's collectors.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OptimizeRuns      *prometheus.CounterVec
	MigrationFailures *prometheus.CounterVec
	Databases         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests and one-shot CLI runs use.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"op", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),
		OptimizeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimize",
			Name:      "runs_total",
			Help:      "Backend optimize runs by trigger.",
		}, []string{"reason"}),
		MigrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "document_failures_total",
			Help:      "Documents that could not be migrated, by state.",
		}, []string{"state"}),
		Databases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "databases",
			Help:      "Databases with a schema.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.Operations, m.OperationDuration, m.OptimizeRuns, m.MigrationFailures, m.Databases,
		} {
			if err := reg.Register(c); err != nil {
				return nil, errors.InternalError("failed to register metrics", err)
			}
		}
	}
	return m, nil
}

// Observe records one operation that started at start and ended with err.
// The status label is "ok" or the error code.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = errors.GetCode(err)
		if status == "" {
			status = "error"
		}
	}
	m.Operations.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// OptimizeRun counts an optimize triggered by reason.
func (m *Metrics) OptimizeRun(reason string) {
	if m == nil {
		return
	}
	m.OptimizeRuns.WithLabelValues(reason).Inc()
}

// MigrationFailed counts n failed documents at state.
func (m *Metrics) MigrationFailed(state string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MigrationFailures.WithLabelValues(state).Add(float64(n))
}

// SetDatabases records how many databases hold a schema.
func (m *Metrics) SetDatabases(n int) {
	if m == nil {
		return
	}
	m.Databases.Set(float64(n))
}
