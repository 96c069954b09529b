package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"syncstress/internal/consistency"
	"syncstress/internal/stats"
	"syncstress/internal/transport"
)

// Exporter publishes live run metrics on its own registry. It implements
// stats.Observer and the runner's active-user gauge.
type Exporter struct {
	OpsTotal      *prometheus.CounterVec
	VerdictsTotal *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	ActiveUsers   prometheus.Gauge

	registry *prometheus.Registry
}

// NewExporter creates and registers all metrics
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncstress_ops_total",
				Help: "Total number of syncstore operations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		VerdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncstress_verdicts_total",
				Help: "Total number of reads by consistency verdict",
			},
			[]string{"verdict"},
		),
		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncstress_op_duration_seconds",
				Help:    "Syncstore operation latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"kind"},
		),
		ActiveUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "syncstress_active_users",
				Help: "Number of active virtual users",
			},
		),
		registry: registry,
	}

	registry.MustRegister(e.OpsTotal)
	registry.MustRegister(e.VerdictsTotal)
	registry.MustRegister(e.OpDuration)
	registry.MustRegister(e.ActiveUsers)

	return e
}

// Observe records one finished operation.
func (e *Exporter) Observe(op stats.Operation, verdict consistency.Verdict) {
	kind := op.Kind.String()
	outcome := "success"
	if !op.Success {
		outcome = string(op.ErrKind)
		if outcome == "" {
			outcome = "error"
		}
	}

	e.OpsTotal.WithLabelValues(kind, outcome).Inc()
	e.OpDuration.WithLabelValues(kind).Observe(op.Latency().Seconds())
	if op.Kind == transport.OpRead {
		e.VerdictsTotal.WithLabelValues(verdict.String()).Inc()
	}
}

func (e *Exporter) SetActiveUsers(n int) {
	e.ActiveUsers.Set(float64(n))
}

// Handler returns the Prometheus metrics handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
