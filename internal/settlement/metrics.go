package settlement

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
)

// Metrics are the Prometheus collectors of the engine.
type Metrics struct {
	operations   *prometheus.CounterVec
	transfers    *prometheus.CounterVec
	distribution prometheus.Histogram
}

// NewMetrics registers the engine collectors on reg. A nil reg registers on
// a private registry, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmify",
			Subsystem: "settlement",
			Name:      "operations_total",
			Help:      "Settlement operations by name and result.",
		}, []string{"operation", "result"}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmify",
			Subsystem: "settlement",
			Name:      "transfers_total",
			Help:      "Payout transfer attempts by role and outcome.",
		}, []string{"role", "outcome"}),
		distribution: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "farmify",
			Subsystem: "settlement",
			Name:      "distribution_duration_seconds",
			Help:      "Time spent running the payout lines of one distribution or retry.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

func (m *Metrics) observeOperation(operation string, err error) {
	m.operations.WithLabelValues(operation, resultLabel(err)).Inc()
}

func (m *Metrics) observeTransfer(role models.PayoutRole, outcome models.Outcome) {
	m.transfers.WithLabelValues(string(role), string(outcome)).Inc()
}

func (m *Metrics) observeDistribution(d time.Duration) {
	m.distribution.Observe(d.Seconds())
}

// resultLabel is "ok" or the snake_cased root error description.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	root := errors.Root(err)
	if root == nil {
		return "internal"
	}
	return strings.ReplaceAll(root.Error(), " ", "_")
}
