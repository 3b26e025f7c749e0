package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"

	ReasonStaleRead     = "stale_read"
	ReasonDeltaConflict = "delta_conflict"
	ReasonInvariant     = "invariant"
	ReasonMissingValue  = "missing_value"
)

type metrics struct {
	transactions   *prometheus.CounterVec
	reexecutions   prometheus.Counter
	conflicts      *prometheus.CounterVec
	commitDuration prometheus.Histogram
}

// newMetrics registers the executor metrics on reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggregator",
			Subsystem: "executor",
			Name:      "transactions_total",
			Help:      "Transactions processed, by outcome",
		}, []string{"outcome"}),
		reexecutions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aggregator",
			Subsystem: "executor",
			Name:      "reexecutions_total",
			Help:      "Transaction attempts re-executed after a conflict",
		}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggregator",
			Subsystem: "executor",
			Name:      "conflicts_total",
			Help:      "Conflicts detected at commit time, by reason",
		}, []string{"reason"}),
		commitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aggregator",
			Subsystem: "executor",
			Name:      "commit_duration_seconds",
			Help:      "Time to validate and apply one transaction's change set",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}
