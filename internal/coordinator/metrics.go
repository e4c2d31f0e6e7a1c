package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"Chainlog/internal/wire"
)

// metrics are the coordinator's Prometheus collectors.
type metrics struct {
	roundsStarted   prometheus.Counter
	roundsCommitted prometheus.Counter
	roundsAborted   prometheus.Counter
	roundsEmpty     prometheus.Counter
	rejected        *prometheus.CounterVec
	finalizeSeconds prometheus.Histogram
	sessions        prometheus.Gauge
	lastBlock       prometheus.Gauge
}

// newMetrics creates the collectors and registers them on reg when it is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		roundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainlog",
			Subsystem: "coordinator",
			Name:      "rounds_started_total",
			Help:      "Sync rounds opened.",
		}),
		roundsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainlog",
			Subsystem: "coordinator",
			Name:      "rounds_committed_total",
			Help:      "Sync rounds whose block was committed.",
		}),
		roundsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainlog",
			Subsystem: "coordinator",
			Name:      "rounds_aborted_total",
			Help:      "Sync rounds aborted before or during commit.",
		}),
		roundsEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainlog",
			Subsystem: "coordinator",
			Name:      "rounds_empty_total",
			Help:      "Sync rounds that completed without envelopes.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainlog",
			Subsystem: "coordinator",
			Name:      "rejected_submissions_total",
			Help:      "Buffer submissions rejected, by error code.",
		}, []string{"code"}),
		finalizeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chainlog",
			Subsystem: "coordinator",
			Name:      "finalize_seconds",
			Help:      "Time spent merging, ordering and signing a block.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainlog",
			Subsystem: "coordinator",
			Name:      "sessions",
			Help:      "Registered node sessions.",
		}),
		lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainlog",
			Subsystem: "coordinator",
			Name:      "last_block",
			Help:      "Number of the last committed block.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.roundsStarted,
			m.roundsCommitted,
			m.roundsAborted,
			m.roundsEmpty,
			m.rejected,
			m.finalizeSeconds,
			m.sessions,
			m.lastBlock,
		)
	}

	return m
}

// reject counts a rejected submission.
func (m *metrics) reject(code wire.ErrorCode) {
	m.rejected.WithLabelValues(string(code)).Inc()
}
