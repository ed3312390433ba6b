package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "bgprobe"

var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total number of upload submissions, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Total number of task status events received, labeled by status.",
		},
		[]string{"status"},
	)

	ProtocolErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of unparsable stream frames dropped.",
		},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of stream reconnect attempts.",
		},
	)

	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Total number of workflow outcomes, labeled by result.",
		},
		[]string{"result"},
	)

	OutcomeLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outcome_latency_seconds",
			Help:      "Latency from submission to terminal event (seconds).",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SubmissionsTotal,
		StreamEventsTotal,
		ProtocolErrorsTotal,
		ReconnectsTotal,
		OutcomesTotal,
		OutcomeLatencySeconds,
	)
}
