package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/retry"
)

// Metrics collects the activity of subscriptions. A nil *Metrics discards
// everything.
type Metrics struct {
	batches     *prometheus.CounterVec
	messages    *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	refetches   *prometheus.CounterVec
	retries     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	terminated  *prometheus.CounterVec
}

// NewMetrics returns a Metrics collector. It has to be registered by the
// caller.
func NewMetrics() *Metrics {
	return &Metrics{
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shapesync_subscription_batches_total",
				Help: "Total number of batches applied to the view",
			},
			[]string{"subscription"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shapesync_subscription_messages_total",
				Help: "Total number of data messages applied to the view by operation",
			},
			[]string{"subscription", "operation"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shapesync_subscription_duplicate_messages_total",
				Help: "Total number of data messages skipped because their offset was already applied",
			},
			[]string{"subscription"},
		),
		refetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shapesync_subscription_refetches_total",
				Help: "Total number of times the shape had to be refetched",
			},
			[]string{"subscription"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shapesync_subscription_retries_total",
				Help: "Total number of retried requests by failure class",
			},
			[]string{"subscription", "class"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shapesync_subscription_state_transitions_total",
				Help: "Total number of state transitions by target state",
			},
			[]string{"subscription", "state"},
		),
		terminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shapesync_subscription_terminated_total",
				Help: "Total number of subscriptions terminated by reason",
			},
			[]string{"subscription", "reason"},
		),
	}
}

// Describe returns all metric descriptors.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect collects all metrics.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.batches.Collect(metrics)
	m.messages.Collect(metrics)
	m.duplicates.Collect(metrics)
	m.refetches.Collect(metrics)
	m.retries.Collect(metrics)
	m.transitions.Collect(metrics)
	m.terminated.Collect(metrics)
}

func (m *Metrics) batch(name string, data []protocol.DataMessage, duplicates int) {
	if m == nil {
		return
	}

	m.batches.WithLabelValues(name).Inc()
	for _, message := range data {
		m.messages.WithLabelValues(name, string(message.Operation)).Inc()
	}
	if duplicates > 0 {
		m.duplicates.WithLabelValues(name).Add(float64(duplicates))
	}
}

func (m *Metrics) refetch(name string) {
	if m == nil {
		return
	}
	m.refetches.WithLabelValues(name).Inc()
}

func (m *Metrics) retry(name string, failure retry.Failure) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(name, failure.Class.String()).Inc()
}

func (m *Metrics) transition(name string, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(name, to.String()).Inc()
}

func (m *Metrics) terminate(name, reason string) {
	if m == nil {
		return
	}
	m.terminated.WithLabelValues(name, reason).Inc()
}
