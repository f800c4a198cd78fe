package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txbus_transitions_total",
			Help: "Status transition commands by target status and result",
		},
		[]string{"to_status", "result"}, // committed|invalid_transition|conflict|storage_failure|not_found
	)

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txbus_outbox_publish_total",
			Help: "Outbox publish attempts by result",
		},
		[]string{"result"}, // published|failed|lease_lost|aborted
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txbus_outbox_publish_duration_seconds",
			Help:    "Broker publish latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txbus_outbox_pending",
		Help: "Unpublished outbox rows",
	})

	OutboxOldestAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txbus_outbox_oldest_age_seconds",
		Help: "Age of the oldest unpublished outbox row",
	})

	OutboxFlagged = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txbus_outbox_flagged",
		Help: "Unpublished rows older than publisher.max_age (need operator attention)",
	})

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txbus_dispatch_total",
			Help: "Consumer handler invocations by handler and result",
		},
		[]string{"handler", "result"}, // ack|retry|permanent_failure|duplicate
	)

	QuarantinedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txbus_quarantined_total",
			Help: "Events routed to quarantine by handler",
		},
		[]string{"handler"},
	)

	FraudAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txbus_fraud_alerts_total",
			Help: "Fraud alerts raised by rule",
		},
		[]string{"rule"}, // amount|velocity
	)
)

// Register adds all collectors to r. Collectors already registered with r are
// skipped, so serve and worker commands can share a process in tests.
func Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		TransitionsTotal,
		PublishTotal,
		PublishDuration,
		OutboxPending,
		OutboxOldestAge,
		OutboxFlagged,
		DispatchTotal,
		QuarantinedTotal,
		FraudAlertsTotal,
	} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func MustRegister(r prometheus.Registerer) {
	if err := Register(r); err != nil {
		panic(err)
	}
}
