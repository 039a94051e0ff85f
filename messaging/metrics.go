package messaging

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperpipe_dispatch_outcomes_total",
			Help: "Finished per-recipient sends by outcome",
		},
		[]string{"kind"},
	)
	dispatchAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whisperpipe_dispatch_attempts",
			Help:    "Attempts needed per recipient send",
			Buckets: prometheus.LinearBuckets(1, 1, 6),
		},
	)
	receivedEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperpipe_received_envelopes_total",
			Help: "Pushed envelopes by handling result",
		},
		[]string{"result"},
	)
)

// RegisterMetrics registers the dispatch collectors with reg. Collectors
// that are already registered are left in place.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{dispatchOutcomes, dispatchAttempts, receivedEnvelopes} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
