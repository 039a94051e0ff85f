package transport

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whisperpipe_pipe_state",
			Help: "Current pipe state (0 disconnected, 1 connecting, 2 open)",
		},
		[]string{"pipe"},
	)
	pipeReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperpipe_pipe_reconnects_total",
			Help: "Number of pipe connection attempts after a failure",
		},
		[]string{"pipe"},
	)
	pipePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whisperpipe_pipe_pending_requests",
			Help: "Outstanding requests awaiting a response",
		},
		[]string{"pipe"},
	)
	pipePushed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whisperpipe_pipe_pushed_queue_depth",
			Help: "Server-pushed requests waiting to be read",
		},
		[]string{"pipe"},
	)
	oneShotRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperpipe_http_requests_total",
			Help: "One-shot HTTP requests by response status class",
		},
		[]string{"status"},
	)
)

// RegisterMetrics registers the transport collectors with reg. Collectors
// that are already registered are left in place.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{pipeState, pipeReconnects, pipePending, pipePushed, oneShotRequests} {
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

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "error"
	}
}
