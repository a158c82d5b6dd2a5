package httprpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the gateway. Exposition is left to the embedder;
// pass any prometheus.Registerer (or nil to register nothing).
type Metrics struct {
	// Requests counts handled exchanges by outcome:
	// ok, error, unauthorized, bad_method.
	Requests *prometheus.CounterVec
	// AuthChecks counts credential checks performed.
	AuthChecks prometheus.Counter
	// AuthFailures counts rejected credential checks.
	AuthFailures prometheus.Counter
	// Duration observes wall time of successful exchanges in seconds.
	Duration prometheus.Histogram
}

// NewMetrics creates the gateway metric set and registers it with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Subsystem: "httprpc",
			Name:      "requests_total",
			Help:      "Handled JSON-RPC exchanges by outcome.",
		}, []string{"outcome"}),
		AuthChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Subsystem: "httprpc",
			Name:      "auth_checks_total",
			Help:      "Credential checks performed.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Subsystem: "httprpc",
			Name:      "auth_failures_total",
			Help:      "Credential checks that were rejected.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rpcgate",
			Subsystem: "httprpc",
			Name:      "request_duration_seconds",
			Help:      "Wall time of successful JSON-RPC exchanges.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.AuthChecks, m.AuthFailures, m.Duration)
	}
	return m
}
