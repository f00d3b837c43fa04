// Package metrics exposes Prometheus collectors for the DME core. It is
// ambient infrastructure, not part of the RA algorithm itself: a Node
// with a nil Registerer just skips registration, never skips updating its
// own in-memory counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every counter/histogram the node updates while running
// an attempt. Always build one through New, even with a nil Registerer: the
// collectors themselves still work, they just aren't exported anywhere.
type Collectors struct {
	AttemptsStarted prometheus.Counter
	RepliesReceived prometheus.Counter
	Timeouts        prometheus.Counter
	NetErrors       prometheus.Counter
	HeldDuration    prometheus.Histogram
}

// New builds a Collectors and registers it against reg. reg may be nil, in
// which case the returned Collectors still works but nothing is exported.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		AttemptsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dme_attempts_started_total",
			Help: "Number of request_cs attempts started.",
		}),
		RepliesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dme_replies_received_total",
			Help: "Number of REPLY messages counted toward an attempt's threshold.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dme_timeouts_total",
			Help: "Number of request_cs attempts that did not collect all replies before timeout.",
		}),
		NetErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dme_net_errors_total",
			Help: "Number of outbound send failures (NETERR).",
		}),
		HeldDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dme_held_duration_seconds",
			Help:    "Time spent holding the critical section.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.AttemptsStarted, c.RepliesReceived, c.Timeouts, c.NetErrors, c.HeldDuration)
	}
	return c
}
