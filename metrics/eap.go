package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EapOutcomes counts a Session's EAP sub-exchange (RFC 7296 §2.16)
// reaching a terminal state, labeled by outcome (success, failure,
// error) - error is a malformed packet or a transport-level problem
// feeding eap.Session.HandlePacket, distinct from the method itself
// reporting Failure.
var EapOutcomes = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eap",
		Name:      "outcomes_total",
		Help:      "Total number of EAP sub-exchange outcomes, by result",
	},
	[]string{"outcome"},
)
