package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExchangesSent counts every self-originated request this module
	// encodes and hands to its platform.DatagramSocket, by exchange type
	// (ike_sa_init, ike_auth, create_child_sa, informational).
	ExchangesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "sent_total",
			Help:      "Total number of self-originated IKEv2 exchanges sent, by exchange type",
		},
		[]string{"exchange"},
	)

	// Retransmissions counts onRetransmitTimeout firing a resend,
	// labeled by how many attempts this particular request has already
	// used - a session that keeps needing its third or fourth retry is
	// a different signal than one that only ever needs its first.
	Retransmissions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "retransmits_total",
			Help:      "Total number of request retransmissions",
		},
		[]string{"attempt"},
	)

	// SessionsClosed counts Session.Finished teardowns, labeled "error"
	// when the session closed on a failure and "deleted" otherwise.
	SessionsClosed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Total number of IKE sessions that reached StateClosed, by reason",
		},
		[]string{"reason"},
	)
)
