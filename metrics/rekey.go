package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RekeysStarted counts a rekey attempt beginning, labeled by scope
	// (ike, child) and side (local, remote) - a local IKE SA rekey
	// losing RFC 7296 §2.25.1's simultaneous-rekey tie-break still
	// counts here even though it never completes.
	RekeysStarted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rekey",
			Name:      "started_total",
			Help:      "Total number of IKE or Child SA rekeys started, by scope and side",
		},
		[]string{"scope", "side"},
	)

	// RekeysCompleted counts a rekey that actually installed its new
	// generation and retired the old one.
	RekeysCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rekey",
			Name:      "completed_total",
			Help:      "Total number of IKE or Child SA rekeys that completed, by scope",
		},
		[]string{"scope"},
	)

	// RekeysDeclined counts an incoming rekey request this side
	// answered with ERR_TEMPORARY_FAILURE - a peer request that lost the
	// simultaneous-rekey tie-break, or a rekey of an unknown Child SA SPI.
	RekeysDeclined = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rekey",
			Name:      "declined_total",
			Help:      "Total number of peer-initiated rekeys this side declined, by scope and reason",
		},
		[]string{"scope", "reason"},
	)

	// ChildSasActive tracks the number of Child SAs currently installed
	// across every live Session in this process.
	ChildSasActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child_sa",
			Name:      "active",
			Help:      "Number of Child SAs currently installed",
		},
	)
)
