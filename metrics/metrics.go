// Package metrics exposes this module's Prometheus collectors: plain
// prometheus.Collectors registered against their own Registry. The
// core ike package imports this one directly and increments its global
// vars from the exchange/rekey/EAP call sites they describe; neither
// the core nor this package ever binds an HTTP listener on its own -
// that's cmd/ikesimd's job, via Handler or StartServer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ikesimd"

// Registry is this package's own prometheus.Registerer rather than the
// global default, so embedding this module in a larger process never
// collides with that process's own metric names.
var Registry = prometheus.NewRegistry()

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StartServer runs a standalone metrics HTTP server on addr, blocking
// until it errors or is closed - cmd/ikesimd runs this in its own
// goroutine alongside the control API.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
