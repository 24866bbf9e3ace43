// Package ratelimit decides when an IKE_SA_INIT responder should
// demand a COOKIE notification from a peer (RFC 7296 §2.6) instead of
// committing DH and nonce state to every request that arrives.
package ratelimit

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedHosts bounds the per-host limiter map; once exceeded the
// whole map is dropped and rebuilt, trading a burst of unthrottled
// requests for not leaking memory under address-spoofed flooding.
const maxTrackedHosts = 4096

// Throttle tracks one token-bucket limiter per source host.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New builds a Throttle allowing rps requests per second per host,
// with burst headroom above that.
func New(rps float64, burst int) *Throttle {
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether a fresh IKE_SA_INIT request from remote may
// proceed without a cookie challenge.
func (t *Throttle) Allow(remote net.Addr) bool {
	host := hostOf(remote)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.limiters) > maxTrackedHosts {
		t.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := t.limiters[host]
	if !ok {
		l = rate.NewLimiter(t.rps, t.burst)
		t.limiters[host] = l
	}
	return l.Allow()
}

func hostOf(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
