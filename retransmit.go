package ike

import (
	"fmt"
	"strconv"

	"github.com/go-kit/kit/log/level"

	"github.com/oxhide/ikev2/metrics"
)

// armRetransmit records buf as the one self-originated request this
// side is waiting on a response for for reqId, and starts its resend
// timer. Only one request is ever outstanding at a time (RFC 7296
// §2.3), so a fresh arm always replaces whatever was pending before.
func (o *Session) armRetransmit(buf []byte, reqId uint32) {
	o.pendingBuf = buf
	o.pendingReqId = reqId
	o.retransmitCount = 0
	o.retransmitTimer = o.clock.After(o.cfg.RetransmitTimeout)
}

// disarmRetransmit is called once a matching response has been
// accepted (Run's case msg, for any message with the RESPONSE flag
// set - isMessageValid already rejected anything that doesn't match
// pendingReqId before it reached o.incoming).
func (o *Session) disarmRetransmit() {
	o.pendingBuf = nil
	o.retransmitTimer = nil
}

// onRetransmitTimeout fires on Run's retransmitTimer case: resend the
// pending request, or give up and close the session once
// cfg.MaxRetransmits is exhausted.
func (o *Session) onRetransmitTimeout() {
	if o.pendingBuf == nil {
		return
	}
	if o.retransmitCount >= o.cfg.MaxRetransmits {
		o.Close(fmt.Errorf("no response to message %d after %d retransmits", o.pendingReqId, o.retransmitCount))
		return
	}
	o.retransmitCount++
	level.Warn(o.log).Log("msg", "retransmitting", "tag", o.Tag(), "id", o.pendingReqId, "attempt", o.retransmitCount)
	metrics.Retransmissions.WithLabelValues(strconv.Itoa(o.retransmitCount)).Inc()
	o.outgoing <- append([]byte(nil), o.pendingBuf...)
	o.retransmitTimer = o.clock.After(o.cfg.RetransmitTimeout)
}

// armRekeyTimer starts the soft-lifetime clock once a Child SA is
// installed (RFC 7296 §2.8).
func (o *Session) armRekeyTimer() {
	if o.cfg.SoftLifetime <= 0 {
		return
	}
	o.rekeyTimer = o.clock.After(o.cfg.SoftLifetime)
}

// onSoftLifetimeExpired fires on Run's rekeyTimer case: the IKE SA's
// own soft lifetime ran out, so queue a rekey rather than let it run on
// to the hard limit and force a less graceful teardown (RFC 7296
// §2.8).
func (o *Session) onSoftLifetimeExpired() {
	level.Info(o.log).Log("msg", "ike sa soft lifetime expired, queuing rekey", "tag", o.Tag())
	o.scheduler.Enqueue(&LocalRequest{ID: "ike-rekey-" + o.Tag(), Kind: ReqIkeRekey})
}

// armKeepaliveTimer starts the periodic liveness-probe clock once a
// Child SA is installed (RFC 7296 §2.4); a no-op unless
// cfg.KeepaliveInterval is configured.
func (o *Session) armKeepaliveTimer() {
	if o.cfg.KeepaliveInterval <= 0 {
		return
	}
	o.keepaliveTimer = o.clock.After(o.cfg.KeepaliveInterval)
}

// onKeepaliveTimer fires on Run's keepaliveTimer case: send an empty
// INFORMATIONAL request and re-arm for the next interval.
func (o *Session) onKeepaliveTimer() {
	o.SendEmptyInformational()
	o.armKeepaliveTimer()
}
