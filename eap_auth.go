package ike

import (
	"github.com/go-kit/kit/log/level"

	"github.com/oxhide/ikev2/eap"
	"github.com/oxhide/ikev2/metrics"
	"github.com/oxhide/ikev2/protocol"
)

// EAP wiring (RFC 7296 §2.16): the IKE_AUTH exchange carries an EAP
// sub-exchange, request/response per round trip, until the EAP method
// reports Success or Failure; only then is the real AUTH payload (and
// the Child SA's SA/TS payloads) allowed onto the wire.
//
// eap.Session only plays the EAP peer role (it answers CodeRequest
// packets; nothing in this tree originates them), so this wiring only
// ever runs on the IKE initiator - the side an EAP authenticator would
// be challenging. A responder configured with UseEap has nothing to
// drive the exchange from its side and is out of scope here.

// eapCallbacks adapts a Session's EAP outcome into its own state:
// eap.Session reports everything through these four calls rather than
// a return value, since a Method can need more than one HandleRequest
// round trip before it has an answer.
type eapCallbacks struct {
	o *Session
}

func (c eapCallbacks) OnResponse(frame []byte) {
	c.o.eapPendingFrame = frame
}

func (c eapCallbacks) OnSuccess(msk, emsk []byte) {
	c.o.eapDone = true
	c.o.eapMsk = msk
	c.o.eapEmsk = emsk
	metrics.EapOutcomes.WithLabelValues("success").Inc()
}

func (c eapCallbacks) OnFailure() {
	c.o.eapFailed = true
	metrics.EapOutcomes.WithLabelValues("failure").Inc()
}

func (c eapCallbacks) OnError(err error) {
	c.o.eapFailed = true
	level.Error(c.o.log).Log("msg", "eap error", "tag", c.o.Tag(), "err", err)
	metrics.EapOutcomes.WithLabelValues("error").Inc()
}

// ensureEapSession lazily builds the Session's eap.Session on the
// first EAP request, rather than at Session construction - a
// responder never needs one at all.
func (o *Session) ensureEapSession() *eap.Session {
	if o.eapSession == nil {
		o.eapSession = eap.NewSession(o.cfg.EapIdentity, o.cfg.EapSupportedTypes, o.cfg.EapMethod, eapCallbacks{o: o})
	}
	return o.eapSession
}

// handleEapRequest feeds one incoming EAP payload to the EAP peer
// session and builds the matching IKE_AUTH request: another EAP
// payload carrying the method's response while the exchange is still
// running, or - once the method signals success - the real AUTH/SA/TS
// message that was withheld until now.
func (o *Session) handleEapRequest(m *Message) (*Message, error) {
	eapPayload, ok := m.Payloads.Get(protocol.PayloadTypeEAP).(*protocol.EapPayload)
	if !ok {
		return nil, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "IKE_AUTH missing EAP payload")
	}
	pkt, err := eap.Decode(eapPayload.Data)
	if err != nil {
		return nil, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "malformed eap packet: %v", err)
	}

	o.eapPendingFrame = nil
	o.ensureEapSession().HandlePacket(pkt)

	if o.eapFailed {
		return nil, protocol.ErrF(protocol.ERR_AUTHENTICATION_FAILED, "eap authentication failed")
	}
	if o.eapDone {
		return AuthFromSession(o)
	}
	if o.eapPendingFrame == nil {
		return nil, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "eap session produced no response")
	}

	header := &protocol.IkeHeader{
		SpiI: o.IkeSpiI, SpiR: o.IkeSpiR,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.IKE_AUTH,
	}
	chain := protocol.Chain(protocol.NewEapPayload(o.eapPendingFrame))
	return &Message{IkeHeader: header, Payloads: chain}, nil
}
