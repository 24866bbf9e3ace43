package ike

import (
	"github.com/go-kit/kit/log/level"

	"github.com/oxhide/ikev2/protocol"
	"github.com/oxhide/ikev2/state"
)

func informationalHeader(o *Session) *protocol.IkeHeader {
	header := &protocol.IkeHeader{
		SpiI:         o.IkeSpiI,
		SpiR:         o.IkeSpiR,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION,
		MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.INFORMATIONAL,
	}
	return header
}

// NotifyFromSession wraps a single error notification in an otherwise
// empty INFORMATIONAL exchange.
func NotifyFromSession(o *Session, ie protocol.IkeErrorCode) *Message {
	notify := protocol.NewNotifyPayload(protocol.IKE, nil, protocol.NotificationType(ie), nil)
	return &Message{IkeHeader: informationalHeader(o), Payloads: protocol.Chain(notify)}
}

// DeleteFromSession builds the Delete payload this side sends when
// tearing down the IKE SA: since the Child SA shares the IKE SA's
// fate here, the Delete names the IKE SA itself (RFC 7296 §1.4.1), not
// the ESP SPI.
func DeleteFromSession(o *Session) *Message {
	del := protocol.NewDeletePayload(protocol.IKE)
	return &Message{IkeHeader: informationalHeader(o), Payloads: protocol.Chain(del)}
}

// EmptyFromSession builds a bare INFORMATIONAL request, used both as a
// liveness check (RFC 7296 §2.4) and as the correct response to one.
func EmptyFromSession(o *Session) *Message {
	return &Message{IkeHeader: informationalHeader(o), Payloads: protocol.MakePayloads()}
}

// HandleInformationalForSession answers an incoming INFORMATIONAL
// message: a Delete tears the IKE (and with it, Child) SA down; a bare
// liveness probe gets a bare reply; anything else is acknowledged
// empty since this side announces no additional notifications worth
// acting on. A response to an INFORMATIONAL request this side itself
// originated (a keepalive, or our own Child SA delete) is consumed
// here too, but never answered - Run already disarmed the retransmit
// timer for it before this was called.
func HandleInformationalForSession(o *Session, m *Message) *state.StateEvent {
	skA, skE := o.skIn()
	if err := m.DecryptPayloads(o.ikeCipherSuite(), skA, skE); err != nil {
		level.Error(o.log).Log("msg", "drop informational", "tag", o.Tag(), "err", err)
		return nil
	}

	if m.IkeHeader.Flags.IsResponse() {
		return nil
	}

	if del, ok := m.Payloads.Get(protocol.PayloadTypeD).(*protocol.DeletePayload); ok {
		switch del.ProtocolId {
		case protocol.IKE:
			level.Info(o.log).Log("msg", "peer requested ike sa delete", "tag", o.Tag())
			o.recvReqId++
			o.replyEmptyInformational(m.IkeHeader.MsgId)
			return &state.StateEvent{Event: EvDeleteIkeSa}
		case protocol.ESP:
			o.recvReqId++
			o.replyChildSaDeletes(m.IkeHeader.MsgId, del)
			return nil
		}
	}

	o.recvReqId++
	o.replyEmptyInformational(m.IkeHeader.MsgId)
	return nil
}

// replyChildSaDeletes answers a peer-requested Child SA delete
// (RFC 7296 §1.4.1): each SPI del names is the peer's own, so it's
// matched against our "peer" field via findChildByPeerSpi, torn down
// without a redundant notify back to the very peer that asked, and
// echoed in the response using OUR matching SPI instead of theirs.
func (o *Session) replyChildSaDeletes(msgId uint32, del *protocol.DeletePayload) {
	var ourSpis []protocol.Spi
	for _, spi := range del.Spis {
		child := o.findChildByPeerSpi(spi)
		if child == nil {
			continue
		}
		ourSpi := child.EspSpiR
		if o.isInitiator {
			ourSpi = child.EspSpiI
		}
		ourSpis = append(ourSpis, ourSpi)
		o.retireChildSa(child, false)
		// If a rekey answered for this peer left a successor waiting on
		// this very Delete, its outbound half can go live now.
		o.completeDeferredOutbound(child)
	}

	reply := &Message{IkeHeader: informationalHeader(o), Payloads: protocol.Chain(protocol.NewDeletePayload(protocol.ESP, ourSpis...))}
	reply.IkeHeader.Flags = reply.IkeHeader.Flags.WithResponse()
	reply.IkeHeader.MsgId = msgId
	skA, skE := o.skOut()
	buf, err := reply.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err != nil {
		o.sendMsg(buf, err)
		return
	}
	o.sendResponse(buf, msgId)
}

// replyEmptyInformational answers a peer-originated INFORMATIONAL
// request, echoing its Message ID rather than drawing a fresh one
// (this is a reply, not a new request this side originates).
func (o *Session) replyEmptyInformational(msgId uint32) {
	info := EmptyFromSession(o)
	info.IkeHeader.Flags = info.IkeHeader.Flags.WithResponse()
	info.IkeHeader.MsgId = msgId
	skA, skE := o.skOut()
	buf, err := info.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err != nil {
		o.sendMsg(buf, err)
		return
	}
	o.sendResponse(buf, msgId)
}
