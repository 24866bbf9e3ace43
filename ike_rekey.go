package ike

import (
	"math/big"

	"github.com/go-kit/kit/log/level"

	"github.com/oxhide/ikev2/metrics"
	"github.com/oxhide/ikev2/protocol"
	"github.com/oxhide/ikev2/state"
)

// ikeRekeyState tracks this side's own outstanding IKE SA rekey attempt
// (RFC 7296 §2.18): the fresh Tkm generating the new DH exchange, and
// the new SPI this side proposed, kept until the peer's response (or a
// colliding request of its own) resolves it.
type ikeRekeyState struct {
	tkm      *Tkm
	localSpi protocol.Spi
}

// RekeyIkeLocal starts a local-initiated IKE SA rekey: a fresh DH
// exchange and SPI, sent as a CREATE_CHILD_SA request proposing the
// same IKE proposal this SA was built from. It always returns an empty
// StateEvent, since nothing about the Session's own state changes until
// the rekey completes: with an attempt already outstanding it does
// nothing, and a DH generation or encode failure is logged and the
// attempt abandoned.
func (o *Session) RekeyIkeLocal() state.StateEvent {
	if o.rekeyIke != nil {
		return state.StateEvent{}
	}
	newTkm, err := NewTkmInitiator(o.suite)
	if err != nil {
		level.Error(o.log).Log("msg", "ike rekey dh generation failed", "tag", o.Tag(), "err", err)
		return state.StateEvent{}
	}
	localSpi := MakeSpi()
	o.rekeyIke = &ikeRekeyState{tkm: newTkm, localSpi: localSpi}

	header := &protocol.IkeHeader{
		SpiI: o.IkeSpiI, SpiR: o.IkeSpiR,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.CREATE_CHILD_SA,
	}
	chain := []protocol.Payload{
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: ProposalFromTransforms(protocol.IKE, o.cfg.ProposalIke, localSpi)},
		&protocol.KePayload{PayloadHeader: &protocol.PayloadHeader{}, DhTransformId: o.suite.DhGroup.TransformId(), KeyData: newTkm.DhPublic},
		protocol.NewNoncePayload(newTkm.Ni),
	}
	msg := &Message{IkeHeader: header, Payloads: protocol.Chain(chain...)}

	reqId := o.nextSendReqId()
	msg.IkeHeader.MsgId = reqId
	skA, skE := o.skOut()
	buf, err := msg.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err != nil {
		level.Error(o.log).Log("msg", "encode ike rekey request failed", "tag", o.Tag(), "err", err)
		o.rekeyIke = nil
		return state.StateEvent{}
	}
	o.armRetransmit(buf, reqId)
	o.outgoing <- buf
	metrics.ExchangesSent.WithLabelValues("create_child_sa").Inc()
	metrics.RekeysStarted.WithLabelValues("ike", "local").Inc()
	return state.StateEvent{}
}

// handleIkeRekeyMessage is handleCreateChildSaMessage's branch for a
// CREATE_CHILD_SA exchange whose SA payload names the IKE protocol
// rather than ESP - an IKE SA rekey request or its response.
func handleIkeRekeyMessage(o *Session, m *Message, sa *protocol.SaPayload) state.StateEvent {
	if m.IkeHeader.Flags.IsResponse() {
		if o.rekeyIke == nil {
			level.Warn(o.log).Log("msg", "unexpected ike rekey response", "tag", o.Tag())
			return state.StateEvent{}
		}
		if notifs := m.Payloads.GetNotifications(protocol.TEMPORARY_FAILURE); len(notifs) > 0 {
			level.Info(o.log).Log("msg", "peer declined ike rekey", "tag", o.Tag())
			metrics.RekeysDeclined.WithLabelValues("ike", "peer_declined").Inc()
			o.rekeyIke.tkm.zeroize()
			o.rekeyIke = nil
			return state.StateEvent{}
		}
		if err := o.completeIkeRekeyAsInitiator(m, sa); err != nil {
			level.Error(o.log).Log("msg", "ike rekey completion failed", "tag", o.Tag(), "err", err)
			o.rekeyIke.tkm.zeroize()
			o.rekeyIke = nil
		}
		return state.StateEvent{}
	}

	o.recvReqId++
	if err := o.answerIkeRekeyRequest(m, sa); err != nil {
		level.Warn(o.log).Log("msg", "declining ike rekey request", "tag", o.Tag(), "err", err)
	}
	return state.StateEvent{}
}

// completeIkeRekeyAsInitiator derives the new IKE SA's keys once the
// peer's rekey response arrives: since this side sent the request, it
// is the new generation's initiator (spiI = our proposed SPI, spiR =
// the peer's).
func (o *Session) completeIkeRekeyAsInitiator(m *Message, sa *protocol.SaPayload) error {
	nonce, ok := m.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if !ok {
		return protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "ike rekey response missing Nonce payload")
	}
	ke, ok := m.Payloads.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	if !ok {
		return protocol.ErrF(protocol.ERR_INVALID_KE_PAYLOAD, "ike rekey response missing KE payload")
	}
	newTkm := o.rekeyIke.tkm
	newTkm.Nr = nonce.Nonce
	if err := newTkm.DhGenerateKey(ke.KeyData); err != nil {
		return err
	}

	peerSpi := protocol.Spi(sa.Proposals[0].Spi)
	newTkm.IsaCreateRekey(o.tkm.skD, o.rekeyIke.localSpi, peerSpi)

	return o.swapIkeSa(newTkm, o.rekeyIke.localSpi, peerSpi)
}

// answerIkeRekeyRequest handles a peer-initiated (or simultaneous)
// IKE SA rekey request. When this side also has its own rekey attempt
// outstanding (o.rekeyIke != nil), RFC 7296 §2.25.1's nonce tie-break
// decides which one proceeds: the side whose own nonce is lower keeps
// its attempt alive and answers the peer's request with
// ERR_TEMPORARY_FAILURE; the side whose own nonce is higher drops its
// own attempt and accepts the peer's.
func (o *Session) answerIkeRekeyRequest(m *Message, sa *protocol.SaPayload) error {
	nonce, ok := m.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if !ok {
		return protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "ike rekey request missing Nonce payload")
	}
	ke, ok := m.Payloads.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	if !ok {
		return protocol.ErrF(protocol.ERR_INVALID_KE_PAYLOAD, "ike rekey request missing KE payload")
	}

	if o.rekeyIke != nil {
		if bigger(nonce.Nonce, o.rekeyIke.tkm.Ni) {
			metrics.RekeysDeclined.WithLabelValues("ike", "simultaneous_tiebreak").Inc()
			o.replyChildSaError(m.IkeHeader.MsgId, protocol.ERR_TEMPORARY_FAILURE)
			return nil
		}
		o.rekeyIke.tkm.zeroize()
		o.rekeyIke = nil
	}

	peerSpi := protocol.Spi(sa.Proposals[0].Spi)
	localSpi := MakeSpi()

	newTkm, err := NewTkmResponder(o.suite, ke.KeyData, nonce.Nonce)
	if err != nil {
		return err
	}
	newTkm.IsaCreateRekey(o.tkm.skD, peerSpi, localSpi)

	header := &protocol.IkeHeader{
		SpiI: o.IkeSpiI, SpiR: o.IkeSpiR,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.CREATE_CHILD_SA,
		MsgId:        m.IkeHeader.MsgId,
	}
	header.Flags = header.Flags.WithResponse()
	chain := []protocol.Payload{
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: ProposalFromTransforms(protocol.IKE, o.cfg.ProposalIke, localSpi)},
		&protocol.KePayload{PayloadHeader: &protocol.PayloadHeader{}, DhTransformId: o.suite.DhGroup.TransformId(), KeyData: newTkm.DhPublic},
		protocol.NewNoncePayload(newTkm.Nr),
	}
	reply := &Message{IkeHeader: header, Payloads: protocol.Chain(chain...)}
	skA, skE := o.skOut()
	buf, err := reply.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err != nil {
		return err
	}
	o.sendResponse(buf, m.IkeHeader.MsgId)

	// We answered the request, so the peer is the new generation's
	// initiator: spiI = the peer's proposed SPI, spiR = ours.
	return o.swapIkeSa(newTkm, peerSpi, localSpi)
}

// swapIkeSa retires the outgoing IKE SA generation and installs the
// new one: an INFORMATIONAL Delete for the old SA is sent under the
// old keys before they're zeroized, then every Session field tracking
// the live IKE SA is swapped to the new generation. Message IDs
// restart at zero under a new IKE SA (RFC 7296 §2.18).
func (o *Session) swapIkeSa(newTkm *Tkm, spiI, spiR protocol.Spi) error {
	old := &IkeSa{SpiI: o.IkeSpiI, SpiR: o.IkeSpiR, Tkm: o.tkm, Suite: o.suite}
	o.sendIkeSaDelete()
	// The old generation's Delete goes out once, best-effort: its
	// response belongs to the old SA's message id space, which the
	// counter reset below abandons, so awaiting/retransmitting it would
	// only ever run the retransmit counter out and kill the new SA.
	o.disarmRetransmit()
	old.zeroize()

	o.tkm = newTkm
	o.IkeSpiI, o.IkeSpiR = spiI, spiR
	o.sendReqId, o.recvReqId = 0, 0
	o.respCache, o.respCacheId = nil, 0
	o.rekeyIke = nil
	o.armRekeyTimer()
	return nil
}

// bigger reports whether a, interpreted as an unsigned big-endian
// integer, is strictly greater than b - the comparison RFC 7296
// §2.25.1 uses to break a simultaneous rekey tie.
func bigger(a, b []byte) bool {
	return new(big.Int).SetBytes(a).Cmp(new(big.Int).SetBytes(b)) > 0
}
