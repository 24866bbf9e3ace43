package ike

import (
	"github.com/oxhide/ikev2/protocol"
)

// localIdType is the payload type this side's own identity goes under:
// IDi for the initiator, IDr for the responder.
func (o *Session) localIdType() protocol.PayloadType {
	if o.isInitiator {
		return protocol.PayloadTypeIDi
	}
	return protocol.PayloadTypeIDr
}

// peerIdType is the payload type the peer's identity arrives under.
func (o *Session) peerIdType() protocol.PayloadType {
	if o.isInitiator {
		return protocol.PayloadTypeIDr
	}
	return protocol.PayloadTypeIDi
}

// localSignedOctets is the "real message | peer nonce" half of the
// AUTH input this side computes over (RFC 7296 §2.15): the initiator
// signs over its own IKE_SA_INIT request and the responder's nonce;
// the responder signs over its own IKE_SA_INIT response and the
// initiator's nonce.
func (o *Session) localSignedOctets() []byte {
	if o.isInitiator {
		return concat(o.initIb, o.tkm.Nr)
	}
	return concat(o.initRb, o.tkm.Ni)
}

// peerSignedOctets is the same construction but over the message and
// nonce this side must verify the peer's AUTH against.
func (o *Session) peerSignedOctets() []byte {
	if o.isInitiator {
		return concat(o.initRb, o.tkm.Ni)
	}
	return concat(o.initIb, o.tkm.Nr)
}

func extractEspSpi(m *Message) (protocol.Spi, error) {
	sa, ok := m.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	if !ok || len(sa.Proposals) == 0 {
		return nil, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "IKE_AUTH missing SA payload")
	}
	return protocol.Spi(sa.Proposals[0].Spi), nil
}

// AuthFromSession builds this side's IKE_AUTH message: IDx, AUTH,
// SAi2/SAr2 (the ESP proposal) and the traffic selectors, in the order
// RFC 7296 §1.2 diagrams.
func AuthFromSession(o *Session) (*Message, error) {
	header := &protocol.IkeHeader{
		SpiI:         o.IkeSpiI,
		SpiR:         o.IkeSpiR,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION,
		MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.IKE_AUTH,
	}
	if !o.isInitiator {
		header.Flags = header.Flags.WithResponse()
	}

	localId := o.authLocal.IdPayload(o.localIdType())

	// In EAP mode the initiator's first IKE_AUTH request carries only
	// its identity; AUTH and the Child SA proposal/selectors are
	// withheld until the EAP sub-exchange reports success (RFC 7296
	// §2.16) - eap_auth.go's handleEapRequest calls back into this
	// function a second time, once o.eapDone, to build the real one.
	if o.cfg.UseEap && o.isInitiator && !o.eapDone {
		return &Message{IkeHeader: header, Payloads: protocol.Chain(localId)}, nil
	}
	authData := o.authLocal.Sign(o.tkm, o.localSignedOctets(), localId, o.isInitiator)

	espSpi := o.EspSpiI
	if !o.isInitiator {
		espSpi = o.EspSpiR
	}

	chain := []protocol.Payload{
		localId,
		protocol.NewAuthPayload(protocol.SHARED_KEY_MESSAGE_INTEGRITY_CODE, authData),
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: ProposalFromTransforms(protocol.ESP, o.cfg.ProposalEsp, espSpi)},
		protocol.NewTrafficSelectorPayload(protocol.PayloadTypeTSi, o.cfg.TsI...),
		protocol.NewTrafficSelectorPayload(protocol.PayloadTypeTSr, o.cfg.TsR...),
	}
	return &Message{IkeHeader: header, Payloads: protocol.Chain(chain...)}, nil
}

// verifyAuth pulls the peer's IDx/AUTH payloads out of m and checks
// AUTH against this side's pre-shared key.
func (o *Session) verifyAuth(m *Message) error {
	peerId, ok := m.Payloads.Get(o.peerIdType()).(*protocol.IdPayload)
	if !ok {
		return protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "IKE_AUTH missing peer identity payload")
	}
	auth, ok := m.Payloads.Get(protocol.PayloadTypeAUTH).(*protocol.AuthPayload)
	if !ok {
		return protocol.ErrF(protocol.ERR_AUTHENTICATION_FAILED, "IKE_AUTH missing AUTH payload")
	}
	return o.authRemote.Verify(o.tkm, o.peerSignedOctets(), peerId, !o.isInitiator, auth)
}

// HandleAuthRequestForSession processes the initiator's IKE_AUTH
// request (already decrypted by HandleIkeAuth) and returns the
// encrypted IKE_AUTH response to send.
func HandleAuthRequestForSession(o *Session, m *Message) ([]byte, error) {
	if err := o.verifyAuth(m); err != nil {
		return nil, err
	}
	if err := o.cfg.CheckFromAuth(m); err != nil {
		return nil, protocol.ErrF(protocol.ERR_TS_UNACCEPTABLE, "%s", err)
	}
	espSpiI, err := extractEspSpi(m)
	if err != nil {
		return nil, err
	}
	o.EspSpiI = espSpiI

	reply, err := AuthFromSession(o)
	if err != nil {
		return nil, err
	}
	reply.IkeHeader.MsgId = m.IkeHeader.MsgId
	skA, skE := o.skOut()
	return reply.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
}

// HandleAuthResponseForSession processes the responder's IKE_AUTH
// response (already decrypted by HandleIkeAuth).
func HandleAuthResponseForSession(o *Session, m *Message) error {
	if err := o.verifyAuth(m); err != nil {
		return err
	}
	if err := o.cfg.CheckFromAuth(m); err != nil {
		return protocol.ErrF(protocol.ERR_TS_UNACCEPTABLE, "%s", err)
	}
	espSpiR, err := extractEspSpi(m)
	if err != nil {
		return err
	}
	o.EspSpiR = espSpiR
	return nil
}
