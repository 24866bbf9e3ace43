package ike

import (
	"math/big"
	"net"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/oxhide/ikev2/protocol"
)

// initParams is the decoded content of one IKE_SA_INIT message: the
// payloads every handler needs plus whichever notifies it cares about,
// pulled out once so CheckInitRequest/HandleInitRequestForSession/
// HandleInitResponseForSession don't each re-walk the chain.
type initParams struct {
	spiI, spiR    protocol.Spi
	proposals     protocol.Proposals
	dhTransformId protocol.DhTransformId
	dhPublic      *big.Int
	nonce         []byte
	cookie        []byte

	natSourceIp, natDestIp []byte
}

func extractInitParams(m *Message) (*initParams, error) {
	sa, ok := m.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	if !ok {
		return nil, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "IKE_SA_INIT missing SA payload")
	}
	ke, ok := m.Payloads.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	if !ok {
		return nil, protocol.ErrF(protocol.ERR_INVALID_KE_PAYLOAD, "IKE_SA_INIT missing KE payload")
	}
	nonce, ok := m.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if !ok {
		return nil, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "IKE_SA_INIT missing Nonce payload")
	}
	p := &initParams{
		spiI:          m.IkeHeader.SpiI,
		spiR:          spiOrZero(m.IkeHeader.SpiR),
		proposals:     protocol.Proposals(sa.Proposals),
		dhTransformId: ke.DhTransformId,
		dhPublic:      ke.KeyData,
		nonce:         nonce.Nonce,
	}
	if cs := m.Payloads.GetNotifications(protocol.COOKIE); len(cs) > 0 {
		p.cookie = cs[0].Data
	}
	if ns := m.Payloads.GetNotifications(protocol.NAT_DETECTION_SOURCE_IP); len(ns) > 0 {
		p.natSourceIp = ns[0].Data
	}
	if ns := m.Payloads.GetNotifications(protocol.NAT_DETECTION_DESTINATION_IP); len(ns) > 0 {
		p.natDestIp = ns[0].Data
	}
	return p, nil
}

// spiOrZero normalises an IKE header SPI to its wire representation: an
// unassigned responder SPI decodes off the wire as 8 zero bytes (the
// header field is always present), so a not-yet-assigned SPI built
// locally must use the same 8 zero bytes rather than a nil/empty slice,
// or NAT_DETECTION_* hashes computed by the two sides diverge.
func spiOrZero(s protocol.Spi) protocol.Spi {
	if len(s) == 8 {
		return s
	}
	return make(protocol.Spi, 8)
}

// natDetectionPayloads builds this side's NAT_DETECTION_SOURCE_IP and
// NAT_DETECTION_DESTINATION_IP notifies (RFC 7296 §2.23): the source
// hash covers this session's own local address, the destination hash
// the peer's - both from the sender's own point of view, so a
// responder and an initiator build these the same way once o.socket/
// o.remoteAddr are resolved.
func (o *Session) natDetectionPayloads(spiI, spiR protocol.Spi) []protocol.Payload {
	var local net.Addr
	if o.socket != nil {
		local = o.socket.LocalAddr()
	}
	return []protocol.Payload{
		protocol.NewNotifyPayload(protocol.IKE, nil, protocol.NAT_DETECTION_SOURCE_IP, natHashOrNil(spiI, spiR, local)),
		protocol.NewNotifyPayload(protocol.IKE, nil, protocol.NAT_DETECTION_DESTINATION_IP, natHashOrNil(spiI, spiR, o.remoteAddr)),
	}
}

func natHashOrNil(spiI, spiR protocol.Spi, addr net.Addr) []byte {
	if addr == nil {
		return nil
	}
	return natHash(spiI, spiR, addr)
}

// logNatMismatch reports (debug level only) that peer's NAT detection
// hashes don't match what this side computes. This client draws no
// further behavioral distinction from NAT presence - no NAT-T port
// 4500 switchover, ESP already rides inside the non-ESP-marked UDP
// envelope transport.UDPSocket writes - so this is diagnostic only.
func (o *Session) logNatMismatch(params *initParams, peer net.Addr) {
	if params.natSourceIp == nil && params.natDestIp == nil {
		return
	}
	var local net.Addr
	if o.socket != nil {
		local = o.socket.LocalAddr()
	}
	wantSrc := natHashOrNil(params.spiI, params.spiR, peer)
	wantDst := natHashOrNil(params.spiI, params.spiR, local)
	if !bytesEqual(params.natSourceIp, wantSrc) || !bytesEqual(params.natDestIp, wantDst) {
		level.Debug(o.log).Log("msg", "NAT detected between peers", "tag", o.Tag())
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// InitFromSession builds this side's IKE_SA_INIT message: a COOKIE echo
// if the initiator is retrying a challenge, then SA/KE/Nonce and the
// two NAT detection notifies, chained with protocol.Chain so the wire
// NextPayload links don't have to be set by hand.
func InitFromSession(o *Session) *Message {
	nonce := o.tkm.Ni
	if !o.isInitiator {
		nonce = o.tkm.Nr
	}
	header := &protocol.IkeHeader{
		SpiI:         o.IkeSpiI,
		SpiR:         o.IkeSpiR,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION,
		MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.IKE_SA_INIT,
	}
	if !o.isInitiator {
		header.Flags = header.Flags.WithResponse()
	}

	var chain []protocol.Payload
	if o.isInitiator && len(o.cookie) > 0 {
		chain = append(chain, protocol.NewNotifyPayload(protocol.IKE, nil, protocol.COOKIE, o.cookie))
	}
	chain = append(chain,
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: ProposalFromTransforms(protocol.IKE, o.cfg.ProposalIke, nil)},
		&protocol.KePayload{PayloadHeader: &protocol.PayloadHeader{}, DhTransformId: o.suite.DhGroup.TransformId(), KeyData: o.tkm.DhPublic},
		protocol.NewNoncePayload(nonce),
	)
	chain = append(chain, o.natDetectionPayloads(spiOrZero(o.IkeSpiI), spiOrZero(o.IkeSpiR))...)

	return &Message{IkeHeader: header, Payloads: protocol.Chain(chain...)}
}

// errNeedsCookie signals CheckInitRequest wants a bare COOKIE challenge
// sent back instead of committing Session state to this request.
var errNeedsCookie = errors.New("cookie required")

// CheckInitRequest runs the admission checks a responder applies to an
// IKE_SA_INIT request before committing any DH/nonce state to it:
// liveness throttling (RFC 7296 §2.6), proposal acceptability and DH
// group match. Returns errNeedsCookie when the caller should reply
// with a bare COOKIE notify instead of proceeding.
func CheckInitRequest(o *Session, params *initParams) error {
	if o.cfg.ThrottleInitRequests && o.throttle != nil {
		valid := len(params.cookie) > 0 && bytesEqual(params.cookie, getCookie(params.nonce, params.spiI, o.remoteAddr))
		if !valid && !o.throttle.Allow(o.remoteAddr) {
			return errNeedsCookie
		}
	}
	if err := o.cfg.CheckProposals(protocol.IKE, params.proposals); err != nil {
		return protocol.ErrF(protocol.ERR_NO_PROPOSAL_CHOSEN, "%s", err)
	}
	if dh, ok := o.cfg.ProposalIke[protocol.TRANSFORM_TYPE_DH]; !ok || protocol.DhTransformId(dh.TransformId) != params.dhTransformId {
		return protocol.ErrF(protocol.ERR_INVALID_KE_PAYLOAD, "unacceptable dh group %s", params.dhTransformId)
	}
	return nil
}

// cookieChallengeReply builds the bare Notify(COOKIE) response RFC 7296
// §2.6 prescribes: the responder's half of the IKE header (SPIr still
// unset) plus a single COOKIE notify, no SA/KE/Nonce.
func cookieChallengeReply(spiI protocol.Spi, msgId uint32, params *initParams, remote net.Addr) []byte {
	header := &protocol.IkeHeader{
		SpiI:         spiI,
		SpiR:         make(protocol.Spi, 8),
		MajorVersion: protocol.IKEV2_MAJOR_VERSION,
		MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.IKE_SA_INIT,
		MsgId:        msgId,
	}
	header.Flags = header.Flags.WithResponse()
	cookie := getCookie(params.nonce, spiI, remote)
	reply := &Message{
		IkeHeader: header,
		Payloads:  protocol.Chain(protocol.NewNotifyPayload(protocol.IKE, nil, protocol.COOKIE, cookie)),
	}
	return reply.Encode()
}

// HandleInitRequestForSession processes a peer's IKE_SA_INIT request.
// accepted reports whether Session state was actually built: false
// means reply is a COOKIE challenge and the caller must not leave
// StateNew.
func HandleInitRequestForSession(o *Session, m *Message) (reply []byte, accepted bool, err error) {
	params, err := extractInitParams(m)
	if err != nil {
		return nil, false, err
	}
	if err := CheckInitRequest(o, params); err != nil {
		if err == errNeedsCookie {
			return cookieChallengeReply(params.spiI, m.IkeHeader.MsgId, params, m.RemoteAddr), false, nil
		}
		return nil, false, err
	}

	o.IkeSpiI = params.spiI
	o.IkeSpiR = MakeSpi()
	o.EspSpiR = MakeSpi()[:4]

	tkm, err := NewTkmResponder(o.suite, params.dhPublic, params.nonce)
	if err != nil {
		return nil, false, err
	}
	o.tkm = tkm
	o.tkm.IsaCreate(o.IkeSpiI, o.IkeSpiR)

	o.logNatMismatch(params, m.RemoteAddr)

	o.initIb = m.Raw()
	resp := InitFromSession(o)
	resp.IkeHeader.MsgId = m.IkeHeader.MsgId
	buf := resp.Encode()
	o.initRb = buf
	return buf, true, nil
}

// HandleInitResponseForSession processes the responder's IKE_SA_INIT
// reply. retry reports a bare COOKIE challenge was received: o.cookie
// is now set and a fresh IKE_SA_INIT echoing it has already been
// queued, so the caller keeps waiting in StateInitSent instead of
// advancing.
func HandleInitResponseForSession(o *Session, m *Message) (retry bool, err error) {
	if cookies := m.Payloads.GetNotifications(protocol.COOKIE); len(cookies) > 0 && m.Payloads.Get(protocol.PayloadTypeSA) == nil {
		o.cookie = cookies[0].Data
		retryMsg := InitFromSession(o)
		// The retried IKE_SA_INIT restarts the exchange at Message ID 0
		// (RFC 7296 §2.6) - the responder committed no state to the
		// challenged attempt and still expects request id 0.
		o.sendReqId = 1
		retryMsg.IkeHeader.MsgId = 0
		buf := retryMsg.Encode()
		o.initIb = buf
		o.outgoing <- buf
		o.armRetransmit(buf, 0)
		return true, nil
	}
	if len(m.Payloads.GetNotifications(protocol.NO_PROPOSAL_CHOSEN)) > 0 {
		return false, protocol.ERR_NO_PROPOSAL_CHOSEN
	}
	if len(m.Payloads.GetNotifications(protocol.INVALID_KE_PAYLOAD)) > 0 {
		return false, protocol.ERR_INVALID_KE_PAYLOAD
	}

	params, err := extractInitParams(m)
	if err != nil {
		return false, err
	}
	if len(o.IkeSpiR) == 0 {
		o.IkeSpiR = m.IkeHeader.SpiR
	}

	if err := o.tkm.DhGenerateKey(params.dhPublic); err != nil {
		return false, err
	}
	o.tkm.Nr = params.nonce
	o.tkm.IsaCreate(o.IkeSpiI, o.IkeSpiR)

	o.logNatMismatch(params, o.remoteAddr)

	o.initRb = m.Raw()
	return false, nil
}
