package ike

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"

	"github.com/oxhide/ikev2/crypto"
	"github.com/oxhide/ikev2/metrics"
	"github.com/oxhide/ikev2/platform"
	"github.com/oxhide/ikev2/protocol"
	"github.com/oxhide/ikev2/state"
)

// Child Session states and events. A ChildSa reuses state.Machine the
// same way Session does, but HandleEvent is called directly rather than
// through a channel - a Child SA doesn't run its own goroutine, it's
// driven synchronously out of the owning Session's single event loop.
const (
	ChildStateInstalling state.State = "child-installing"
	ChildStateMature     state.State = "child-mature"
	ChildStateRekeying   state.State = "child-rekeying"
	ChildStateDeleting   state.State = "child-deleting"
	ChildStateClosed     state.State = "child-closed"
)

const (
	ChildEvInstalled state.Event = "installed"
	ChildEvRekey     state.Event = "rekey"
	ChildEvRekeyed   state.Event = "rekeyed"
	ChildEvDelete    state.Event = "delete"
	ChildEvDeleted   state.Event = "deleted"
	ChildEvFail      state.Event = "fail"
)

// ChildSa is one negotiated Child SA: its own SPIs, derived ESP keys,
// traffic selectors and Create/Rekey/Delete progress, tracked apart
// from the Session that carries the IKE SA it was negotiated under -
// a rekey of one Child SA shouldn't block any other from servicing
// its own traffic.
type ChildSa struct {
	*state.Machine

	ID string

	EspSpiI, EspSpiR protocol.Spi
	proposal         protocol.Transforms
	tsI, tsR         []*protocol.Selector

	espEi, espAi, espEr, espAr []byte

	// ourNonce is this side's own Ni'/Nr' while a create/rekey exchange
	// is outstanding, kept until the peer's half arrives so KEYMAT can
	// be derived from both (RFC 7296 §2.17).
	ourNonce []byte

	// requested records whether THIS side sent the CREATE_CHILD_SA
	// request that is creating or rekeying this Child SA - distinct
	// from the IKE SA's own initiator/responder roles, which decide
	// EspSpiI/EspSpiR and the SaParams.IsInitiator direction instead.
	requested bool

	// replaces links a rekey's new Child SA to the old one it replaces,
	// so whichever side's new SA installs first knows which old one to
	// tear down once both ends have switched over.
	replaces *ChildSa

	// outboundPending marks a peer-initiated rekey's new Child SA whose
	// inbound transform is installed but whose outbound half is still
	// waiting for the peer to delete the SA it replaces.
	outboundPending bool

	reqMsgId uint32
}

func newChildSa(requested bool, proposal protocol.Transforms) *ChildSa {
	c := &ChildSa{ID: uuid.NewString(), requested: requested, proposal: proposal}
	c.Machine = state.NewMachine(ChildStateInstalling, childTransitions(c))
	return c
}

func childTransitions(c *ChildSa) []state.Transition {
	return []state.Transition{
		{Source: ChildStateInstalling, Event: ChildEvInstalled, Dest: ChildStateMature},
		{Source: ChildStateInstalling, Event: ChildEvFail, Dest: ChildStateClosed},
		{Source: ChildStateMature, Event: ChildEvRekey, Dest: ChildStateRekeying},
		{Source: ChildStateRekeying, Event: ChildEvRekeyed, Dest: ChildStateClosed},
		{Source: ChildStateRekeying, Event: ChildEvFail, Dest: ChildStateMature},
		{Source: ChildStateMature, Event: ChildEvDelete, Dest: ChildStateDeleting},
		{Source: ChildStateDeleting, Event: ChildEvDeleted, Dest: ChildStateClosed},
	}
}

// zeroize wipes this Child SA's derived ESP keys; key material must
// not outlive the SA it keyed.
func (c *ChildSa) zeroize() {
	zero(c.espEi)
	zero(c.espAi)
	zero(c.espEr)
	zero(c.espAr)
	zero(c.ourNonce)
}

// key identifies a ChildSa in Session.children: both SPIs together,
// since either side's lone SPI can collide across distinct Child SAs
// once more than one is alive.
func (c *ChildSa) key() string {
	return fmt.Sprintf("%x_%x", []byte(c.EspSpiI), []byte(c.EspSpiR))
}

// toSaParams builds the platform.SaParams an IpsecTransformInstaller
// needs to program (or remove) this Child SA. ikeSpiI/ikeSpiR/
// isInitiator/transport/lifetime all come from the owning Session -
// EncrId/AuthId are the only pieces this record can derive on its own,
// from the ESP proposal it was negotiated with.
func (c *ChildSa) toSaParams(ikeSpiI, ikeSpiR protocol.Spi, isInitiator, transport bool, lifetime time.Duration) *platform.SaParams {
	encrId, authId := transformIds(c.proposal)
	return &platform.SaParams{
		IkeSpiI: ikeSpiI, IkeSpiR: ikeSpiR,
		EspSpiI: c.EspSpiI, EspSpiR: c.EspSpiR,
		EncrId: encrId, AuthId: authId,
		EspEi: c.espEi, EspAi: c.espAi,
		EspEr: c.espEr, EspAr: c.espAr,
		IsInitiator:     isInitiator,
		IsTransportMode: transport,
		TsI:             c.tsI, TsR: c.tsR,
		Lifetime: lifetime,
	}
}

// newLocalEspSpi/setPeerEspSpi assign a Child SA's two SPI halves by
// the owning IKE SA's initiator/responder role - not by which side
// sent this particular CREATE_CHILD_SA request - matching addSa/
// removeSa's existing convention so the installer's EspSpiI/EspSpiR
// bookkeeping stays consistent across the first Child SA (negotiated
// in IKE_AUTH) and every one negotiated afterwards.
func (o *Session) newLocalEspSpi(c *ChildSa, spi protocol.Spi) {
	if o.isInitiator {
		c.EspSpiI = spi
	} else {
		c.EspSpiR = spi
	}
}

func (o *Session) setPeerEspSpi(c *ChildSa, spi protocol.Spi) {
	if o.isInitiator {
		c.EspSpiR = spi
	} else {
		c.EspSpiI = spi
	}
}

// findChildByPeerSpi looks up the Child SA whose peer-chosen SPI (the
// peer's own inbound SPI, our outbound one) matches the peer's REKEY_SA
// or Delete value - i.e. the field the peer itself considers its
// "local" SPI, which from our side is the one the IKE SA's
// initiator/responder roles put in the opposite slot.
func (o *Session) findChildByPeerSpi(spi protocol.Spi) *ChildSa {
	for _, c := range o.children {
		peer := c.EspSpiR
		if !o.isInitiator {
			peer = c.EspSpiI
		}
		if bytesEqual(peer, spi) {
			return c
		}
	}
	return nil
}

func (o *Session) childByID(id string) *ChildSa {
	for _, c := range o.children {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func childRekeyNotifySpi(m *Message) protocol.Spi {
	for _, n := range m.Payloads.GetNotifications(protocol.REKEY_SA) {
		if len(n.Spi) > 0 {
			return protocol.Spi(n.Spi)
		}
	}
	return nil
}

// buildChildCreateRequest assembles a fresh CREATE_CHILD_SA request
// proposing a brand new Child SA over tsI/tsR (RFC 7296 §1.3.1): SA,
// Nonce, then the traffic selectors - no KE payload, since this module
// never negotiates a PFS group of its own for a plain create.
func (o *Session) buildChildCreateRequest(tsI, tsR []*protocol.Selector) (*ChildSa, *Message, error) {
	child := newChildSa(true, o.cfg.ProposalEsp)
	child.tsI, child.tsR = tsI, tsR

	spi := MakeSpi()[:4]
	o.newLocalEspSpi(child, spi)

	ourNonce, err := genNonce(o.suite.Prf.PrfLen * 8)
	if err != nil {
		return nil, nil, err
	}
	child.ourNonce = ourNonce

	header := &protocol.IkeHeader{
		SpiI: o.IkeSpiI, SpiR: o.IkeSpiR,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.CREATE_CHILD_SA,
	}
	chain := []protocol.Payload{
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: ProposalFromTransforms(protocol.ESP, o.cfg.ProposalEsp, spi)},
		protocol.NewNoncePayload(ourNonce),
		protocol.NewTrafficSelectorPayload(protocol.PayloadTypeTSi, tsI...),
		protocol.NewTrafficSelectorPayload(protocol.PayloadTypeTSr, tsR...),
	}
	return child, &Message{IkeHeader: header, Payloads: protocol.Chain(chain...)}, nil
}

// buildChildRekeyRequest is buildChildCreateRequest plus a REKEY_SA
// notify naming the old Child SA's own inbound SPI (RFC 7296 §2.8) and
// carrying the old SA's traffic selectors forward unchanged.
func (o *Session) buildChildRekeyRequest(old *ChildSa) (*ChildSa, *Message, error) {
	child, msg, err := o.buildChildCreateRequest(old.tsI, old.tsR)
	if err != nil {
		return nil, nil, err
	}
	child.replaces = old

	localSpi := old.EspSpiR
	if o.isInitiator {
		localSpi = old.EspSpiI
	}
	notify := protocol.NewNotifyPayload(protocol.ESP, []byte(localSpi), protocol.REKEY_SA, nil)
	msg.Payloads = protocol.Chain(append([]protocol.Payload{notify}, msg.Payloads.Array...)...)
	return child, msg, nil
}

// sendChildRequest stamps, arms retransmission for, and sends a
// CREATE_CHILD_SA request this side originates, recording child as the
// one pending local request a Session may ever have outstanding.
func (o *Session) sendChildRequest(child *ChildSa, msg *Message) error {
	reqId := o.nextSendReqId()
	msg.IkeHeader.MsgId = reqId
	skA, skE := o.skOut()
	buf, err := msg.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err != nil {
		return err
	}
	child.reqMsgId = reqId
	o.pendingChild = child
	o.armRetransmit(buf, reqId)
	o.outgoing <- buf
	metrics.ExchangesSent.WithLabelValues("create_child_sa").Inc()
	if child.replaces != nil {
		metrics.RekeysStarted.WithLabelValues("child", "local").Inc()
	}
	return nil
}

// RequestChildCreate enqueues a fresh Child SA creation onto the Local
// Request Queue; it is dispatched once the session next goes idle.
func (o *Session) RequestChildCreate(tsI, tsR []*protocol.Selector) {
	o.scheduler.Enqueue(&LocalRequest{ID: uuid.NewString(), Kind: ReqChildCreate, TsI: tsI, TsR: tsR})
}

// RequestChildRekey enqueues a rekey of an already-installed Child SA.
func (o *Session) RequestChildRekey(childID string) {
	o.scheduler.Enqueue(&LocalRequest{ID: uuid.NewString(), Kind: ReqChildRekey, ChildID: childID})
}

// RequestChildDelete enqueues an explicit teardown of an installed
// Child SA. A rekey already queued for it is not removed; one dispatched
// after the delete has retired the Child SA finds no Child SA and does
// nothing.
func (o *Session) RequestChildDelete(childID string) {
	o.scheduler.Enqueue(&LocalRequest{ID: uuid.NewString(), Kind: ReqChildDelete, ChildID: childID})
}

// dispatchLocalRequest turns one dequeued LocalRequest into an actual
// outgoing exchange. Called only while the session is idle
// (pumpScheduler already checked), so armRetransmit/pendingChild are
// always free to claim here.
func (o *Session) dispatchLocalRequest(req *LocalRequest) {
	switch req.Kind {
	case ReqChildCreate:
		child, msg, err := o.buildChildCreateRequest(req.TsI, req.TsR)
		if err != nil {
			level.Error(o.log).Log("msg", "build child sa create failed", "tag", o.Tag(), "err", err)
			return
		}
		if err := o.sendChildRequest(child, msg); err != nil {
			level.Error(o.log).Log("msg", "send child sa create failed", "tag", o.Tag(), "err", err)
		}
	case ReqChildRekey:
		old := o.childByID(req.ChildID)
		if old == nil {
			return
		}
		child, msg, err := o.buildChildRekeyRequest(old)
		if err != nil {
			level.Error(o.log).Log("msg", "build child sa rekey failed", "tag", o.Tag(), "err", err)
			return
		}
		if err := o.sendChildRequest(child, msg); err != nil {
			level.Error(o.log).Log("msg", "send child sa rekey failed", "tag", o.Tag(), "err", err)
		}
	case ReqChildDelete:
		old := o.childByID(req.ChildID)
		if old == nil {
			return
		}
		o.retireChildSa(old, true)
	case ReqIkeRekey:
		evt := o.RekeyIkeLocal()
		if evt.Event != "" {
			o.PostEvent(evt)
		}
	case ReqInfo:
		o.SendEmptyInformational()
	}
}

// installChild programs sa's derived keys into the installer and
// fires the add-sa callback, the Child SA equivalent of InstallSa.
// dir selects which transform half to program; the gauge counts a
// Child SA once, on the call that first makes it live (never on the
// deferred outbound half).
func (o *Session) installChild(child *ChildSa, dir platform.SaDirection) error {
	sa := child.toSaParams(o.IkeSpiI, o.IkeSpiR, o.isInitiator, o.cfg.IsTransportMode, o.cfg.SoftLifetime)
	if o.installer != nil {
		if err := o.installer.InstallChildSa(sa, dir); err != nil {
			return err
		}
	}
	if o.onAddSaCallback != nil {
		if err := o.onAddSaCallback(sa); err != nil {
			level.Error(o.log).Log("msg", "add child sa callback failed", "tag", o.Tag(), "err", err)
		}
	}
	if dir != platform.SaDirectionOutbound {
		metrics.ChildSasActive.Inc()
	}
	return nil
}

// finalizeChildInstall marks child Mature, records it in o.children,
// arms its own rekey timer, and - if this install is completing a
// rekey this side requested - retires the Child SA it replaces,
// telling the peer so with a Delete naming the old SA: that Delete is
// what releases the peer's deferred outbound transform for the new SA
// (RFC 7296 §2.8).
func (o *Session) finalizeChildInstall(child *ChildSa, old *ChildSa) {
	child.HandleEvent(state.StateEvent{Event: ChildEvInstalled})
	if o.children == nil {
		o.children = make(map[string]*ChildSa)
	}
	o.children[child.key()] = child
	o.armChildRekeyTimer(child)
	if old != nil {
		metrics.RekeysCompleted.WithLabelValues("child").Inc()
		o.retireChildSa(old, child.requested)
	}
}

// completeDeferredOutbound finishes a peer-initiated rekey once the
// peer has deleted the Child SA it replaced: the successor's outbound
// transform can now be programmed without racing traffic onto an SA
// the peer no longer accepts.
func (o *Session) completeDeferredOutbound(old *ChildSa) {
	for _, c := range o.children {
		if c.replaces != old || !c.outboundPending {
			continue
		}
		c.outboundPending = false
		c.replaces = nil
		if err := o.installChild(c, platform.SaDirectionOutbound); err != nil {
			level.Error(o.log).Log("msg", "install outbound child sa failed", "tag", o.Tag(), "err", err)
		}
		c.HandleEvent(state.StateEvent{Event: ChildEvInstalled})
		o.armChildRekeyTimer(c)
		metrics.RekeysCompleted.WithLabelValues("child").Inc()
	}
}

// retireChildSa removes child's installed state, zeroizes its keys,
// and - if notifyPeer - tells the peer so via an INFORMATIONAL Delete
// naming its ESP SPI (RFC 7296 §1.4.1). A rekey's superseded old Child
// SA is retired with notifyPeer set on the side that requested the
// rekey (that Delete releases the peer's deferred outbound half), and
// without it on the answering side, which retires the old SA when that
// Delete arrives.
func (o *Session) retireChildSa(child *ChildSa, notifyPeer bool) {
	child.HandleEvent(state.StateEvent{Event: ChildEvDelete})
	delete(o.children, child.key())

	sa := child.toSaParams(o.IkeSpiI, o.IkeSpiR, o.isInitiator, o.cfg.IsTransportMode, 0)
	if o.installer != nil {
		if err := o.installer.RemoveChildSa(sa); err != nil {
			level.Error(o.log).Log("msg", "remove child sa failed", "tag", o.Tag(), "err", err)
		}
	}
	if o.onRemoveSaCallback != nil {
		if err := o.onRemoveSaCallback(sa); err != nil {
			level.Error(o.log).Log("msg", "remove child sa callback failed", "tag", o.Tag(), "err", err)
		}
	}
	sa.Zeroize()
	child.zeroize()
	child.HandleEvent(state.StateEvent{Event: ChildEvDeleted})
	metrics.ChildSasActive.Dec()

	if notifyPeer {
		o.sendChildDelete(child)
	}
}

// sendChildDelete originates a fresh INFORMATIONAL request carrying a
// Delete(ESP, ourSpi) payload - the Child SA teardown path, distinct
// from DeleteFromSession which always names the IKE SA itself.
func (o *Session) sendChildDelete(child *ChildSa) {
	ourSpi := child.EspSpiR
	if o.isInitiator {
		ourSpi = child.EspSpiI
	}
	del := protocol.NewDeletePayload(protocol.ESP, protocol.Spi(ourSpi))
	msg := &Message{IkeHeader: informationalHeader(o), Payloads: protocol.Chain(del)}
	reqId := o.nextSendReqId()
	msg.IkeHeader.MsgId = reqId
	skA, skE := o.skOut()
	buf, err := msg.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err != nil {
		level.Error(o.log).Log("msg", "encode child sa delete failed", "tag", o.Tag(), "err", err)
		return
	}
	o.armRetransmit(buf, reqId)
	o.outgoing <- buf
}

// armChildRekeyTimer schedules child's soft-lifetime rekey the way
// armRekeyTimer does for the Session's own IKE SA lifetime, but feeds
// o.childRekeyDue instead of a single shared timer field since more
// than one Child SA can be alive at once.
func (o *Session) armChildRekeyTimer(child *ChildSa) {
	if o.cfg.SoftLifetime <= 0 {
		return
	}
	id := child.ID
	o.exec.Go(func() {
		select {
		case <-o.clock.After(o.cfg.SoftLifetime):
		case <-o.ctx.Done():
			return
		}
		select {
		case o.childRekeyDue <- id:
		case <-o.ctx.Done():
		}
	})
}

// handleCreateChildSaMessage is the top-level CREATE_CHILD_SA dispatch:
// decrypt, then branch on whether the negotiated protocol is IKE
// itself (an IKE SA rekey, ike_rekey.go) or ESP (a Child SA create or
// rekey), and on request vs response.
func handleCreateChildSaMessage(o *Session, m *Message) state.StateEvent {
	skA, skE := o.skIn()
	if err := m.DecryptPayloads(o.ikeCipherSuite(), skA, skE); err != nil {
		level.Error(o.log).Log("msg", "drop create_child_sa", "tag", o.Tag(), "err", err)
		return state.StateEvent{}
	}
	sa, ok := m.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	if !ok || len(sa.Proposals) == 0 {
		level.Error(o.log).Log("msg", "create_child_sa missing sa payload", "tag", o.Tag())
		return state.StateEvent{}
	}
	if sa.Proposals[0].ProtocolId == protocol.IKE {
		return handleIkeRekeyMessage(o, m, sa)
	}
	return handleChildSaMessage(o, m, sa)
}

func handleChildSaMessage(o *Session, m *Message, sa *protocol.SaPayload) state.StateEvent {
	if m.IkeHeader.Flags.IsResponse() {
		if o.pendingChild == nil {
			level.Warn(o.log).Log("msg", "unexpected create_child_sa response", "tag", o.Tag())
			return state.StateEvent{}
		}
		pending := o.pendingChild
		o.pendingChild = nil
		if notifs := m.Payloads.GetNotifications(protocol.NO_ADDITIONAL_SAS); len(notifs) > 0 {
			level.Warn(o.log).Log("msg", "peer declined child sa", "tag", o.Tag())
			metrics.RekeysDeclined.WithLabelValues("child", "no_additional_sas").Inc()
			pending.HandleEvent(state.StateEvent{Event: ChildEvFail})
			return state.StateEvent{}
		}
		if err := o.finishChildSa(m, sa, pending); err != nil {
			level.Error(o.log).Log("msg", "child sa negotiation failed", "tag", o.Tag(), "err", err)
		}
		return state.StateEvent{}
	}

	reply, err := o.answerChildSaRequest(m, sa)
	if err != nil {
		level.Warn(o.log).Log("msg", "declining child sa request", "tag", o.Tag(), "err", err)
		o.recvReqId++
		o.replyChildSaError(m.IkeHeader.MsgId, protocol.ERR_NO_ADDITIONAL_SAS)
		return state.StateEvent{}
	}
	o.recvReqId++
	o.sendResponse(reply, m.IkeHeader.MsgId)
	return state.StateEvent{}
}

// answerChildSaRequest handles a peer-originated CREATE_CHILD_SA
// request: a plain create, or - if a REKEY_SA notify names an existing
// Child SA - a rekey of it.
func (o *Session) answerChildSaRequest(m *Message, sa *protocol.SaPayload) ([]byte, error) {
	nonce, ok := m.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if !ok {
		return nil, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "CREATE_CHILD_SA missing Nonce payload")
	}
	peerSpi := protocol.Spi(sa.Proposals[0].Spi)

	var old *ChildSa
	if rekeySpi := childRekeyNotifySpi(m); rekeySpi != nil {
		old = o.findChildByPeerSpi(rekeySpi)
		if old == nil {
			return nil, protocol.ErrF(protocol.ERR_CHILD_SA_NOT_FOUND, "rekey of unknown child sa spi %x", []byte(rekeySpi))
		}
	}

	var tsI, tsR []*protocol.Selector
	if tsiP, ok := m.Payloads.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload); ok {
		tsI = tsiP.Selectors
	}
	if tsrP, ok := m.Payloads.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload); ok {
		tsR = tsrP.Selectors
	}
	if old != nil {
		if len(tsI) == 0 {
			tsI = old.tsI
		}
		if len(tsR) == 0 {
			tsR = old.tsR
		}
	}

	child := newChildSa(false, o.cfg.ProposalEsp)
	child.tsI, child.tsR = tsI, tsR
	child.replaces = old

	ourSpi := MakeSpi()[:4]
	o.newLocalEspSpi(child, ourSpi)
	o.setPeerEspSpi(child, peerSpi)

	ourNonce, err := genNonce(o.suite.Prf.PrfLen * 8)
	if err != nil {
		return nil, err
	}

	childSuite, err := crypto.NewCipherSuite(o.cfg.ProposalEsp)
	if err != nil {
		return nil, err
	}
	requesterNonce, responderNonce := nonce.Nonce, ourNonce
	espEi, espAi, espEr, espAr := o.tkm.IpsecSaCreateWithNonces(childSuite, nil, requesterNonce, responderNonce)
	child.espEi, child.espAi, child.espEr, child.espAr = espEi, espAi, espEr, espAr

	if old != nil {
		// Peer-initiated rekey: bring up only the inbound half now. The
		// outbound half waits until the peer deletes the SA being
		// replaced - switching our sends over any earlier could land
		// traffic on an SA the peer has already torn down.
		if err := o.installChild(child, platform.SaDirectionInbound); err != nil {
			return nil, err
		}
		child.outboundPending = true
		if o.children == nil {
			o.children = make(map[string]*ChildSa)
		}
		o.children[child.key()] = child
		metrics.RekeysStarted.WithLabelValues("child", "remote").Inc()
	} else {
		if err := o.installChild(child, platform.SaDirectionBoth); err != nil {
			return nil, err
		}
		o.finalizeChildInstall(child, nil)
	}

	header := &protocol.IkeHeader{
		SpiI: o.IkeSpiI, SpiR: o.IkeSpiR,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.CREATE_CHILD_SA,
	}
	header.Flags = header.Flags.WithResponse()
	header.MsgId = m.IkeHeader.MsgId
	chain := []protocol.Payload{
		&protocol.SaPayload{PayloadHeader: &protocol.PayloadHeader{}, Proposals: ProposalFromTransforms(protocol.ESP, o.cfg.ProposalEsp, ourSpi)},
		protocol.NewNoncePayload(ourNonce),
		protocol.NewTrafficSelectorPayload(protocol.PayloadTypeTSi, tsI...),
		protocol.NewTrafficSelectorPayload(protocol.PayloadTypeTSr, tsR...),
	}
	reply := &Message{IkeHeader: header, Payloads: protocol.Chain(chain...)}
	skA, skE := o.skOut()
	return reply.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
}

// finishChildSa completes a create/rekey this side itself requested,
// once the peer's response arrives: pull its SPI/nonce/selectors,
// derive keys and install.
func (o *Session) finishChildSa(m *Message, sa *protocol.SaPayload, pending *ChildSa) error {
	nonce, ok := m.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if !ok {
		return protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "CREATE_CHILD_SA response missing Nonce payload")
	}
	peerSpi := protocol.Spi(sa.Proposals[0].Spi)
	o.setPeerEspSpi(pending, peerSpi)

	if tsiP, ok := m.Payloads.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload); ok && len(tsiP.Selectors) > 0 {
		pending.tsI = tsiP.Selectors
	}
	if tsrP, ok := m.Payloads.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload); ok && len(tsrP.Selectors) > 0 {
		pending.tsR = tsrP.Selectors
	}

	childSuite, err := crypto.NewCipherSuite(o.cfg.ProposalEsp)
	if err != nil {
		return err
	}
	espEi, espAi, espEr, espAr := o.tkm.IpsecSaCreateWithNonces(childSuite, nil, pending.ourNonce, nonce.Nonce)
	pending.espEi, pending.espAi, pending.espEr, pending.espAr = espEi, espAi, espEr, espAr

	if err := o.installChild(pending, platform.SaDirectionBoth); err != nil {
		return err
	}
	o.finalizeChildInstall(pending, pending.replaces)
	return nil
}

// replyChildSaError answers a declined CREATE_CHILD_SA request with a
// bare error notify under the same exchange, echoing the request's
// Message ID (RFC 7296 §3.10.1: an unacceptable request is still
// answered, not silently dropped).
func (o *Session) replyChildSaError(msgId uint32, code protocol.IkeErrorCode) {
	header := &protocol.IkeHeader{
		SpiI: o.IkeSpiI, SpiR: o.IkeSpiR,
		MajorVersion: protocol.IKEV2_MAJOR_VERSION, MinorVersion: protocol.IKEV2_MINOR_VERSION,
		ExchangeType: protocol.CREATE_CHILD_SA,
		MsgId:        msgId,
	}
	header.Flags = header.Flags.WithResponse()
	notify := protocol.NewNotifyPayload(protocol.IKE, nil, protocol.NotificationType(code), nil)
	reply := &Message{IkeHeader: header, Payloads: protocol.Chain(notify)}
	skA, skE := o.skOut()
	buf, err := reply.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err != nil {
		o.sendMsg(buf, err)
		return
	}
	o.sendResponse(buf, msgId)
}
