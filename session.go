package ike

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/oxhide/ikev2/crypto"
	"github.com/oxhide/ikev2/eap"
	"github.com/oxhide/ikev2/internal/ratelimit"
	"github.com/oxhide/ikev2/metrics"
	"github.com/oxhide/ikev2/platform"
	"github.com/oxhide/ikev2/protocol"
	"github.com/oxhide/ikev2/state"
)

// Session states and events.
const (
	StateNew      state.State = "new"
	StateInitSent state.State = "init-sent"
	StateAuthSent state.State = "auth-sent"
	StateMature   state.State = "mature"
	StateClosing  state.State = "closing"
	StateClosed   state.State = "closed"
)

const (
	EvStart       state.Event = "start"
	EvMsgInit     state.Event = "msg-init"
	EvMsgAuth     state.Event = "msg-auth"
	EvMsgChildSa  state.Event = "msg-child-sa"
	EvSuccess     state.Event = "success"
	EvFail        state.Event = "fail"
	EvInitFail    state.Event = "init-fail"
	EvAuthFail    state.Event = "auth-fail"
	EvDeleteIkeSa state.Event = "delete-ike-sa"
	EvFinished    state.Event = "finished"

	// EvRestart bounces a responder back to StateNew after it has issued
	// a COOKIE challenge: the transition table's static Dest would
	// otherwise leave the session sitting in StateAuthSent without ever
	// having built real IKE SA state, so the cookie-demand action
	// reports this instead of EvSuccess and a dedicated transition sends
	// it straight back to await the initiator's retried IKE_SA_INIT.
	EvRestart state.Event = "restart"
)

// SaCallback is how a Session reports a Child SA install/remove to its
// owner.
type SaCallback func(sa *platform.SaParams) error

// Session drives one IKE SA's exchange, from IKE_SA_INIT through
// IKE_AUTH to the mature, rekeyable state: a channel-fed Run loop over
// a state.Machine, with all platform access going through the
// DatagramSocket/Clock/Executor/IpsecTransformInstaller collaborators
// so the protocol logic stays testable without sockets or kernels.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	*state.Machine

	log       log.Logger
	isClosing bool

	cfg *Config

	socket    platform.DatagramSocket
	clock     platform.Clock
	exec      platform.Executor
	installer platform.IpsecTransformInstaller

	tkm                   *Tkm
	suite                 *crypto.CipherSuite
	authLocal, authRemote Authenticator

	// cookie is the responder-issued COOKIE value an initiator must
	// echo back on its retried IKE_SA_INIT (RFC 7296 §2.6); empty until
	// a cookie challenge is received.
	cookie []byte

	isInitiator      bool
	IkeSpiI, IkeSpiR protocol.Spi
	EspSpiI, EspSpiR protocol.Spi

	// sendReqId is the next Message ID this side will use for a request
	// it originates; recvReqId is the next Message ID expected on an
	// incoming request from the peer. Each side tracks both
	// independently (RFC 7296 §2.2) - a response is validated against
	// sendReqId-1 (the most recently sent request), never recvReqId.
	sendReqId, recvReqId uint32

	remoteAddr net.Addr

	incoming chan *Message
	outgoing chan []byte

	// raw wire bytes of both side's IKE_SA_INIT message, needed as the
	// "real message" component of AUTH's signed octets.
	initIb, initRb []byte

	onAddSaCallback, onRemoveSaCallback SaCallback

	// throttle gates a responder's admission of fresh IKE_SA_INIT
	// requests (RFC 7296 §2.6); nil unless the caller supplied one via
	// SessionDeps, and consulted only when cfg.ThrottleInitRequests is set.
	throttle *ratelimit.Throttle

	// pendingBuf/pendingReqId/retransmitCount track the one
	// self-originated request this side is waiting on a response for -
	// IKE exchanges are strictly lock-step (RFC 7296 §2.3), so only one
	// request is ever outstanding at a time. retransmitTimer is read by
	// Run's select and re-armed on every send/resend.
	pendingBuf      []byte
	pendingReqId    uint32
	retransmitCount int
	retransmitTimer <-chan time.Time

	rekeyTimer      <-chan time.Time
	keepaliveTimer  <-chan time.Time

	// respCache holds the encoded bytes of the last response sent to a
	// peer-originated request, so a duplicate of that request (our
	// response lost in flight) is answered with identical bytes rather
	// than dropped or, worse, re-handled (RFC 7296 §2.1).
	respCache   []byte
	respCacheId uint32

	// children holds every Child SA negotiated under this IKE SA,
	// including the one InstallSa creates straight out of IKE_AUTH, keyed by
	// ChildSa.key(). pendingChild is the one CREATE_CHILD_SA request this
	// side has outstanding, mirroring pendingBuf's "at most one in
	// flight" invariant at the Child SA layer. childRekeyDue carries a
	// Child SA's ID once its own soft lifetime timer (armChildRekeyTimer)
	// fires.
	children      map[string]*ChildSa
	pendingChild  *ChildSa
	childRekeyDue chan string

	// scheduler is the Local Request Queue: fresh Child SA creates,
	// rekeys, deletes and liveness probes this side wants to originate,
	// dispatched one at a time whenever the session goes idle.
	scheduler *Scheduler

	// rekeyIke tracks this side's own outstanding IKE SA rekey attempt,
	// if any (RekeyIkeLocal); needed to resolve a simultaneous rekey
	// against the peer's own concurrent attempt (RFC 7296 §2.25.1).
	rekeyIke *ikeRekeyState

	// EAP sub-exchange state (RFC 7296 §2.16), only ever populated on
	// the initiator side - see eap_auth.go.
	eapSession      *eap.Session
	eapPendingFrame []byte
	eapDone         bool
	eapFailed       bool
	eapMsk, eapEmsk []byte
}

// SessionDeps bundles the collaborators every constructor needs, to
// keep NewInitiator/NewResponder from growing an ever-longer parameter
// list as platform grows more abstractions.
type SessionDeps struct {
	Socket    platform.DatagramSocket
	Installer platform.IpsecTransformInstaller
	Clock     platform.Clock
	Exec      platform.Executor
	Logger    log.Logger
	Throttle  *ratelimit.Throttle
}

func (d SessionDeps) withDefaults() SessionDeps {
	if d.Clock == nil {
		d.Clock = platform.SystemClock{}
	}
	if d.Exec == nil {
		d.Exec = platform.GoroutineExecutor{}
	}
	if d.Logger == nil {
		d.Logger = log.NewNopLogger()
	}
	return d
}

// NewInitiator creates a Session that sends the first IKE_SA_INIT
// request.
func NewInitiator(parent context.Context, cfg *Config, remote net.Addr, deps SessionDeps) (*Session, error) {
	deps = deps.withDefaults()
	suite, err := crypto.NewCipherSuite(cfg.ProposalIke)
	if err != nil {
		return nil, err
	}
	tkm, err := NewTkmInitiator(suite)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	o := &Session{
		ctx: ctx, cancel: cancel,
		log:         deps.Logger,
		cfg:         cfg,
		socket:      deps.Socket,
		installer:   deps.Installer,
		clock:       deps.Clock,
		exec:        deps.Exec,
		isInitiator: true,
		tkm:         tkm,
		suite:       suite,
		IkeSpiI:     MakeSpi(),
		EspSpiI:     MakeSpi()[:4],
		remoteAddr:  remote,
		incoming:    make(chan *Message, 10),
		outgoing:    make(chan []byte, 10),
		children:      make(map[string]*ChildSa),
		childRekeyDue: make(chan string, 4),
		scheduler:     NewScheduler(deps.Clock, deps.Exec),
	}
	o.authLocal = NewPresharedKeyAuthenticator(cfg.LocalID, cfg.Psk)
	o.authRemote = NewPresharedKeyAuthenticator(cfg.RemoteID, cfg.Psk)
	o.Machine = state.NewMachine(StateNew, initiatorTransitions(o))
	o.PostEvent(state.StateEvent{Event: EvStart})
	return o, nil
}

// NewResponder creates a Session that waits for the peer's first
// IKE_SA_INIT request.
func NewResponder(parent context.Context, cfg *Config, remote net.Addr, deps SessionDeps) (*Session, error) {
	deps = deps.withDefaults()
	suite, err := crypto.NewCipherSuite(cfg.ProposalIke)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	o := &Session{
		ctx: ctx, cancel: cancel,
		log:        deps.Logger,
		cfg:        cfg,
		socket:     deps.Socket,
		installer:  deps.Installer,
		clock:      deps.Clock,
		exec:       deps.Exec,
		suite:      suite,
		remoteAddr: remote,
		incoming:   make(chan *Message, 10),
		outgoing:   make(chan []byte, 10),
		throttle:   deps.Throttle,
		children:      make(map[string]*ChildSa),
		childRekeyDue: make(chan string, 4),
		scheduler:     NewScheduler(deps.Clock, deps.Exec),
	}
	o.authLocal = NewPresharedKeyAuthenticator(cfg.LocalID, cfg.Psk)
	o.authRemote = NewPresharedKeyAuthenticator(cfg.RemoteID, cfg.Psk)
	o.Machine = state.NewMachine(StateNew, responderTransitions(o))
	return o, nil
}

// initiatorTransitions wires the states an initiating Session moves
// through; responderTransitions the mirror for an accepting one. The
// post-AUTH lifecycle is identical on both sides and lives in
// commonTransitions.
func initiatorTransitions(o *Session) []state.Transition {
	return append([]state.Transition{
		{Source: StateNew, Event: EvStart, Dest: StateInitSent, Action: func(interface{}) state.StateEvent { return o.SendInit() }},
		{Source: StateInitSent, Event: EvMsgInit, Dest: StateInitSent, Action: o.HandleIkeSaInit},
		{Source: StateInitSent, Event: EvSuccess, Dest: StateAuthSent, Action: func(interface{}) state.StateEvent { return o.SendAuth() }},
		{Source: StateInitSent, Event: EvInitFail, Dest: StateClosed, Action: o.logFailAndClose},
	}, commonTransitions(o)...)
}

func responderTransitions(o *Session) []state.Transition {
	return append([]state.Transition{
		{Source: StateNew, Event: EvMsgInit, Dest: StateAuthSent, Action: o.HandleIkeSaInit},
		{Source: StateNew, Event: EvInitFail, Dest: StateClosed, Action: o.logFailAndClose},
		{Source: StateAuthSent, Event: EvRestart, Dest: StateNew, Action: nil},
	}, commonTransitions(o)...)
}

func commonTransitions(o *Session) []state.Transition {
	return []state.Transition{
		{Source: StateAuthSent, Event: EvMsgAuth, Dest: StateAuthSent, Action: o.HandleIkeAuth},
		{Source: StateAuthSent, Event: EvSuccess, Dest: StateMature, Action: func(interface{}) state.StateEvent { return o.InstallSa() }},
		{Source: StateAuthSent, Event: EvAuthFail, Dest: StateClosed, Action: o.logFailAndClose},
		// SendAuth's Dest is already StateAuthSent by the time an encode
		// failure can report EvFail (it's the action for the
		// StateInitSent->StateAuthSent transition).
		{Source: StateAuthSent, Event: EvFail, Dest: StateClosed, Action: o.logFailAndClose},
		// InstallSa's Dest is already StateMature by the time it can
		// report EvFail (the transition above fixes Dest independently
		// of the action's return), so the failure transition lives here
		// rather than on StateAuthSent.
		{Source: StateMature, Event: EvFail, Dest: StateClosed, Action: o.logFailAndClose},
		{Source: StateMature, Event: EvMsgChildSa, Dest: StateMature, Action: o.HandleCreateChildSa},
		{Source: StateMature, Event: EvDeleteIkeSa, Dest: StateClosing, Action: func(interface{}) state.StateEvent { return o.RemoveSa() }},
		{Source: StateClosing, Event: EvFinished, Dest: StateClosed, Action: o.Finished},
		{Source: StateClosed, Event: EvFinished, Dest: StateClosed, Action: o.Finished},
	}
}

func (o *Session) logFailAndClose(data interface{}) state.StateEvent {
	level.Error(o.log).Log("msg", "session failed", "tag", o.Tag(), "err", fmt.Sprint(data))
	return o.Finished(data)
}

// Housekeeping

func (o *Session) Tag() string {
	return fmt.Sprintf("%x<=>%x", []byte(o.IkeSpiI), []byte(o.IkeSpiR))
}

func (o *Session) AddSaHandlers(onAddSa, onRemoveSa SaCallback) {
	o.onAddSaCallback = onAddSa
	o.onRemoveSaCallback = onRemoveSa
}

// Run is the Session's event loop: it drains outgoing writes, dispatches
// incoming messages into state-machine events, and processes whatever
// the state machine itself posts (chained actions, timeouts).
func (o *Session) Run() {
	for {
		select {
		case reply, ok := <-o.outgoing:
			if !ok {
				continue
			}
			if err := o.socket.WritePacket(reply, o.remoteAddr); err != nil {
				o.Close(err)
			}
		case msg, ok := <-o.incoming:
			if !ok {
				continue
			}
			if err := o.isMessageValid(msg); err != nil {
				level.Warn(o.log).Log("msg", "drop message", "tag", o.Tag(), "err", err)
				continue
			}
			if msg.IkeHeader.Flags.IsResponse() {
				o.disarmRetransmit()
			}
			if evt := o.handleMessage(msg); evt != nil {
				o.PostEvent(*evt)
			}
		case evt, ok := <-o.Events():
			if !ok {
				continue
			}
			o.HandleEvent(evt)
		case <-o.retransmitTimer:
			o.onRetransmitTimeout()
		case <-o.rekeyTimer:
			o.onSoftLifetimeExpired()
		case <-o.keepaliveTimer:
			o.onKeepaliveTimer()
		case id := <-o.childRekeyDue:
			if child := o.childByID(id); child != nil {
				o.scheduler.Enqueue(&LocalRequest{ID: child.ID + "-rekey", Kind: ReqChildRekey, ChildID: child.ID})
			}
		case <-o.scheduler.Ready():
			o.pumpScheduler()
		case <-o.ctx.Done():
			return
		}
		o.pumpScheduler()
	}
}

// pumpScheduler dequeues and dispatches the next Local Request, but
// only while the session is idle: Mature, and with no self-originated
// request already outstanding (pendingBuf/pendingChild/rekeyIke all
// nil). CREATE_CHILD_SA and INFORMATIONAL exchanges are as strictly
// lock-step as IKE_SA_INIT/IKE_AUTH (RFC 7296 §2.3).
func (o *Session) pumpScheduler() {
	if o.State() != StateMature || o.pendingBuf != nil || o.pendingChild != nil || o.rekeyIke != nil {
		return
	}
	req, ok := o.scheduler.Dequeue()
	if !ok {
		return
	}
	o.dispatchLocalRequest(req)
}

// PostMessage hands a decoded-but-maybe-still-encrypted Message to the
// session's event loop. The sequence-number/SPI checks run there, not
// here: sendReqId/recvReqId and the response cache all belong to Run's
// goroutine, and a reader thread has no business touching them.
func (o *Session) PostMessage(m *Message) {
	select {
	case o.incoming <- m:
	case <-o.ctx.Done():
	}
}

func (o *Session) handleMessage(msg *Message) *state.StateEvent {
	switch msg.IkeHeader.ExchangeType {
	case protocol.IKE_SA_INIT:
		return &state.StateEvent{Event: EvMsgInit, Data: msg}
	case protocol.IKE_AUTH:
		return &state.StateEvent{Event: EvMsgAuth, Data: msg}
	case protocol.CREATE_CHILD_SA:
		return &state.StateEvent{Event: EvMsgChildSa, Data: msg}
	case protocol.INFORMATIONAL:
		return HandleInformationalForSession(o, msg)
	}
	return nil
}

func (o *Session) sendMsg(buf []byte, err error) state.StateEvent {
	if err != nil {
		level.Error(o.log).Log("msg", "encode failed", "tag", o.Tag(), "err", err)
		return state.StateEvent{Event: EvFail, Data: err}
	}
	o.outgoing <- buf
	return state.StateEvent{}
}

// nextSendReqId returns the Message ID to stamp on a new outgoing
// request this side originates, and advances the counter past it.
func (o *Session) nextSendReqId() uint32 {
	id := o.sendReqId
	o.sendReqId++
	return id
}

// sendResponse queues an encoded response to a peer-originated request
// and caches it, so a retransmitted copy of that request (our response
// lost in flight) gets the identical bytes back instead of silence.
func (o *Session) sendResponse(buf []byte, msgId uint32) {
	o.respCache = buf
	o.respCacheId = msgId
	o.outgoing <- buf
}

// Close begins a graceful shutdown. Only a mature session has a real
// IKE SA worth telling the peer about; a failure before then (a
// retransmit timeout while still negotiating, a write error on the
// very first packet) has nothing to delete and instead routes through
// whichever fail event its current state actually has a transition
// for, so the state machine still reaches StateClosed instead of
// silently dropping an event nothing in the table matches.
func (o *Session) Close(err error) {
	if o.isClosing {
		return
	}
	o.isClosing = true
	level.Info(o.log).Log("msg", "closing session", "tag", o.Tag(), "err", fmt.Sprint(err))
	switch o.State() {
	case StateMature:
		o.sendIkeSaDelete()
		o.PostEvent(state.StateEvent{Event: EvDeleteIkeSa, Data: err})
	case StateInitSent:
		o.PostEvent(state.StateEvent{Event: EvInitFail, Data: err})
	case StateAuthSent:
		o.PostEvent(state.StateEvent{Event: EvAuthFail, Data: err})
	default:
		o.CloseEvents()
		o.cancel()
	}
}

// Finished is the action run on entering StateClosed: while outgoing
// writes are still queued it re-posts EvFinished, and once they have
// drained it zeroizes the keys, closes the event channel and cancels
// the session's context.
func (o *Session) Finished(data interface{}) state.StateEvent {
	if len(o.outgoing) > 0 {
		return state.StateEvent{Event: EvFinished, Data: data}
	}
	o.disarmRetransmit()
	o.rekeyTimer = nil
	if o.tkm != nil {
		o.tkm.zeroize()
	}
	if o.rekeyIke != nil {
		o.rekeyIke.tkm.zeroize()
	}
	reason := "deleted"
	if _, isErr := data.(error); isErr {
		reason = "error"
	}
	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	// incoming/outgoing are left open: a reader goroutine can still be
	// mid-PostMessage and a state action mid-sendMsg when the session
	// winds down, and a send on a closed channel panics where a send
	// into an abandoned buffered channel is harmless. Run exits through
	// ctx.Done and the channels go with the Session.
	o.CloseEvents()
	o.cancel()
	return state.StateEvent{}
}

// SendInit is the StateNew->StateInitSent action for an initiator: it
// builds and sends the first IKE_SA_INIT request.
func (o *Session) SendInit() state.StateEvent {
	init := InitFromSession(o)
	reqId := o.nextSendReqId()
	init.IkeHeader.MsgId = reqId
	buf := init.Encode()
	o.initIb = buf
	o.outgoing <- buf
	o.armRetransmit(buf, reqId)
	metrics.ExchangesSent.WithLabelValues("ike_sa_init").Inc()
	return state.StateEvent{}
}

// SendAuth is the StateInitSent->StateAuthSent action: IKE_SA_INIT
// succeeded, send IKE_AUTH.
func (o *Session) SendAuth() state.StateEvent {
	if o.cfg.TsI == nil || o.cfg.TsR == nil {
		return state.StateEvent{Event: EvAuthFail, Data: protocol.ERR_NO_PROPOSAL_CHOSEN}
	}
	auth, err := AuthFromSession(o)
	if err != nil {
		return state.StateEvent{Event: EvAuthFail, Data: err}
	}
	reqId := o.nextSendReqId()
	auth.IkeHeader.MsgId = reqId
	skA, skE := o.skOut()
	buf, err := auth.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err == nil {
		o.armRetransmit(buf, reqId)
		metrics.ExchangesSent.WithLabelValues("ike_auth").Inc()
	}
	return o.sendMsg(buf, err)
}

// skOut/skIn thread the directional SK keys from tkm into the 2-value
// shape EncodeEncrypted/DecryptPayloads want.
func (o *Session) skOut() (skA, skE []byte) { return o.tkm.SkOut() }
func (o *Session) skIn() (skA, skE []byte)  { return o.tkm.SkIn() }

func (o *Session) ikeCipherSuite() *crypto.CipherSuite {
	return o.suite
}

// InstallSa is the StateAuthSent->StateMature action.
func (o *Session) InstallSa() state.StateEvent {
	sa, err := addSa(o.tkm, o.IkeSpiI, o.IkeSpiR, o.EspSpiI, o.EspSpiR, o.cfg, o.isInitiator)
	if err != nil {
		return state.StateEvent{Event: EvFail, Data: err}
	}
	if o.installer != nil {
		if err := o.installer.InstallChildSa(sa, platform.SaDirectionBoth); err != nil {
			level.Error(o.log).Log("msg", "install child sa failed", "tag", o.Tag(), "err", err)
		}
	}
	if o.onAddSaCallback != nil {
		if err := o.onAddSaCallback(sa); err != nil {
			level.Error(o.log).Log("msg", "add sa callback failed", "tag", o.Tag(), "err", err)
		}
	}

	// Register the first Child SA negotiated in IKE_AUTH alongside any
	// later negotiated over CREATE_CHILD_SA, so it can be found and
	// rekeyed/deleted the same way.
	first := newChildSa(o.isInitiator, o.cfg.ProposalEsp)
	first.EspSpiI, first.EspSpiR = o.EspSpiI, o.EspSpiR
	first.tsI, first.tsR = o.cfg.TsI, o.cfg.TsR
	first.espEi, first.espAi, first.espEr, first.espAr = sa.EspEi, sa.EspAi, sa.EspEr, sa.EspAr
	first.HandleEvent(state.StateEvent{Event: ChildEvInstalled})
	o.children[first.key()] = first
	o.armChildRekeyTimer(first)

	o.armRekeyTimer()
	o.armKeepaliveTimer()
	return state.StateEvent{}
}

// RemoveSa is the StateMature->StateClosing action. Tearing down the
// IKE SA takes every Child SA negotiated under it down too (RFC 7296
// §1.4.1) - each one's derived keys are zeroized on the way out (spec
// §5/§9), not just the one negotiated directly in IKE_AUTH.
func (o *Session) RemoveSa() state.StateEvent {
	sa := removeSa(o.IkeSpiI, o.IkeSpiR, o.EspSpiI, o.EspSpiR, o.cfg, o.isInitiator)
	if o.installer != nil {
		if err := o.installer.RemoveChildSa(sa); err != nil {
			level.Error(o.log).Log("msg", "remove child sa failed", "tag", o.Tag(), "err", err)
		}
	}
	if o.onRemoveSaCallback != nil {
		if err := o.onRemoveSaCallback(sa); err != nil {
			level.Error(o.log).Log("msg", "remove sa callback failed", "tag", o.Tag(), "err", err)
		}
	}
	sa.Zeroize()

	for key, child := range o.children {
		childSa := child.toSaParams(o.IkeSpiI, o.IkeSpiR, o.isInitiator, o.cfg.IsTransportMode, 0)
		if o.installer != nil {
			if err := o.installer.RemoveChildSa(childSa); err != nil {
				level.Error(o.log).Log("msg", "remove child sa failed", "tag", o.Tag(), "err", err)
			}
		}
		childSa.Zeroize()
		child.zeroize()
		delete(o.children, key)
	}

	return state.StateEvent{Event: EvFinished}
}

// HandleIkeSaInit processes an IKE_SA_INIT message (request or
// response, depending on o.isInitiator) and reports success/failure
// back to the state machine.
func (o *Session) HandleIkeSaInit(data interface{}) state.StateEvent {
	m := data.(*Message)
	if o.isInitiator {
		retry, err := HandleInitResponseForSession(o, m)
		if err != nil {
			return state.StateEvent{Event: EvInitFail, Data: err}
		}
		if retry {
			// the response was a bare COOKIE challenge; o.cookie is now
			// set and a fresh IKE_SA_INIT carrying it back has already
			// been queued. Stay in StateInitSent for the real response.
			return state.StateEvent{}
		}
		return state.StateEvent{Event: EvSuccess}
	}
	reply, accepted, err := HandleInitRequestForSession(o, m)
	if err != nil {
		return state.StateEvent{Event: EvInitFail, Data: err}
	}
	o.sendResponse(reply, m.IkeHeader.MsgId)
	if !accepted {
		// a COOKIE challenge was sent instead of a real IKE_SA_INIT
		// response; the Message ID stays put and the session waits in
		// StateNew for the initiator's retry.
		return state.StateEvent{Event: EvRestart}
	}
	o.recvReqId++
	return state.StateEvent{Event: EvSuccess}
}

// HandleIkeAuth processes an IKE_AUTH message.
func (o *Session) HandleIkeAuth(data interface{}) state.StateEvent {
	m := data.(*Message)
	skA, skE := o.skIn()
	if err := m.DecryptPayloads(o.ikeCipherSuite(), skA, skE); err != nil {
		return state.StateEvent{Event: EvAuthFail, Data: err}
	}
	if o.isInitiator {
		if o.cfg.UseEap && m.Payloads.Get(protocol.PayloadTypeEAP) != nil {
			reply, err := o.handleEapRequest(m)
			if err != nil {
				return state.StateEvent{Event: EvAuthFail, Data: err}
			}
			reqId := o.nextSendReqId()
			reply.IkeHeader.MsgId = reqId
			skA, skE := o.skOut()
			buf, err := reply.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
			if err != nil {
				return state.StateEvent{Event: EvAuthFail, Data: err}
			}
			o.armRetransmit(buf, reqId)
			o.outgoing <- buf
			if o.eapFailed {
				return state.StateEvent{Event: EvAuthFail, Data: protocol.ERR_AUTHENTICATION_FAILED}
			}
			// Still mid-EAP, or the final AUTH-bearing request was just
			// sent; either way stay in StateAuthSent for the matching
			// response.
			return state.StateEvent{}
		}
		if err := HandleAuthResponseForSession(o, m); err != nil {
			return state.StateEvent{Event: EvAuthFail, Data: err}
		}
		return state.StateEvent{Event: EvSuccess}
	}
	reply, err := HandleAuthRequestForSession(o, m)
	if err != nil {
		return state.StateEvent{Event: EvAuthFail, Data: err}
	}
	o.sendResponse(reply, m.IkeHeader.MsgId)
	o.recvReqId++
	return state.StateEvent{Event: EvSuccess}
}

// HandleCreateChildSa processes a CREATE_CHILD_SA message: a fresh
// Child SA create, a Child SA rekey, or an IKE SA rekey (all three
// share this exchange type per RFC 7296 §1.3/§1.3.2/§1.3.3). Delivered
// entirely through handleCreateChildSaMessage so the FSM table itself
// never has to know which of the three it is.
func (o *Session) HandleCreateChildSa(data interface{}) state.StateEvent {
	m := data.(*Message)
	return handleCreateChildSaMessage(o, m)
}

// utilities

func (o *Session) Notify(ie protocol.IkeErrorCode) {
	info := NotifyFromSession(o, ie)
	info.IkeHeader.MsgId = o.nextSendReqId()
	skA, skE := o.skOut()
	buf, err := info.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	o.sendMsg(buf, err)
}

func (o *Session) sendIkeSaDelete() {
	info := DeleteFromSession(o)
	reqId := o.nextSendReqId()
	info.IkeHeader.MsgId = reqId
	skA, skE := o.skOut()
	buf, err := info.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err == nil {
		o.armRetransmit(buf, reqId)
		metrics.ExchangesSent.WithLabelValues("informational").Inc()
	}
	o.sendMsg(buf, err)
}

// SendEmptyInformational originates a fresh empty INFORMATIONAL request,
// used for periodic keepalive/liveness checks. Replies to a peer's own
// INFORMATIONAL request are built by HandleInformationalForSession
// instead, which must echo the incoming Message ID rather than draw a
// new one.
func (o *Session) SendEmptyInformational() {
	info := EmptyFromSession(o)
	reqId := o.nextSendReqId()
	info.IkeHeader.MsgId = reqId
	skA, skE := o.skOut()
	buf, err := info.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	if err == nil {
		o.armRetransmit(buf, reqId)
		metrics.ExchangesSent.WithLabelValues("informational").Inc()
	}
	o.sendMsg(buf, err)
}

func (o *Session) AddHostBasedSelectors(local, remote net.IP) {
	slen := len(local) * 8
	ini, res := remote, local
	if o.isInitiator {
		ini, res = local, remote
	}
	o.cfg.AddSelector(
		&net.IPNet{IP: ini, Mask: net.CIDRMask(slen, slen)},
		&net.IPNet{IP: res, Mask: net.CIDRMask(slen, slen)})
}

func (o *Session) isMessageValid(m *Message) error {
	if len(o.IkeSpiI) > 0 && !bytes.Equal(m.IkeHeader.SpiI, o.IkeSpiI) {
		return fmt.Errorf("unexpected initiator spi %x", []byte(m.IkeHeader.SpiI))
	}
	seq := m.IkeHeader.MsgId
	if m.IkeHeader.Flags.IsResponse() {
		if o.sendReqId == 0 || seq != o.sendReqId-1 {
			return fmt.Errorf("unexpected response id %d", seq)
		}
		return nil
	}
	// A request bearing the id of the last one handled means our
	// response got lost: resend it verbatim without advancing any state
	// (RFC 7296 §2.1). Anything else out of window is dropped.
	if o.recvReqId > 0 && seq == o.recvReqId-1 && o.respCacheId == seq && len(o.respCache) > 0 {
		o.outgoing <- o.respCache
		return fmt.Errorf("duplicate request id %d, resent cached response", seq)
	}
	if seq != o.recvReqId {
		return fmt.Errorf("unexpected request id %d, expected %d", seq, o.recvReqId)
	}
	return nil
}
