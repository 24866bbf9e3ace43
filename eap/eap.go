package eap

import (
	"github.com/pkg/errors"
)

// State is the EAP peer session's place in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateIdentity
	StateMethod
	StateSuccess
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateIdentity:
		return "Identity"
	case StateMethod:
		return "Method"
	case StateSuccess:
		return "Success"
	case StateFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// ErrInvalidRequest is reported through Callbacks.OnError when an
// incoming packet doesn't fit the current state: a Request/NAK (NAK is
// a response-only type), a bare Response/Notification (nothing this
// side sent prompts an unsolicited response), or a method frame
// received before a method has been selected.
var ErrInvalidRequest = errors.New("eap: invalid request for current state")

// Callbacks receives everything a Session produces: a frame to send
// back to the peer, the derived keys once EAP-Success lands, a bare
// failure notice, or an out-of-band error that doesn't change protocol
// state on its own.
type Callbacks interface {
	OnResponse(frame []byte)
	OnSuccess(msk, emsk []byte)
	OnFailure()
	OnError(err error)
}

// Method is implemented by a concrete EAP method (eap/aka, eap/sim).
// HandleRequest consumes one method Request's TypeData and returns the
// TypeData for the Response to send back. done is true once the
// method's own exchange has concluded and msk/emsk are ready, at which
// point the Session still waits for the outer EAP-Success/Failure
// frame before surfacing them (RFC 3748 §4: methods don't issue their
// own Success/Failure).
type Method interface {
	Type() Type
	HandleRequest(identifier uint8, subtypeAndAttrs []byte) (responseData []byte, done bool, msk, emsk []byte, err error)
}

// MethodFactory builds the Method this session should run for t, or
// reports that t isn't supported (the session answers with a NAK
// listing Supported instead).
type MethodFactory func(t Type) (Method, error)

// Session is one EAP peer exchange, created when IKE_AUTH requires EAP
// and destroyed once EAP-Success yields MSK/EMSK or EAP-Failure
// arrives.
type Session struct {
	identity  string
	supported []Type
	newMethod MethodFactory
	cb        Callbacks

	state  State
	method Method

	msk, emsk []byte
}

// NewSession creates an EAP peer session that will identify itself as
// identity and accept any method type in supported, built via
// newMethod.
func NewSession(identity string, supported []Type, newMethod MethodFactory, cb Callbacks) *Session {
	return &Session{
		identity:  identity,
		supported: supported,
		newMethod: newMethod,
		cb:        cb,
		state:     StateCreated,
	}
}

func (s *Session) State() State { return s.state }

// HandlePacket feeds one inbound EAP frame (already pulled out of an
// IKE_AUTH exchange) through the state machine.
func (s *Session) HandlePacket(pkt *Packet) {
	switch s.state {
	case StateCreated:
		s.handleCreated(pkt)
	case StateIdentity:
		s.handleIdentity(pkt)
	case StateMethod:
		s.handleMethod(pkt)
	default:
		s.cb.OnError(errors.Errorf("eap: packet received in terminal state %s", s.state))
	}
}

func (s *Session) handleCreated(pkt *Packet) {
	switch {
	case pkt.Code == CodeRequest && pkt.Type == TypeIdentity:
		s.respondIdentity(pkt.Identifier)
		s.state = StateIdentity
	case pkt.Code == CodeRequest && pkt.Type == TypeNotification:
		s.respondNotification(pkt.Identifier)
		// stays Created: a notification may legitimately precede identity.
	case pkt.Code == CodeRequest && (pkt.Type == TypeSIM || pkt.Type == TypeAKA || pkt.Type == TypeAKAPrime):
		// An authenticator that already knows the peer identity may open
		// with the method Request directly, skipping Identity (RFC 4186
		// §4.1 / RFC 4187 §4.1.1).
		m, err := s.newMethod(pkt.Type)
		if err != nil {
			s.respondNak(pkt.Identifier)
			return
		}
		s.method = m
		s.state = StateMethod
		s.handleMethod(pkt)
	default:
		s.cb.OnError(ErrInvalidRequest)
	}
}

func (s *Session) handleIdentity(pkt *Packet) {
	if pkt.Code != CodeRequest {
		s.cb.OnError(ErrInvalidRequest)
		return
	}
	if pkt.Type == TypeNotification {
		s.respondNotification(pkt.Identifier)
		return
	}

	m, err := s.newMethod(pkt.Type)
	if err != nil {
		s.respondNak(pkt.Identifier)
		return
	}
	s.method = m
	s.state = StateMethod
	s.handleMethod(pkt)
}

func (s *Session) handleMethod(pkt *Packet) {
	switch pkt.Code {
	case CodeSuccess:
		if s.msk == nil {
			s.cb.OnError(errors.New("eap: EAP-Success before method produced keys"))
			return
		}
		s.state = StateSuccess
		s.cb.OnSuccess(s.msk, s.emsk)
		return
	case CodeFailure:
		s.state = StateFailure
		s.cb.OnFailure()
		return
	case CodeRequest:
		// fall through
	default:
		s.cb.OnError(ErrInvalidRequest)
		return
	}
	if pkt.Type != s.method.Type() {
		s.cb.OnError(ErrInvalidRequest)
		return
	}

	data, done, msk, emsk, err := s.method.HandleRequest(pkt.Identifier, pkt.TypeData)
	if err != nil {
		s.cb.OnError(err)
		return
	}
	reply := &Packet{Code: CodeResponse, Identifier: pkt.Identifier, Type: pkt.Type, TypeData: data}
	s.cb.OnResponse(reply.Encode())
	if done {
		s.msk, s.emsk = msk, emsk
	}
}

func (s *Session) respondIdentity(id uint8) {
	reply := &Packet{Code: CodeResponse, Identifier: id, Type: TypeIdentity, TypeData: []byte(s.identity)}
	s.cb.OnResponse(reply.Encode())
}

func (s *Session) respondNotification(id uint8) {
	reply := &Packet{Code: CodeResponse, Identifier: id, Type: TypeNotification}
	s.cb.OnResponse(reply.Encode())
}

func (s *Session) respondNak(id uint8) {
	data := make([]byte, len(s.supported))
	for i, t := range s.supported {
		data[i] = uint8(t)
	}
	reply := &Packet{Code: CodeResponse, Identifier: id, Type: TypeNak, TypeData: data}
	s.cb.OnResponse(reply.Encode())
}
