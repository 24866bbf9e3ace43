package ike

import (
	"crypto/hmac"

	"github.com/oxhide/ikev2/protocol"
)

// Identity names one endpoint of an IKE SA for the IDi/IDr payloads.
type Identity struct {
	IdType protocol.IdType
	Data   []byte
}

// Authenticator signs and verifies the AUTH payload for one side of
// the exchange. PSK is the only method this client negotiates, so
// there is a single implementation rather than a certificate/signature
// variant.
type Authenticator interface {
	IdPayload(which protocol.PayloadType) *protocol.IdPayload
	Sign(tkm *Tkm, signedOctets []byte, id *protocol.IdPayload, forInitiator bool) []byte
	Verify(tkm *Tkm, signedOctets []byte, id *protocol.IdPayload, forInitiator bool, auth *protocol.AuthPayload) error
}

// PresharedKeyAuthenticator implements Authenticator using
// SHARED_KEY_MESSAGE_INTEGRITY_CODE (RFC 7296 §2.15).
type PresharedKeyAuthenticator struct {
	identity *Identity
	psk      []byte
}

func NewPresharedKeyAuthenticator(id *Identity, psk []byte) *PresharedKeyAuthenticator {
	return &PresharedKeyAuthenticator{identity: id, psk: psk}
}

func (a *PresharedKeyAuthenticator) IdPayload(which protocol.PayloadType) *protocol.IdPayload {
	return protocol.NewIdPayload(which, a.identity.IdType, a.identity.Data)
}

func (a *PresharedKeyAuthenticator) Sign(tkm *Tkm, signedOctets []byte, id *protocol.IdPayload, forInitiator bool) []byte {
	return tkm.Auth(signedOctets, id, a.psk, forInitiator)
}

func (a *PresharedKeyAuthenticator) Verify(tkm *Tkm, signedOctets []byte, id *protocol.IdPayload, forInitiator bool, auth *protocol.AuthPayload) error {
	if auth.Method != protocol.SHARED_KEY_MESSAGE_INTEGRITY_CODE {
		return protocol.ErrF(protocol.ERR_AUTHENTICATION_FAILED, "unsupported auth method %d", auth.Method)
	}
	expected := tkm.Auth(signedOctets, id, a.psk, forInitiator)
	if !hmac.Equal(expected, auth.Data) {
		return protocol.ErrF(protocol.ERR_AUTHENTICATION_FAILED, "AUTH payload mismatch")
	}
	return nil
}
