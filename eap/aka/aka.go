// Package aka implements the EAP-AKA (RFC 4187) and EAP-AKA' (RFC 5448)
// peer method: the Challenge/Identity/Notification subtypes, AT_MAC
// calculation and verification, and the CK/IK/CK'/IK' key derivation
// that yields MSK/EMSK for eap.Session.
package aka

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"hash"

	"github.com/pkg/errors"

	"github.com/oxhide/ikev2/eap"
	"github.com/oxhide/ikev2/eap/attr"
	"github.com/oxhide/ikev2/platform"
)

// Subtypes (RFC 4187 §11).
const (
	subtypeChallenge              = 1
	subtypeAuthenticationReject   = 2
	subtypeSynchronizationFailure = 4
	subtypeIdentity               = 5
	subtypeNotification           = 12
	subtypeReauthentication       = 13
	subtypeClientError            = 14
)

// Attribute types this method produces or consumes (RFC 4187 §10,
// RFC 5448 §3.2).
const (
	atRand            = 1
	atAutn            = 2
	atRes             = 3
	atAuts            = 4
	atMac             = 11
	atNotification    = 12
	atIdentity        = 14
	atClientErrorCode = 22
	atKdfInput        = 23
	atKdf             = 24
)

// Method implements eap.Method for EAP-AKA/AKA'. Create one per
// session with NewMethod.
type Method struct {
	ctx      context.Context
	identity string
	prime    bool
	netName  string
	provider platform.SimAuthProvider

	kaut      []byte
	msk, emsk []byte
}

// NewMethod builds an AKA (prime=false) or AKA' (prime=true) method
// that answers Challenge requests using vectors from provider. netName
// is the access network identity AKA' mixes into CK'/IK' derivation
// (RFC 5448 §3.1); ignored when prime is false.
func NewMethod(ctx context.Context, identity string, prime bool, netName string, provider platform.SimAuthProvider) *Method {
	return &Method{ctx: ctx, identity: identity, prime: prime, netName: netName, provider: provider}
}

func (m *Method) Type() eap.Type {
	if m.prime {
		return eap.TypeAKAPrime
	}
	return eap.TypeAKA
}

// HandleRequest dispatches subtypeAndAttrs (the Request's TypeData,
// Type octet already stripped by eap.Session) by its EAP-AKA subtype.
func (m *Method) HandleRequest(identifier uint8, subtypeAndAttrs []byte) ([]byte, bool, []byte, []byte, error) {
	if len(subtypeAndAttrs) < 3 {
		return nil, false, nil, nil, errors.New("aka: truncated method header")
	}
	subtype := subtypeAndAttrs[0]
	attrs, err := attr.Decode(subtypeAndAttrs[3:])
	if err != nil {
		return nil, false, nil, nil, errors.Wrap(err, "aka: decode attributes")
	}

	switch subtype {
	case subtypeChallenge:
		return m.handleChallenge(identifier, attrs)
	case subtypeIdentity:
		return m.plainResponse(identifier, subtypeIdentity, identityAttr(m.identity)), false, nil, nil, nil
	case subtypeNotification:
		return m.plainResponse(identifier, subtypeNotification), false, nil, nil, nil
	default:
		// Synchronization-Failure (needs an AUTS resync vector the
		// provider interface has no way to hand back) and
		// Reauthentication (needs a stored fast-reauth key hierarchy
		// this method never establishes) aren't modeled; answer with
		// Client-Error rather than silently drop the exchange.
		return m.plainResponse(identifier, subtypeClientError, clientErrorAttr(0)), false, nil, nil, nil
	}
}

func (m *Method) handleChallenge(identifier uint8, attrs []attr.Attribute) ([]byte, bool, []byte, []byte, error) {
	randAttr, ok := attr.Find(attrs, atRand)
	if !ok || len(randAttr.Value) != 18 { // 2 reserved bytes + 16-byte RAND
		return nil, false, nil, nil, errors.New("aka: challenge missing AT_RAND")
	}
	if _, ok := attr.Find(attrs, atAutn); !ok {
		return nil, false, nil, nil, errors.New("aka: challenge missing AT_AUTN")
	}

	vector, err := m.provider.AkaVectors(m.ctx, m.identity)
	if err != nil {
		return nil, false, nil, nil, errors.Wrap(err, "aka: fetch vector")
	}

	var kaut, msk, emsk []byte
	if m.prime {
		ckPrime, ikPrime := DeriveCKIKPrime(vector.Ck, vector.Ik, m.netName)
		keys := DerivePrimeKeys(m.identity, ckPrime, ikPrime)
		kaut, msk, emsk = keys.Kaut, keys.MSK, keys.EMSK
	} else {
		keys := DeriveKeys(m.identity, vector.Ck, vector.Ik)
		kaut, msk, emsk = keys.Kaut, keys.MSK, keys.EMSK
	}
	m.kaut, m.msk, m.emsk = kaut, msk, emsk

	body := methodBody(subtypeChallenge, resAttr(vector.Res), zeroMacAttr())
	signed, err := m.sign(identifier, body)
	if err != nil {
		return nil, false, nil, nil, err
	}
	return signed, true, msk, emsk, nil
}

// plainResponse builds a response carrying no MAC (used before Kaut
// exists: Identity and Notification answers, and the Client-Error
// fallback).
func (m *Method) plainResponse(identifier uint8, subtype uint8, attrs ...attr.Attribute) []byte {
	return methodBody(subtype, attrs...)
}

// methodBody assembles the Subtype+reserved+attributes section that
// follows the Type octet eap.Session already stripped.
func methodBody(subtype uint8, attrs ...attr.Attribute) []byte {
	body := []byte{subtype, 0, 0}
	for _, a := range attrs {
		enc, err := attr.Marshal(a.Type, a.Value)
		if err != nil {
			continue
		}
		body = append(body, enc...)
	}
	return body
}

// sign encodes the full outgoing EAP packet (Code/Identifier/Length/
// Type/body, with AT_MAC zeroed) and computes the MAC over it per
// RFC 4187 §10.15, writing the result back into the AT_MAC attribute
// and returning the signed method body.
func (m *Method) sign(identifier uint8, body []byte) ([]byte, error) {
	pkt := &eap.Packet{Code: eap.CodeResponse, Identifier: identifier, Type: m.Type(), TypeData: body}
	full := pkt.Encode()

	macOff := findAttrOffset(body[3:], atMac)
	if macOff < 0 {
		return nil, errors.New("aka: response has no AT_MAC to sign")
	}
	// full = Code(1) Identifier(1) Length(2) Type(1) Subtype(1) reserved(2)
	// attrs..., so the MAC's 16-byte value sits at
	// 5 (outer header) + 3 (subtype+reserved) + macOff (into attrs) + 2
	// (attribute type+length) + 2 (AT_MAC's own reserved bytes).
	valueOff := 5 + 3 + macOff + 2 + 2

	mac, err := m.mac(full)
	if err != nil {
		return nil, err
	}
	copy(full[valueOff:valueOff+16], mac)
	return full[5:], nil
}

// VerifyMAC checks the AT_MAC carried in an incoming EAP Request that
// included a MAC (e.g. a second Challenge retried after a lost
// response), using the Kaut this method derived.
func (m *Method) VerifyMAC(pkt *eap.Packet) (bool, error) {
	full := pkt.Encode()
	body := full[5:]
	if len(body) < 3 {
		return false, errors.New("aka: response body too short")
	}
	macOff := findAttrOffset(body[3:], atMac)
	if macOff < 0 || macOff+20 > len(body[3:]) {
		return false, errors.New("aka: no AT_MAC present")
	}
	valueOff := 5 + 3 + macOff + 2 + 2
	received := append([]byte(nil), full[valueOff:valueOff+16]...)
	for i := 0; i < 16; i++ {
		full[valueOff+i] = 0
	}

	expected, err := m.mac(full)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(received, expected) == 1, nil
}

func findAttrOffset(attrs []byte, typ uint8) int {
	for off := 0; off+2 <= len(attrs); {
		length := int(attrs[off+1]) * 4
		if length == 0 {
			return -1
		}
		if attrs[off] == typ {
			return off
		}
		off += length
	}
	return -1
}

func (m *Method) mac(data []byte) ([]byte, error) {
	var h hash.Hash
	if m.prime {
		h = hmac.New(sha256.New, m.kaut)
	} else {
		h = hmac.New(sha1.New, m.kaut)
	}
	h.Write(data)
	sum := h.Sum(nil)
	if len(sum) < 16 {
		return nil, errors.New("aka: mac too short")
	}
	return sum[:16], nil
}

func zeroMacAttr() attr.Attribute {
	return attr.Attribute{Type: atMac, Value: make([]byte, 18)}
}

func resAttr(res []byte) attr.Attribute {
	v := make([]byte, 2+len(res))
	binary.BigEndian.PutUint16(v[0:2], uint16(len(res)*8))
	copy(v[2:], res)
	return attr.Attribute{Type: atRes, Value: v}
}

func identityAttr(identity string) attr.Attribute {
	id := []byte(identity)
	v := make([]byte, 2+len(id))
	binary.BigEndian.PutUint16(v[0:2], uint16(len(id)))
	copy(v[2:], id)
	return attr.Attribute{Type: atIdentity, Value: v}
}

func clientErrorAttr(code uint16) attr.Attribute {
	v := make([]byte, 2)
	binary.BigEndian.PutUint16(v, code)
	return attr.Attribute{Type: atClientErrorCode, Value: v}
}
