// Package sim implements the EAP-SIM (RFC 4186) peer method: the
// Start/Challenge subtypes, AT_MAC calculation, and the GSM-triplet
// key derivation that yields MSK/EMSK for eap.Session.
package sim

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/oxhide/ikev2/eap"
	"github.com/oxhide/ikev2/eap/attr"
	"github.com/oxhide/ikev2/platform"
)

// Subtypes (RFC 4186 §9).
const (
	subtypeStart            = 10
	subtypeChallenge        = 11
	subtypeNotification     = 12
	subtypeReauthentication = 13
	subtypeClientError      = 14
)

// Attribute types (RFC 4186 §10).
const (
	atRand            = 1
	atMac             = 11
	atNotification    = 12
	atIdentity        = 14
	atVersionList     = 15
	atSelectedVersion = 16
	atNonceMt         = 7
)

const selectedVersion = 1

// Keys is the EAP-SIM key hierarchy (RFC 4186 §7). Derived the same
// way as EAP-AKA's - SHA1 Master Key, FIPS-186-2 PRF split into
// K_encr/K_aut/MSK/EMSK - but keyed from n GSM triplets' Kc/SRES
// instead of a single CK/IK pair.
type Keys struct {
	Kencr []byte
	Kaut  []byte
	MSK   []byte
	EMSK  []byte
}

// DeriveKeys derives the EAP-SIM key hierarchy from identity and the n
// GSM triplets the peer authenticated with: MK = SHA1(identity |
// Kc_1..n | SRES_1..n), then 160 bytes of PRF(MK, 0) split exactly as
// EAP-AKA's DeriveKeys.
func DeriveKeys(identity string, vectors []platform.SimVector) Keys {
	h := sha1.New()
	h.Write([]byte(identity))
	for _, v := range vectors {
		h.Write(v.Kc)
	}
	for _, v := range vectors {
		h.Write(v.Sres)
	}
	mk := h.Sum(nil)

	block := prfGenSIM(mk, []byte{0x00}, 160)
	return Keys{
		Kencr: block[0:16],
		Kaut:  block[16:32],
		MSK:   block[32:96],
		EMSK:  block[96:160],
	}
}

func prfGenSIM(key, seed []byte, outputLen int) []byte {
	h := sha1.New()
	h.Write(key)
	h.Write(seed)
	current := h.Sum(nil)
	output := append([]byte(nil), current...)
	for len(output) < outputLen {
		h.Reset()
		h.Write(key)
		h.Write(current)
		current = h.Sum(nil)
		output = append(output, current...)
	}
	return output[:outputLen]
}

// Method implements eap.Method for EAP-SIM.
type Method struct {
	ctx      context.Context
	identity string
	nTriplet int
	provider platform.SimAuthProvider

	nonceMt   []byte
	kaut      []byte
	msk, emsk []byte
}

// NewMethod builds an EAP-SIM method requesting nTriplet GSM triplets
// (RFC 4186 §7 requires at least two) from provider.
func NewMethod(ctx context.Context, identity string, nTriplet int, provider platform.SimAuthProvider) *Method {
	if nTriplet < 2 {
		nTriplet = 2
	}
	return &Method{ctx: ctx, identity: identity, nTriplet: nTriplet, provider: provider}
}

func (m *Method) Type() eap.Type { return eap.TypeSIM }

func (m *Method) HandleRequest(identifier uint8, subtypeAndAttrs []byte) ([]byte, bool, []byte, []byte, error) {
	if len(subtypeAndAttrs) < 3 {
		return nil, false, nil, nil, errors.New("sim: truncated method header")
	}
	subtype := subtypeAndAttrs[0]
	attrs, err := attr.Decode(subtypeAndAttrs[3:])
	if err != nil {
		return nil, false, nil, nil, errors.Wrap(err, "sim: decode attributes")
	}

	switch subtype {
	case subtypeStart:
		return m.handleStart(), false, nil, nil, nil
	case subtypeChallenge:
		return m.handleChallenge(identifier, attrs)
	case subtypeNotification:
		return methodBody(subtypeNotification), false, nil, nil, nil
	default:
		// Re-authentication needs a stored fast-reauth identity/counter
		// this method never establishes; answer Client-Error instead.
		return methodBody(subtypeClientError, clientErrorAttr(0)), false, nil, nil, nil
	}
}

func (m *Method) handleStart() []byte {
	m.nonceMt = make([]byte, 16)
	_, _ = rand.Read(m.nonceMt)

	return methodBody(subtypeStart,
		attr.Attribute{Type: atIdentity, Value: identityValue(m.identity)},
		attr.Attribute{Type: atNonceMt, Value: append([]byte{0, 0}, m.nonceMt...)},
		attr.Attribute{Type: atSelectedVersion, Value: []byte{0, selectedVersion}},
	)
}

func (m *Method) handleChallenge(identifier uint8, attrs []attr.Attribute) ([]byte, bool, []byte, []byte, error) {
	randAttr, ok := attr.Find(attrs, atRand)
	if !ok || len(randAttr.Value) < 18 || (len(randAttr.Value)-2)%16 != 0 {
		return nil, false, nil, nil, errors.New("sim: challenge missing AT_RAND")
	}
	n := (len(randAttr.Value) - 2) / 16
	if n < m.nTriplet {
		return nil, false, nil, nil, errors.New("sim: fewer RAND values than required triplets")
	}

	vectors, err := m.provider.SimVectors(m.ctx, m.identity, n)
	if err != nil {
		return nil, false, nil, nil, errors.Wrap(err, "sim: fetch vectors")
	}
	keys := DeriveKeys(m.identity, vectors)
	m.kaut, m.msk, m.emsk = keys.Kaut, keys.MSK, keys.EMSK

	body := methodBody(subtypeChallenge, zeroMacAttr())
	signed, err := m.sign(identifier, body)
	if err != nil {
		return nil, false, nil, nil, err
	}
	return signed, true, keys.MSK, keys.EMSK, nil
}

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

// sign computes the AT_MAC for a Challenge response: HMAC-SHA1-128
// over the full EAP packet (AT_MAC zeroed) concatenated with NONCE_MT
// (RFC 4186 §10.16), Kaut-keyed.
func (m *Method) sign(identifier uint8, body []byte) ([]byte, error) {
	pkt := &eap.Packet{Code: eap.CodeResponse, Identifier: identifier, Type: eap.TypeSIM, TypeData: body}
	full := pkt.Encode()

	macOff := findAttrOffset(body[3:], atMac)
	if macOff < 0 {
		return nil, errors.New("sim: response has no AT_MAC to sign")
	}
	// full = Code(1) Identifier(1) Length(2) Type(1) Subtype(1) reserved(2)
	// attrs...; see aka.Method.sign for the offset breakdown.
	valueOff := 5 + 3 + macOff + 2 + 2

	h := hmac.New(sha1.New, m.kaut)
	h.Write(full)
	h.Write(m.nonceMt)
	mac := h.Sum(nil)[:16]
	copy(full[valueOff:valueOff+16], mac)
	return full[5:], nil
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

func zeroMacAttr() attr.Attribute {
	return attr.Attribute{Type: atMac, Value: make([]byte, 18)}
}

func identityValue(identity string) []byte {
	id := []byte(identity)
	v := make([]byte, 2+len(id))
	binary.BigEndian.PutUint16(v[0:2], uint16(len(id)))
	copy(v[2:], id)
	return v
}

func clientErrorAttr(code uint16) attr.Attribute {
	v := make([]byte, 2)
	binary.BigEndian.PutUint16(v, code)
	return attr.Attribute{Type: atClientErrorCode, Value: v}
}

const atClientErrorCode = 22
