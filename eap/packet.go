// Package eap implements the peer side of the Extensible Authentication
// Protocol (RFC 3748) sub-exchange carried inside IKE_AUTH: a generic
// packet codec, the Created/Identity/Method/Success/Failure session
// state machine, and the Method interface concrete EAP methods (see
// eap/aka, eap/sim) implement.
package eap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Code is the outer EAP Code field (RFC 3748 §4).
type Code uint8

const (
	CodeRequest  Code = 1
	CodeResponse Code = 2
	CodeSuccess  Code = 3
	CodeFailure  Code = 4
)

// Type is the EAP method Type field, meaningful only on Request and
// Response packets.
type Type uint8

const (
	TypeIdentity     Type = 1
	TypeNotification Type = 2
	TypeNak          Type = 3
	TypeSIM          Type = 18
	TypeAKA          Type = 23
	TypeAKAPrime     Type = 50
)

// Packet is one EAP frame. TypeData is everything after the Type octet
// on a Request/Response; it is nil (and Type is zero) on Success and
// Failure, which carry no body at all.
type Packet struct {
	Code       Code
	Identifier uint8
	Type       Type
	TypeData   []byte
}

// Decode parses one EAP frame from b, which must hold exactly one
// packet (the caller is responsible for framing - here, the cleartext
// EAP payload already extracted from an IKE_AUTH message).
func Decode(b []byte) (*Packet, error) {
	if len(b) < 4 {
		return nil, errors.New("eap: packet shorter than header")
	}
	length := binary.BigEndian.Uint16(b[2:4])
	if int(length) < 4 || int(length) > len(b) {
		return nil, errors.New("eap: length field out of range")
	}
	b = b[:length]

	p := &Packet{Code: Code(b[0]), Identifier: b[1]}
	switch p.Code {
	case CodeRequest, CodeResponse:
		if len(b) < 5 {
			return nil, errors.New("eap: request/response missing type octet")
		}
		p.Type = Type(b[4])
		p.TypeData = append([]byte(nil), b[5:]...)
	case CodeSuccess, CodeFailure:
		// no body
	default:
		return nil, errors.Errorf("eap: unknown code %d", b[0])
	}
	return p, nil
}

// Encode serializes p back into wire form.
func (p *Packet) Encode() []byte {
	var body []byte
	if p.Code == CodeRequest || p.Code == CodeResponse {
		body = make([]byte, 1+len(p.TypeData))
		body[0] = uint8(p.Type)
		copy(body[1:], p.TypeData)
	}
	buf := make([]byte, 4+len(body))
	buf[0] = uint8(p.Code)
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	copy(buf[4:], body)
	return buf
}
