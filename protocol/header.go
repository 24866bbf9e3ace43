// Package protocol implements the IKEv2 (RFC 7296) wire format: the
// fixed header, the generic payload chain, and every payload type the
// core needs to parse or build. It does no cryptography and no state
// tracking; callers decode a cleartext or already-decrypted byte slice
// into a *Message and encode a *Message back into bytes.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	IKEV2_MAJOR_VERSION = 2
	IKEV2_MINOR_VERSION = 0

	IKE_HEADER_LEN        = 28
	PAYLOAD_HEADER_LENGTH = 4
)

// Spi is an opaque security parameter index. IKE SA SPIs are 8 bytes;
// Child SA (ESP/AH) SPIs are 4. Both are carried as a plain byte slice
// so the same type serves both without a length parameter leaking into
// every call site.
type Spi []byte

type IkeExchangeType uint8

const (
	IKE_SA_INIT     IkeExchangeType = 34
	IKE_AUTH        IkeExchangeType = 35
	CREATE_CHILD_SA IkeExchangeType = 36
	INFORMATIONAL   IkeExchangeType = 37
)

func (e IkeExchangeType) String() string {
	switch e {
	case IKE_SA_INIT:
		return "IKE_SA_INIT"
	case IKE_AUTH:
		return "IKE_AUTH"
	case CREATE_CHILD_SA:
		return "CREATE_CHILD_SA"
	case INFORMATIONAL:
		return "INFORMATIONAL"
	default:
		return fmt.Sprintf("IkeExchangeType(%d)", uint8(e))
	}
}

type IkeFlags uint8

const (
	RESPONSE  IkeFlags = 1 << 5
	VERSION   IkeFlags = 1 << 4
	INITIATOR IkeFlags = 1 << 3
)

func (f IkeFlags) IsResponse() bool   { return f&RESPONSE != 0 }
func (f IkeFlags) IsInitiator() bool  { return f&INITIATOR != 0 }
func (f IkeFlags) WithResponse() IkeFlags {
	return f | RESPONSE
}

type PayloadType uint8

const (
	PayloadTypeNone    PayloadType = 0
	PayloadTypeSA      PayloadType = 33
	PayloadTypeKE      PayloadType = 34
	PayloadTypeIDi     PayloadType = 35
	PayloadTypeIDr     PayloadType = 36
	PayloadTypeCERT    PayloadType = 37
	PayloadTypeCERTREQ PayloadType = 38
	PayloadTypeAUTH    PayloadType = 39
	PayloadTypeNonce   PayloadType = 40
	PayloadTypeN       PayloadType = 41
	PayloadTypeD       PayloadType = 42
	PayloadTypeV       PayloadType = 43
	PayloadTypeTSi     PayloadType = 44
	PayloadTypeTSr     PayloadType = 45
	PayloadTypeSK      PayloadType = 46
	PayloadTypeCP      PayloadType = 47
	PayloadTypeEAP     PayloadType = 48
)

func (p PayloadType) String() string {
	switch p {
	case PayloadTypeNone:
		return "NONE"
	case PayloadTypeSA:
		return "SA"
	case PayloadTypeKE:
		return "KE"
	case PayloadTypeIDi:
		return "IDi"
	case PayloadTypeIDr:
		return "IDr"
	case PayloadTypeCERT:
		return "CERT"
	case PayloadTypeCERTREQ:
		return "CERTREQ"
	case PayloadTypeAUTH:
		return "AUTH"
	case PayloadTypeNonce:
		return "Nonce"
	case PayloadTypeN:
		return "N"
	case PayloadTypeD:
		return "D"
	case PayloadTypeV:
		return "V"
	case PayloadTypeTSi:
		return "TSi"
	case PayloadTypeTSr:
		return "TSr"
	case PayloadTypeSK:
		return "SK"
	case PayloadTypeCP:
		return "CP"
	case PayloadTypeEAP:
		return "EAP"
	default:
		return fmt.Sprintf("PayloadType(%d)", uint8(p))
	}
}

// IkeHeader is the fixed 28 byte IKEv2 header.
type IkeHeader struct {
	SpiI, SpiR                 Spi
	NextPayload                PayloadType
	MajorVersion, MinorVersion uint8
	ExchangeType               IkeExchangeType
	Flags                      IkeFlags
	MsgId                      uint32
	MsgLength                  uint32
}

func DecodeIkeHeader(b []byte) (*IkeHeader, error) {
	if len(b) < IKE_HEADER_LEN {
		return nil, ErrF(ERR_INVALID_SYNTAX, "header too short: %d bytes", len(b))
	}
	h := &IkeHeader{
		SpiI: append(Spi{}, b[0:8]...),
		SpiR: append(Spi{}, b[8:16]...),
	}
	h.NextPayload = PayloadType(b[16])
	ver := b[17]
	h.MajorVersion = ver >> 4
	h.MinorVersion = ver & 0x0f
	h.ExchangeType = IkeExchangeType(b[18])
	h.Flags = IkeFlags(b[19])
	h.MsgId = binary.BigEndian.Uint32(b[20:24])
	h.MsgLength = binary.BigEndian.Uint32(b[24:28])
	if h.MsgLength < IKE_HEADER_LEN {
		return nil, ErrF(ERR_INVALID_SYNTAX, "message length %d shorter than header", h.MsgLength)
	}
	return h, nil
}

func (h *IkeHeader) Encode() []byte {
	b := make([]byte, IKE_HEADER_LEN)
	copy(b[0:8], h.SpiI)
	copy(b[8:16], h.SpiR)
	b[16] = uint8(h.NextPayload)
	b[17] = h.MajorVersion<<4 | h.MinorVersion
	b[18] = uint8(h.ExchangeType)
	b[19] = uint8(h.Flags)
	binary.BigEndian.PutUint32(b[20:24], h.MsgId)
	binary.BigEndian.PutUint32(b[24:28], h.MsgLength)
	return b
}

// PayloadHeader is the generic 4 byte payload header every IKE payload
// carries: what comes next in the chain, the critical bit, and this
// payload's total length (header included).
type PayloadHeader struct {
	NextPayload   PayloadType
	IsCritical    bool
	PayloadLength uint16
}

func (h *PayloadHeader) NextPayloadType() PayloadType { return h.NextPayload }

// SetNextPayloadType records what follows this payload in the chain.
// Every concrete payload embeds *PayloadHeader, so this promotes onto
// all of them - callers assembling a chain to encode set each
// payload's link via the Payload interface instead of type-asserting
// down to the concrete type.
func (h *PayloadHeader) SetNextPayloadType(t PayloadType) { h.NextPayload = t }

func DecodePayloadHeader(b []byte) (*PayloadHeader, error) {
	if len(b) < PAYLOAD_HEADER_LENGTH {
		return nil, ErrF(ERR_INVALID_SYNTAX, "payload header too short: %d bytes", len(b))
	}
	h := &PayloadHeader{
		NextPayload: PayloadType(b[0]),
		IsCritical:  b[1]&0x80 != 0,
	}
	h.PayloadLength = binary.BigEndian.Uint16(b[2:4])
	if h.PayloadLength < PAYLOAD_HEADER_LENGTH {
		return nil, ErrF(ERR_INVALID_SYNTAX, "payload length %d shorter than header", h.PayloadLength)
	}
	return h, nil
}

func encodePayloadHeader(next PayloadType, bodyLen int) []byte {
	b := make([]byte, PAYLOAD_HEADER_LENGTH)
	b[0] = uint8(next)
	binary.BigEndian.PutUint16(b[2:4], uint16(bodyLen+PAYLOAD_HEADER_LENGTH))
	return b
}

// Payload is implemented by every concrete IKE payload body.
type Payload interface {
	Type() PayloadType
	Encode() []byte
	Decode([]byte) error
	NextPayloadType() PayloadType
	SetNextPayloadType(PayloadType)
}
