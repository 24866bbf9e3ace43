package protocol

import (
	"encoding/binary"
	"math/big"
	"net"
)

// KePayload carries a Diffie-Hellman public value for the named group.
type KePayload struct {
	*PayloadHeader
	DhTransformId DhTransformId
	KeyData       *big.Int
}

func (s *KePayload) Type() PayloadType { return PayloadTypeKE }
func (s *KePayload) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], uint16(s.DhTransformId))
	return append(b, s.KeyData.Bytes()...)
}
func (s *KePayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "KE payload too short: %d bytes", len(b))
	}
	s.DhTransformId = DhTransformId(binary.BigEndian.Uint16(b[0:2]))
	s.KeyData = new(big.Int).SetBytes(b[4:])
	return nil
}

type IdType uint8

const (
	ID_IPV4_ADDR   IdType = 1
	ID_FQDN        IdType = 2
	ID_RFC822_ADDR IdType = 3
	ID_IPV6_ADDR   IdType = 5
	ID_DER_ASN1_DN IdType = 9
	ID_DER_ASN1_GN IdType = 10
	ID_KEY_ID      IdType = 11
)

// IdPayload is IDi or IDr; idPayloadType records which so a single type
// can serve both without the caller threading a discriminator through
// every call site.
type IdPayload struct {
	*PayloadHeader
	idPayloadType PayloadType
	IdType        IdType
	Data          []byte
}

func NewIdPayload(which PayloadType, idType IdType, data []byte) *IdPayload {
	return &IdPayload{PayloadHeader: &PayloadHeader{}, idPayloadType: which, IdType: idType, Data: data}
}

func (s *IdPayload) Type() PayloadType { return s.idPayloadType }
func (s *IdPayload) Encode() []byte {
	b := []byte{uint8(s.IdType), 0, 0, 0}
	return append(b, s.Data...)
}
func (s *IdPayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "ID payload too short: %d bytes", len(b))
	}
	s.IdType = IdType(b[0])
	s.Data = append([]byte{}, b[4:]...)
	return nil
}

// CertPayload and CertRequestPayload are decoded (so a chain containing
// them doesn't fail) but their bodies are opaque: this client never
// issues certificate-based authentication, only PSK and EAP.
type CertPayload struct {
	*PayloadHeader
	Encoding uint8
	Data     []byte
}

func (s *CertPayload) Type() PayloadType { return PayloadTypeCERT }
func (s *CertPayload) Encode() []byte {
	return append([]byte{s.Encoding}, s.Data...)
}
func (s *CertPayload) Decode(b []byte) error {
	if len(b) < 1 {
		return ErrF(ERR_INVALID_SYNTAX, "CERT payload empty")
	}
	s.Encoding = b[0]
	s.Data = append([]byte{}, b[1:]...)
	return nil
}

type CertRequestPayload struct {
	*PayloadHeader
	Encoding uint8
	Data     []byte
}

func (s *CertRequestPayload) Type() PayloadType { return PayloadTypeCERTREQ }
func (s *CertRequestPayload) Encode() []byte {
	return append([]byte{s.Encoding}, s.Data...)
}
func (s *CertRequestPayload) Decode(b []byte) error {
	if len(b) < 1 {
		return ErrF(ERR_INVALID_SYNTAX, "CERTREQ payload empty")
	}
	s.Encoding = b[0]
	s.Data = append([]byte{}, b[1:]...)
	return nil
}

type AuthMethod uint8

const (
	RSA_DIGITAL_SIGNATURE             AuthMethod = 1
	SHARED_KEY_MESSAGE_INTEGRITY_CODE AuthMethod = 2
	DSS_DIGITAL_SIGNATURE             AuthMethod = 3
)

type AuthPayload struct {
	*PayloadHeader
	Method AuthMethod
	Data   []byte
}

func NewAuthPayload(method AuthMethod, data []byte) *AuthPayload {
	return &AuthPayload{PayloadHeader: &PayloadHeader{}, Method: method, Data: data}
}

func (s *AuthPayload) Type() PayloadType { return PayloadTypeAUTH }
func (s *AuthPayload) Encode() []byte {
	b := []byte{uint8(s.Method), 0, 0, 0}
	return append(b, s.Data...)
}
func (s *AuthPayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "AUTH payload too short: %d bytes", len(b))
	}
	s.Method = AuthMethod(b[0])
	s.Data = append([]byte{}, b[4:]...)
	return nil
}

// NoncePayload carries raw nonce bytes, 16-256 octets per RFC 7296
// §3.9. Kept as the original byte slice (not just a big.Int) since the
// key-derivation PRF inputs concatenate nonces byte-for-byte and a
// big.Int round-trip would strip leading zero bytes.
type NoncePayload struct {
	*PayloadHeader
	Nonce []byte
}

func NewNoncePayload(n []byte) *NoncePayload {
	return &NoncePayload{PayloadHeader: &PayloadHeader{}, Nonce: n}
}

func (s *NoncePayload) Type() PayloadType { return PayloadTypeNonce }
func (s *NoncePayload) Encode() []byte    { return s.Nonce }
func (s *NoncePayload) Decode(b []byte) error {
	if len(b) < 16 || len(b) > 256 {
		return ErrF(ERR_INVALID_SYNTAX, "nonce length %d out of range", len(b))
	}
	s.Nonce = append([]byte{}, b...)
	return nil
}

type NotifyPayload struct {
	*PayloadHeader
	ProtocolId       ProtocolId
	NotificationType NotificationType
	Spi              []byte
	Data             []byte
}

func NewNotifyPayload(protocolId ProtocolId, spi []byte, nt NotificationType, data []byte) *NotifyPayload {
	return &NotifyPayload{PayloadHeader: &PayloadHeader{}, ProtocolId: protocolId, Spi: spi, NotificationType: nt, Data: data}
}

func (s *NotifyPayload) Type() PayloadType { return PayloadTypeN }
func (s *NotifyPayload) Encode() []byte {
	b := []byte{uint8(s.ProtocolId), uint8(len(s.Spi)), 0, 0}
	binary.BigEndian.PutUint16(b[2:4], uint16(s.NotificationType))
	b = append(b, s.Spi...)
	b = append(b, s.Data...)
	return b
}
func (s *NotifyPayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "Notify payload too short: %d bytes", len(b))
	}
	s.ProtocolId = ProtocolId(b[0])
	spiLen := int(b[1])
	if len(b) < 4+spiLen {
		return ErrF(ERR_INVALID_SYNTAX, "Notify payload spi overruns payload")
	}
	s.NotificationType = NotificationType(binary.BigEndian.Uint16(b[2:4]))
	s.Spi = append([]byte{}, b[4:4+spiLen]...)
	s.Data = append([]byte{}, b[4+spiLen:]...)
	return nil
}

// DeletePayload carries the SPI list of the SAs the sender has torn
// down, all the same protocol and size (RFC 7296 §3.11).
type DeletePayload struct {
	*PayloadHeader
	ProtocolId ProtocolId
	SpiSize    uint8
	Spis       []Spi
}

func NewDeletePayload(protocolId ProtocolId, spis ...Spi) *DeletePayload {
	var spiSize int
	if len(spis) > 0 {
		spiSize = len(spis[0])
	}
	return &DeletePayload{
		PayloadHeader: &PayloadHeader{},
		ProtocolId:    protocolId,
		SpiSize:       uint8(spiSize),
		Spis:          spis,
	}
}

func (s *DeletePayload) Type() PayloadType { return PayloadTypeD }
func (s *DeletePayload) Encode() []byte {
	b := []byte{uint8(s.ProtocolId), s.SpiSize, 0, 0}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(s.Spis)))
	for _, spi := range s.Spis {
		b = append(b, spi...)
	}
	return b
}
func (s *DeletePayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "Delete payload too short: %d bytes", len(b))
	}
	s.ProtocolId = ProtocolId(b[0])
	s.SpiSize = b[1]
	numSpis := int(binary.BigEndian.Uint16(b[2:4]))
	b = b[4:]
	if len(b) != numSpis*int(s.SpiSize) {
		return ErrF(ERR_INVALID_SYNTAX, "Delete payload spi count mismatch")
	}
	for i := 0; i < numSpis; i++ {
		s.Spis = append(s.Spis, append(Spi{}, b[i*int(s.SpiSize):(i+1)*int(s.SpiSize)]...))
	}
	return nil
}

// VendorIdPayload is decoded and retained but never inspected: this
// client advertises no vendor capabilities and ignores the peer's.
type VendorIdPayload struct {
	*PayloadHeader
	Vid []byte
}

func (s *VendorIdPayload) Type() PayloadType { return PayloadTypeV }
func (s *VendorIdPayload) Encode() []byte    { return s.Vid }
func (s *VendorIdPayload) Decode(b []byte) error {
	s.Vid = append([]byte{}, b...)
	return nil
}

type SelectorType uint8

const (
	TS_IPV4_ADDR_RANGE SelectorType = 7
	TS_IPV6_ADDR_RANGE SelectorType = 8
)

const minLenSelector = 8

type Selector struct {
	Type                     SelectorType
	IpProtocolId             uint8
	StartPort, EndPort       uint16
	StartAddress, EndAddress net.IP
}

func decodeSelector(b []byte) (sel *Selector, used int, err error) {
	if len(b) < minLenSelector {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "selector too short: %d bytes", len(b))
	}
	stype := SelectorType(b[0])
	id := b[1]
	slen := int(binary.BigEndian.Uint16(b[2:4]))
	if slen > len(b) {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "selector length %d overruns payload", slen)
	}
	sport := binary.BigEndian.Uint16(b[4:6])
	eport := binary.BigEndian.Uint16(b[6:8])
	ipLen := net.IPv4len
	if stype == TS_IPV6_ADDR_RANGE {
		ipLen = net.IPv6len
	}
	if len(b) < 8+2*ipLen {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "selector address overruns payload")
	}
	sel = &Selector{
		Type:         stype,
		IpProtocolId: id,
		StartPort:    sport,
		EndPort:      eport,
		StartAddress: append(net.IP{}, b[8:8+ipLen]...),
		EndAddress:   append(net.IP{}, b[8+ipLen:8+2*ipLen]...),
	}
	return sel, 8 + 2*ipLen, nil
}

func encodeSelector(sel *Selector) []byte {
	b := make([]byte, minLenSelector)
	b[0] = uint8(sel.Type)
	b[1] = sel.IpProtocolId
	binary.BigEndian.PutUint16(b[4:6], sel.StartPort)
	binary.BigEndian.PutUint16(b[6:8], sel.EndPort)
	b = append(b, sel.StartAddress...)
	b = append(b, sel.EndAddress...)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

const minLenTrafficSelector = 4

// TrafficSelectorPayload is TSi or TSr; trafficSelectorPayloadType
// records which, the same way IdPayload does for IDi/IDr.
type TrafficSelectorPayload struct {
	*PayloadHeader
	trafficSelectorPayloadType PayloadType
	Selectors                  []*Selector
}

func NewTrafficSelectorPayload(which PayloadType, selectors ...*Selector) *TrafficSelectorPayload {
	return &TrafficSelectorPayload{PayloadHeader: &PayloadHeader{}, trafficSelectorPayloadType: which, Selectors: selectors}
}

func (s *TrafficSelectorPayload) Type() PayloadType { return s.trafficSelectorPayloadType }
func (s *TrafficSelectorPayload) Encode() []byte {
	b := []byte{uint8(len(s.Selectors)), 0, 0, 0}
	for _, sel := range s.Selectors {
		b = append(b, encodeSelector(sel)...)
	}
	return b
}
func (s *TrafficSelectorPayload) Decode(b []byte) error {
	if len(b) < minLenTrafficSelector {
		return ErrF(ERR_INVALID_SYNTAX, "TS payload too short: %d bytes", len(b))
	}
	numSel := int(b[0])
	b = b[4:]
	for len(b) > 0 {
		sel, used, err := decodeSelector(b)
		if err != nil {
			return err
		}
		s.Selectors = append(s.Selectors, sel)
		b = b[used:]
	}
	if len(s.Selectors) != numSel {
		return ErrF(ERR_INVALID_SYNTAX, "TS count mismatch: header %d, decoded %d", numSel, len(s.Selectors))
	}
	return nil
}

// ConfigurationPayload is decoded and preserved but never acted on: this
// client neither requests nor serves internal IP configuration (no
// MOBIKE/IP-config Non-goal implied, CP attributes are simply outside
// what this endpoint negotiates).
type ConfigurationPayload struct {
	*PayloadHeader
	CfgType uint8
	Raw     []byte
}

func (s *ConfigurationPayload) Type() PayloadType { return PayloadTypeCP }
func (s *ConfigurationPayload) Encode() []byte {
	b := []byte{s.CfgType, 0, 0, 0}
	return append(b, s.Raw...)
}
func (s *ConfigurationPayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrF(ERR_INVALID_SYNTAX, "CP payload too short: %d bytes", len(b))
	}
	s.CfgType = b[0]
	s.Raw = append([]byte{}, b[4:]...)
	return nil
}

// EapPayload carries a raw EAP message (RFC 3748 header onward); the
// eap package owns parsing and method logic, this codec only moves the
// bytes across the wire.
type EapPayload struct {
	*PayloadHeader
	Data []byte
}

func NewEapPayload(data []byte) *EapPayload {
	return &EapPayload{PayloadHeader: &PayloadHeader{}, Data: data}
}

func (s *EapPayload) Type() PayloadType { return PayloadTypeEAP }
func (s *EapPayload) Encode() []byte    { return s.Data }
func (s *EapPayload) Decode(b []byte) error {
	s.Data = append([]byte{}, b...)
	return nil
}

// Payloads is an ordered, type-indexed payload chain: Array preserves
// wire order (needed for re-encoding), Map gives O(1) lookup by type
// since a chain carries at most one payload of most types.
type Payloads struct {
	Map   map[PayloadType]int
	Array []Payload
}

func MakePayloads() *Payloads {
	return &Payloads{Map: make(map[PayloadType]int)}
}

// Chain builds a Payloads ready for EncodeChain from ps in order,
// linking each payload's NextPayloadType to the one after it (the
// last gets PayloadTypeNone) so callers assembling a message don't
// have to set that bookkeeping by hand at every call site.
func Chain(ps ...Payload) *Payloads {
	payloads := MakePayloads()
	for i, p := range ps {
		next := PayloadTypeNone
		if i < len(ps)-1 {
			next = ps[i+1].Type()
		}
		p.SetNextPayloadType(next)
		payloads.Add(p)
	}
	return payloads
}

func (p *Payloads) Get(t PayloadType) Payload {
	if idx, ok := p.Map[t]; ok {
		return p.Array[idx]
	}
	return nil
}

// Add appends t to the chain. A chain may carry more than one payload
// of the same type (most commonly several Notify payloads: COOKIE,
// both NAT_DETECTION_* directions, INVALID_KE_PAYLOAD); Map is only
// ever set to the first occurrence of a type, matching Get's "at most
// one payload of most types" contract, while Array (and so
// GetNotifications/EncodeChain) always sees every payload added.
func (p *Payloads) Add(t Payload) {
	p.Array = append(p.Array, t)
	if _, ok := p.Map[t.Type()]; !ok {
		p.Map[t.Type()] = len(p.Array) - 1
	}
}

// GetNotifications returns every Notify payload of the given type in
// the chain; a peer may send several (e.g. both NAT_DETECTION_*).
func (p *Payloads) GetNotifications(nt NotificationType) []*NotifyPayload {
	var out []*NotifyPayload
	for _, pl := range p.Array {
		if n, ok := pl.(*NotifyPayload); ok && n.NotificationType == nt {
			out = append(out, n)
		}
	}
	return out
}

func decodePayloadBody(nextPayload PayloadType, header *PayloadHeader) Payload {
	switch nextPayload {
	case PayloadTypeSA:
		return &SaPayload{PayloadHeader: header}
	case PayloadTypeKE:
		return &KePayload{PayloadHeader: header}
	case PayloadTypeIDi:
		return &IdPayload{PayloadHeader: header, idPayloadType: PayloadTypeIDi}
	case PayloadTypeIDr:
		return &IdPayload{PayloadHeader: header, idPayloadType: PayloadTypeIDr}
	case PayloadTypeCERT:
		return &CertPayload{PayloadHeader: header}
	case PayloadTypeCERTREQ:
		return &CertRequestPayload{PayloadHeader: header}
	case PayloadTypeAUTH:
		return &AuthPayload{PayloadHeader: header}
	case PayloadTypeNonce:
		return &NoncePayload{PayloadHeader: header}
	case PayloadTypeN:
		return &NotifyPayload{PayloadHeader: header}
	case PayloadTypeD:
		return &DeletePayload{PayloadHeader: header}
	case PayloadTypeV:
		return &VendorIdPayload{PayloadHeader: header}
	case PayloadTypeTSi:
		return &TrafficSelectorPayload{PayloadHeader: header, trafficSelectorPayloadType: PayloadTypeTSi}
	case PayloadTypeTSr:
		return &TrafficSelectorPayload{PayloadHeader: header, trafficSelectorPayloadType: PayloadTypeTSr}
	case PayloadTypeCP:
		return &ConfigurationPayload{PayloadHeader: header}
	case PayloadTypeEAP:
		return &EapPayload{PayloadHeader: header}
	default:
		return nil
	}
}

// DecodeChain walks a cleartext payload chain starting at b, following
// NextPayload links until PayloadTypeNone. b must contain exactly the
// chain bytes (no trailing garbage, no header). Used directly for
// unencrypted IKE_SA_INIT bodies and, after decryption, for SK bodies.
func DecodeChain(first PayloadType, b []byte) (*Payloads, error) {
	payloads := MakePayloads()
	next := first
	for next != PayloadTypeNone {
		if len(b) < PAYLOAD_HEADER_LENGTH {
			return nil, ErrF(ERR_INVALID_SYNTAX, "truncated payload chain")
		}
		header, err := DecodePayloadHeader(b[:PAYLOAD_HEADER_LENGTH])
		if err != nil {
			return nil, err
		}
		if int(header.PayloadLength) > len(b) {
			return nil, ErrF(ERR_INVALID_SYNTAX, "payload length %d overruns chain", header.PayloadLength)
		}
		payload := decodePayloadBody(next, header)
		if payload == nil {
			if header.IsCritical {
				return nil, ErrF(ERR_UNSUPPORTED_CRITICAL_PAYLOAD, "payload type %s", next)
			}
			next = header.NextPayload
			b = b[header.PayloadLength:]
			continue
		}
		if err := payload.Decode(b[PAYLOAD_HEADER_LENGTH:header.PayloadLength]); err != nil {
			return nil, err
		}
		payloads.Add(payload)
		next = header.NextPayload
		b = b[header.PayloadLength:]
	}
	if len(b) != 0 {
		return nil, ErrF(ERR_INVALID_SYNTAX, "trailing bytes after payload chain")
	}
	return payloads, nil
}

// EncodeChain serialises payloads in Array order. Each payload's own
// PayloadHeader.NextPayload must already be set to the following
// payload's type (PayloadTypeNone on the last one) by the caller that
// assembled the chain — this mirrors how the IsLast bit works for
// proposals and transforms, and keeps this codec free of chain-assembly
// policy.
func EncodeChain(payloads *Payloads) []byte {
	var b []byte
	for _, pl := range payloads.Array {
		body := pl.Encode()
		b = append(b, encodePayloadHeader(pl.NextPayloadType(), len(body))...)
		b = append(b, body...)
	}
	return b
}
