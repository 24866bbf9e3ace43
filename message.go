package ike

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/oxhide/ikev2/crypto"
	"github.com/oxhide/ikev2/protocol"
)

// Message is one IKEv2 datagram: the fixed header plus a decoded
// payload chain. For SK-enveloped exchanges (IKE_AUTH, CREATE_CHILD_SA,
// INFORMATIONAL) Payloads stays nil until DecryptPayloads is called with
// the session's negotiated cipher suite - the wire codec in protocol
// knows nothing about cryptography, so that split lives here.
type Message struct {
	IkeHeader *protocol.IkeHeader
	Payloads  *protocol.Payloads

	raw []byte // full wire bytes, kept for SK verify/decrypt

	LocalAddr, RemoteAddr net.Addr
}

// DecodeMessage parses the fixed header and, for a cleartext chain,
// the payloads too. A message whose NextPayload is PayloadTypeSK is
// returned with Payloads nil; the caller must call DecryptPayloads once
// it has the negotiated cipher suite and keys.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < protocol.IKE_HEADER_LEN {
		return nil, io.ErrShortBuffer
	}
	header, err := protocol.DecodeIkeHeader(b)
	if err != nil {
		return nil, err
	}
	if int(header.MsgLength) > len(b) {
		return nil, io.ErrShortBuffer
	}
	if int(header.MsgLength) < len(b) {
		return nil, protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "trailing bytes after message")
	}
	m := &Message{IkeHeader: header, raw: append([]byte(nil), b...)}
	if header.NextPayload == protocol.PayloadTypeSK {
		return m, nil
	}
	payloads, err := protocol.DecodeChain(header.NextPayload, b[protocol.IKE_HEADER_LEN:])
	if err != nil {
		return nil, err
	}
	m.Payloads = payloads
	return m, nil
}

// Raw returns the message's full wire bytes, needed as the "real
// message" component of AUTH's signed octets (RFC 7296 §2.15).
func (m *Message) Raw() []byte { return m.raw }

// DecryptPayloads opens an SK-enveloped message's payload chain. skA/skE
// must be the directional keys for decrypting a message received from
// the peer (SK_ar/SK_er if this side is the initiator, SK_ai/SK_ei if
// this side is the responder).
func (m *Message) DecryptPayloads(cs *crypto.CipherSuite, skA, skE []byte) error {
	if m.IkeHeader.NextPayload != protocol.PayloadTypeSK {
		return protocol.ErrF(protocol.ERR_INVALID_SYNTAX, "message has no SK payload")
	}
	skHeader, err := protocol.DecodePayloadHeader(
		m.raw[protocol.IKE_HEADER_LEN : protocol.IKE_HEADER_LEN+protocol.PAYLOAD_HEADER_LENGTH])
	if err != nil {
		return err
	}
	dec, err := cs.VerifyDecrypt(m.raw, skA, skE)
	if err != nil {
		return err
	}
	payloads, err := protocol.DecodeChain(skHeader.NextPayload, dec)
	if err != nil {
		return err
	}
	m.Payloads = payloads
	return nil
}

// Encode serialises a cleartext message (IKE_SA_INIT only - every other
// exchange type must use EncodeEncrypted).
func (m *Message) Encode() []byte {
	body := protocol.EncodeChain(m.Payloads)
	m.IkeHeader.NextPayload = firstPayloadType(m.Payloads)
	m.IkeHeader.MsgLength = uint32(protocol.IKE_HEADER_LEN + len(body))
	return append(m.IkeHeader.Encode(), body...)
}

// EncodeEncrypted serialises the payload chain into an SK payload under
// cs, using skA/skE - the directional keys for protecting a message this
// side is sending (SK_ai/SK_ei if initiator, SK_ar/SK_er if responder).
func (m *Message) EncodeEncrypted(cs *crypto.CipherSuite, skA, skE []byte) ([]byte, error) {
	body := protocol.EncodeChain(m.Payloads)
	overhead := cs.Overhead(body)
	skBodyLen := len(body) + overhead

	m.IkeHeader.NextPayload = protocol.PayloadTypeSK
	m.IkeHeader.MsgLength = uint32(protocol.IKE_HEADER_LEN + protocol.PAYLOAD_HEADER_LENGTH + skBodyLen)
	headers := m.IkeHeader.Encode()
	headers = append(headers, encodeSkPayloadHeader(firstPayloadType(m.Payloads), skBodyLen)...)

	return cs.EncryptMac(headers, body, skA, skE)
}

func firstPayloadType(payloads *protocol.Payloads) protocol.PayloadType {
	if payloads == nil || len(payloads.Array) == 0 {
		return protocol.PayloadTypeNone
	}
	return payloads.Array[0].Type()
}

// encodeSkPayloadHeader builds the 4 byte generic payload header for the
// SK payload itself. protocol.PayloadHeader has no exported encoder of
// its own (every other payload's header is written by EncodeChain as
// part of walking the chain) since the SK envelope is the one payload
// type the wire codec package deliberately knows nothing about.
func encodeSkPayloadHeader(next protocol.PayloadType, bodyLen int) []byte {
	b := make([]byte, protocol.PAYLOAD_HEADER_LENGTH)
	b[0] = uint8(next)
	binary.BigEndian.PutUint16(b[2:4], uint16(bodyLen+protocol.PAYLOAD_HEADER_LENGTH))
	return b
}

// ReadMessage reads one IKE message from sock, reassembling a single
// short read (io.ErrShortBuffer signals the datagram was truncated by
// an intervening layer) before giving up. Protocol-level decode errors
// are returned to the caller rather than swallowed and retried -
// session.go needs to know a bad datagram arrived so it can count it
// for diagnostics.
func ReadMessage(sock datagramSocket) (*Message, error) {
	b, remoteAddr, localIP, err := sock.ReadPacket()
	if err != nil {
		return nil, err
	}
	msg, err := DecodeMessage(b)
	if err != nil {
		return nil, err
	}
	port := 0
	if ua, ok := sock.LocalAddr().(*net.UDPAddr); ok {
		port = ua.Port
	}
	msg.LocalAddr = &net.UDPAddr{IP: localIP, Port: port}
	msg.RemoteAddr = remoteAddr
	return msg, nil
}

// datagramSocket is the subset of platform.DatagramSocket ReadMessage
// needs; declared locally so this file doesn't import platform just for
// one method set (session.go imports platform directly for the rest of
// the socket's lifetime).
type datagramSocket interface {
	ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error)
	LocalAddr() net.Addr
}
