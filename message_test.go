package ike

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/crypto"
	"github.com/oxhide/ikev2/protocol"
)

func spi(b ...byte) protocol.Spi { return protocol.Spi(b) }

func TestMessage_CleartextRoundTrip(t *testing.T) {
	payloads := protocol.MakePayloads()
	nonce := protocol.NewNoncePayload(bytes.Repeat([]byte{0x42}, 16))
	payloads.Add(nonce)

	out := &Message{
		IkeHeader: &protocol.IkeHeader{
			SpiI:         spi(1, 2, 3, 4, 5, 6, 7, 8),
			SpiR:         spi(0, 0, 0, 0, 0, 0, 0, 0),
			ExchangeType: protocol.IKE_SA_INIT,
			MajorVersion: protocol.IKEV2_MAJOR_VERSION,
		},
		Payloads: payloads,
	}
	wire := out.Encode()

	in, err := DecodeMessage(wire)
	require.NoError(t, err)
	assert.Equal(t, protocol.IKE_SA_INIT, in.IkeHeader.ExchangeType)
	got := in.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	assert.Equal(t, nonce.Nonce, got.Nonce)
}

func TestMessage_EncryptedRoundTrip(t *testing.T) {
	cs, err := crypto.NewCipherSuite(protocol.IKE_AES_CBC_SHA256_MODP2048)
	require.NoError(t, err)
	skA := bytes.Repeat([]byte{0x11}, cs.MacKeyLen)
	skE := bytes.Repeat([]byte{0x22}, cs.KeyLen)

	payloads := protocol.MakePayloads()
	payloads.Add(protocol.NewAuthPayload(protocol.SHARED_KEY_MESSAGE_INTEGRITY_CODE, []byte("auth-data")))

	out := &Message{
		IkeHeader: &protocol.IkeHeader{
			SpiI:         spi(1, 2, 3, 4, 5, 6, 7, 8),
			SpiR:         spi(8, 7, 6, 5, 4, 3, 2, 1),
			ExchangeType: protocol.IKE_AUTH,
			MsgId:        1,
			MajorVersion: protocol.IKEV2_MAJOR_VERSION,
		},
		Payloads: payloads,
	}
	wire, err := out.EncodeEncrypted(cs, skA, skE)
	require.NoError(t, err)

	in, err := DecodeMessage(wire)
	require.NoError(t, err)
	require.Nil(t, in.Payloads)
	assert.Equal(t, protocol.PayloadTypeSK, in.IkeHeader.NextPayload)

	require.NoError(t, in.DecryptPayloads(cs, skA, skE))
	auth := in.Payloads.Get(protocol.PayloadTypeAUTH).(*protocol.AuthPayload)
	assert.Equal(t, []byte("auth-data"), auth.Data)
}

func TestMessage_EncryptedTamperedIcvFailsToDecrypt(t *testing.T) {
	cs, err := crypto.NewCipherSuite(protocol.IKE_AES_CBC_SHA256_MODP2048)
	require.NoError(t, err)
	skA := bytes.Repeat([]byte{0x33}, cs.MacKeyLen)
	skE := bytes.Repeat([]byte{0x44}, cs.KeyLen)

	payloads := protocol.MakePayloads()
	payloads.Add(protocol.NewNoncePayload(bytes.Repeat([]byte{0x01}, 16)))
	out := &Message{
		IkeHeader: &protocol.IkeHeader{
			SpiI: spi(1, 1, 1, 1, 1, 1, 1, 1), SpiR: spi(2, 2, 2, 2, 2, 2, 2, 2),
			ExchangeType: protocol.INFORMATIONAL, MajorVersion: protocol.IKEV2_MAJOR_VERSION,
		},
		Payloads: payloads,
	}
	wire, err := out.EncodeEncrypted(cs, skA, skE)
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0xff

	in, err := DecodeMessage(wire)
	require.NoError(t, err)
	assert.Error(t, in.DecryptPayloads(cs, skA, skE))
}

func TestDecodeMessage_ShortBufferSignalsRetry(t *testing.T) {
	_, err := DecodeMessage(make([]byte, 10))
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}
