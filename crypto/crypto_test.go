package crypto

import (
	"bytes"
	crand "crypto/rand"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/protocol"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// RFC 3566 §4.1 test vectors for AES-XCBC-MAC-96.
func TestMacAesXcbc96_RFC3566Vectors(t *testing.T) {
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	cases := []struct {
		msg  string
		want string
	}{
		{"", "75f0251d528ac01c4573dfd5"},
		{"000102", "5b376580ae2f19afe7219cee"},
		{"000102030405060708090a0b0c0d0e0f", "d2a246fa349b68a79998a439"},
	}
	for _, c := range cases {
		got := macAesXcbc96(key, mustHex(t, c.msg))
		assert.Equal(t, mustHex(t, c.want), got, "msg=%q", c.msg)
	}
}

func TestXcbcMac_ShortKeyLengthMismatchPanics(t *testing.T) {
	assert.Panics(t, func() {
		macAesXcbc96(mustHex(t, "00"), []byte("hello"))
	})
}

func TestPrfPlusExpand_PrefixProperty(t *testing.T) {
	prf, err := prfTransform(uint16(protocol.PRF_HMAC_SHA1))
	require.NoError(t, err)

	key := []byte("shared-secret-key")
	seed := []byte("Ni|Nr|SPIi|SPIr")

	short := prf.PlusExpand(key, seed, 20)
	long := prf.PlusExpand(key, seed, 100)

	assert.Equal(t, short, long[:20], "PRF+ output must be a prefix-stable keystream")
}

func TestPrfPlusExpand_Length(t *testing.T) {
	prf, err := prfTransform(uint16(protocol.PRF_HMAC_SHA2_256))
	require.NoError(t, err)

	out := prf.PlusExpand([]byte("k"), []byte("s"), 97)
	assert.Len(t, out, 97)
}

func TestSimpleCipher_EncryptThenVerifyDecryptRoundTrip(t *testing.T) {
	cs, ok := cipherTransform(uint16(protocol.ENCR_AES_CBC), 16, nil)
	require.True(t, ok)
	cs, ok = integrityTransform(uint16(protocol.AUTH_HMAC_SHA2_256_128), cs)
	require.True(t, ok)

	skE := bytes.Repeat([]byte{0x11}, cs.keyLen)
	skA := bytes.Repeat([]byte{0x22}, cs.macKeyLen)

	// fake an IKE header + SK payload header prefix, the way message.go
	// will assemble it: EncryptMac gets the cleartext headers to prepend
	// and MAC, VerifyDecrypt is handed the whole thing back.
	headers := make([]byte, protocol.IKE_HEADER_LEN+protocol.PAYLOAD_HEADER_LENGTH)
	plaintext := []byte("IKE_AUTH payload chain goes here")

	wire, err := cs.EncryptMac(headers, plaintext, skA, skE)
	require.NoError(t, err)

	dec, err := cs.VerifyDecrypt(wire, skA, skE)
	require.NoError(t, err)
	assert.Equal(t, plaintext, dec)
}

func TestSimpleCipher_VerifyDecryptRejectsTamperedIcv(t *testing.T) {
	cs, ok := cipherTransform(uint16(protocol.ENCR_AES_CBC), 16, nil)
	require.True(t, ok)
	cs, ok = integrityTransform(uint16(protocol.AUTH_HMAC_SHA1_96), cs)
	require.True(t, ok)

	skE := bytes.Repeat([]byte{0x33}, cs.keyLen)
	skA := bytes.Repeat([]byte{0x44}, cs.macKeyLen)
	headers := make([]byte, protocol.IKE_HEADER_LEN+protocol.PAYLOAD_HEADER_LENGTH)

	wire, err := cs.EncryptMac(headers, []byte("attack at dawn"), skA, skE)
	require.NoError(t, err)

	wire[len(wire)-1] ^= 0xff
	_, err = cs.VerifyDecrypt(wire, skA, skE)
	assert.Error(t, err)
}

func TestAeadCipher_SealOpenRoundTrip(t *testing.T) {
	cs, keyLen, ok := aeadTransform(uint16(protocol.ENCR_AES_GCM_16_ICV), 16, nil)
	require.True(t, ok)
	require.Equal(t, 16, keyLen)

	skE := bytes.Repeat([]byte{0x55}, keyLen)
	headers := make([]byte, protocol.IKE_HEADER_LEN+protocol.PAYLOAD_HEADER_LENGTH)
	plaintext := []byte("child sa rekey request")

	wire, err := cs.EncryptMac(headers, plaintext, nil, skE)
	require.NoError(t, err)

	dec, err := cs.VerifyDecrypt(wire, nil, skE)
	require.NoError(t, err)
	assert.Equal(t, plaintext, dec)
}

func TestModpGroup_SharedSecretAgreement(t *testing.T) {
	dh, ok := dhTransform(uint16(protocol.MODP_2048))
	require.True(t, ok)

	iPriv, err := dh.GeneratePrivate(crand.Reader)
	require.NoError(t, err)
	rPriv, err := dh.GeneratePrivate(crand.Reader)
	require.NoError(t, err)

	iPub := dh.Public(iPriv)
	rPub := dh.Public(rPriv)

	iShared, err := dh.SharedSecret(rPub, iPriv)
	require.NoError(t, err)
	rShared, err := dh.SharedSecret(iPub, rPriv)
	require.NoError(t, err)

	assert.Equal(t, iShared, rShared)
}

func TestModpGroup_RejectsOutOfRangePublic(t *testing.T) {
	dh, ok := dhTransform(uint16(protocol.MODP_1024))
	require.True(t, ok)
	priv, err := dh.GeneratePrivate(crand.Reader)
	require.NoError(t, err)

	_, err = dh.SharedSecret(big.NewInt(0), priv)
	assert.Error(t, err)
}

func TestNewCipherSuite_IkeProposal(t *testing.T) {
	prop := protocol.IKE_AES_CBC_SHA256_MODP2048
	cs, err := NewCipherSuite(prop)
	require.NoError(t, err)
	require.NoError(t, cs.CheckIkeTransforms(log.NewNopLogger()))
	assert.Equal(t, 16, cs.KeyLen)
	assert.Equal(t, 32, cs.MacKeyLen)
}

func TestNewCipherSuite_EspGcmProposal(t *testing.T) {
	prop := protocol.ESP_AES_GCM16
	cs, err := NewCipherSuite(prop)
	require.NoError(t, err)
	require.NoError(t, cs.CheckEspTransforms(log.NewNopLogger()))
	assert.Equal(t, 0, cs.MacKeyLen)
}

func TestNewCipherSuite_RejectsMixedAeadAndClassic(t *testing.T) {
	prop := protocol.Transforms{}
	for k, v := range protocol.IKE_AES_GCM16_MODP2048 {
		prop[k] = v
	}
	prop[protocol.TRANSFORM_TYPE_INTEG] = &protocol.SaTransform{
		Transform: protocol.Transform{Type: protocol.TRANSFORM_TYPE_INTEG, TransformId: uint16(protocol.AUTH_HMAC_SHA1_96)},
	}
	_, err := NewCipherSuite(prop)
	assert.Error(t, err)
}

func TestPrfHmacSha1_KnownVector(t *testing.T) {
	prf, err := prfTransform(uint16(protocol.PRF_HMAC_SHA1))
	require.NoError(t, err)

	key := mustHex(t, "094787780EE466E2CB049FA327B43908BC57E485")
	data := mustHex(t, "010000000a50500d")
	assert.Equal(t,
		mustHex(t, "D83B20CC6A0932B2A7CEF26E4020ABAAB64F0C6A"),
		prf.Compute(key, data))
}
