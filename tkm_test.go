package ike

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/crypto"
	"github.com/oxhide/ikev2/protocol"
)

func newSuite(t *testing.T) *crypto.CipherSuite {
	cs, err := crypto.NewCipherSuite(protocol.IKE_AES_CBC_SHA256_MODP2048)
	require.NoError(t, err)
	return cs
}

func TestTkm_IsaCreateSymmetric(t *testing.T) {
	initSuite, respSuite := newSuite(t), newSuite(t)

	initTkm, err := NewTkmInitiator(initSuite)
	require.NoError(t, err)

	respTkm, err := NewTkmResponder(respSuite, initTkm.DhPublic, initTkm.Ni)
	require.NoError(t, err)

	require.NoError(t, initTkm.DhGenerateKey(respTkm.DhPublic))
	initTkm.Nr = respTkm.Nr

	spiI, spiR := spi(1, 2, 3, 4, 5, 6, 7, 8), spi(8, 7, 6, 5, 4, 3, 2, 1)
	initTkm.IsaCreate(protocol.Spi(spiI), protocol.Spi(spiR))
	respTkm.IsaCreate(protocol.Spi(spiI), protocol.Spi(spiR))

	assert.Equal(t, initTkm.skD, respTkm.skD)
	assert.Equal(t, initTkm.skAi, respTkm.skAi)
	assert.Equal(t, initTkm.skAr, respTkm.skAr)
	assert.Equal(t, initTkm.skEi, respTkm.skEi)
	assert.Equal(t, initTkm.skEr, respTkm.skEr)
	assert.Equal(t, initTkm.skPi, respTkm.skPi)
	assert.Equal(t, initTkm.skPr, respTkm.skPr)

	outA, outE := initTkm.SkOut()
	inA, inE := respTkm.SkIn()
	assert.Equal(t, outA, inA)
	assert.Equal(t, outE, inE)
}

func TestTkm_AuthMatchesAcrossPeers(t *testing.T) {
	initSuite, respSuite := newSuite(t), newSuite(t)
	initTkm, err := NewTkmInitiator(initSuite)
	require.NoError(t, err)
	respTkm, err := NewTkmResponder(respSuite, initTkm.DhPublic, initTkm.Ni)
	require.NoError(t, err)
	require.NoError(t, initTkm.DhGenerateKey(respTkm.DhPublic))
	initTkm.Nr = respTkm.Nr

	spiI, spiR := protocol.Spi(spi(1, 1, 1, 1, 1, 1, 1, 1)), protocol.Spi(spi(2, 2, 2, 2, 2, 2, 2, 2))
	initTkm.IsaCreate(spiI, spiR)
	respTkm.IsaCreate(spiI, spiR)

	psk := []byte("shared secret")
	idI := protocol.NewIdPayload(protocol.PayloadTypeIDi, protocol.ID_FQDN, []byte("client.example"))
	signed := []byte("real-message-1-bytes-plus-peer-nonce")

	authFromInit := initTkm.Auth(signed, idI, psk, true)
	authFromResp := respTkm.Auth(signed, idI, psk, true)
	assert.Equal(t, authFromInit, authFromResp)
}

func TestTkm_IpsecSaCreateProducesDistinctKeys(t *testing.T) {
	initSuite := newSuite(t)
	initTkm, err := NewTkmInitiator(initSuite)
	require.NoError(t, err)
	respTkm, err := NewTkmResponder(newSuite(t), initTkm.DhPublic, initTkm.Ni)
	require.NoError(t, err)
	require.NoError(t, initTkm.DhGenerateKey(respTkm.DhPublic))
	initTkm.Nr = respTkm.Nr
	spiI, spiR := protocol.Spi(spi(9, 9, 9, 9, 9, 9, 9, 9)), protocol.Spi(spi(4, 4, 4, 4, 4, 4, 4, 4))
	initTkm.IsaCreate(spiI, spiR)

	childSuite, err := crypto.NewCipherSuite(protocol.ESP_AES_CBC_SHA256)
	require.NoError(t, err)

	ei, ai, er, ar := initTkm.IpsecSaCreate(childSuite, nil)
	assert.Len(t, ei, childSuite.KeyLen)
	assert.Len(t, er, childSuite.KeyLen)
	assert.Len(t, ai, childSuite.MacKeyLen)
	assert.Len(t, ar, childSuite.MacKeyLen)
	assert.NotEqual(t, ei, er)
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// Known-answer material for an HMAC-SHA1 / AES-CBC-128 IKE SA taken
// from an interoperability capture: the SK_* split out of SKEYSEED and
// the first Child SA's KEYMAT out of SK_d must come back byte-for-byte.
func sha1VectorTkm(t *testing.T) *Tkm {
	t.Helper()
	trs := protocol.Transforms{
		protocol.TRANSFORM_TYPE_ENCR:  &protocol.SaTransform{Transform: protocol.Transform{Type: protocol.TRANSFORM_TYPE_ENCR, TransformId: uint16(protocol.ENCR_AES_CBC), KeyLength: 128}},
		protocol.TRANSFORM_TYPE_PRF:   &protocol.SaTransform{Transform: protocol.Transform{Type: protocol.TRANSFORM_TYPE_PRF, TransformId: uint16(protocol.PRF_HMAC_SHA1)}},
		protocol.TRANSFORM_TYPE_INTEG: &protocol.SaTransform{Transform: protocol.Transform{Type: protocol.TRANSFORM_TYPE_INTEG, TransformId: uint16(protocol.AUTH_HMAC_SHA1_96)}},
		protocol.TRANSFORM_TYPE_DH:    &protocol.SaTransform{Transform: protocol.Transform{Type: protocol.TRANSFORM_TYPE_DH, TransformId: uint16(protocol.MODP_1024)}, IsLast: true},
	}
	cs, err := crypto.NewCipherSuite(trs)
	require.NoError(t, err)
	return &Tkm{
		suite: cs,
		Ni:    mustHex(t, "C39B7F368F4681B89FA9B7BE6465ABD7C5F68B6ED5D3B4C72CB4240EB5C46412"),
		Nr:    mustHex(t, "9756112CA539F5C25ABACC7EE92B73091942A9C06950F98848F1AF1694C4DDFF"),
	}
}

func TestTkm_IkeSaKeyDerivationKnownVectors(t *testing.T) {
	tkm := sha1VectorTkm(t)
	tkm.deriveIsaKeys(
		mustHex(t, "8C42F3B1F5F81C7BAAC5F33E9A4F01987B2F9657"),
		protocol.Spi(mustHex(t, "5F54BF6D8B48E6E1")),
		protocol.Spi(mustHex(t, "909232B3D1EDCB5C")))

	assert.Equal(t, mustHex(t, "C86B56EFCF684DCC2877578AEF3137167FE0EBF6"), tkm.skD)
	assert.Equal(t, mustHex(t, "554FBF5A05B7F511E05A30CE23D874DB9EF55E51"), tkm.skAi)
	assert.Equal(t, mustHex(t, "36D83420788337CA32ECAA46892C48808DCD58B1"), tkm.skAr)
	assert.Equal(t, mustHex(t, "5CBFD33F75796C0188C4A3A546AEC4A1"), tkm.skEi)
	assert.Equal(t, mustHex(t, "C33B35FCF29514CD9D8B4A695E1A816E"), tkm.skEr)
	assert.Equal(t, mustHex(t, "094787780EE466E2CB049FA327B43908BC57E485"), tkm.skPi)
	assert.Equal(t, mustHex(t, "A30E6B08BE56C0E6BFF4744143C75219299E1BEB"), tkm.skPr)
}

func TestTkm_ChildSaKeymatKnownVectors(t *testing.T) {
	tkm := sha1VectorTkm(t)
	tkm.skD = mustHex(t, "C86B56EFCF684DCC2877578AEF3137167FE0EBF6")

	espTrs := protocol.Transforms{
		protocol.TRANSFORM_TYPE_ENCR:  &protocol.SaTransform{Transform: protocol.Transform{Type: protocol.TRANSFORM_TYPE_ENCR, TransformId: uint16(protocol.ENCR_AES_CBC), KeyLength: 128}},
		protocol.TRANSFORM_TYPE_INTEG: &protocol.SaTransform{Transform: protocol.Transform{Type: protocol.TRANSFORM_TYPE_INTEG, TransformId: uint16(protocol.AUTH_HMAC_SHA1_96)}},
		protocol.TRANSFORM_TYPE_ESN:   &protocol.SaTransform{Transform: protocol.Transform{Type: protocol.TRANSFORM_TYPE_ESN, TransformId: uint16(protocol.ESN_NONE)}, IsLast: true},
	}
	espSuite, err := crypto.NewCipherSuite(espTrs)
	require.NoError(t, err)

	espEi, espAi, espEr, espAr := tkm.IpsecSaCreate(espSuite, nil)
	assert.Equal(t, mustHex(t, "1B865CEA6E2C23973E8C5452ADC5CD7D"), espEi)
	assert.Equal(t, mustHex(t, "A7A5A44F7EF4409657206C7DC52B7E692593B51E"), espAi)
	assert.Equal(t, mustHex(t, "5E82FEDACC6DCB0756DDD7553907EBD1"), espEr)
	assert.Equal(t, mustHex(t, "CDE612189FD46DE870FAEC04F92B40B0BFDBD9E1"), espAr)
}
