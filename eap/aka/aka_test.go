package aka

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/eap"
	"github.com/oxhide/ikev2/eap/attr"
	"github.com/oxhide/ikev2/platform"
)

func fixedVector() platform.AkaVector {
	return platform.AkaVector{
		Rand: bytesOf(16, 0x11),
		Autn: bytesOf(16, 0x22),
		Res:  bytesOf(8, 0x33),
		Ck:   bytesOf(16, 0x44),
		Ik:   bytesOf(16, 0x55),
	}
}

func bytesOf(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func challengeRequestBody(vec platform.AkaVector) []byte {
	randAttr, _ := attr.Marshal(atRand, vec.Rand)
	autnAttr, _ := attr.Marshal(atAutn, vec.Autn)
	body := []byte{subtypeChallenge, 0, 0}
	body = append(body, randAttr...)
	body = append(body, autnAttr...)
	return body
}

func TestMethod_Challenge_DerivesKeysAndSignsResponse(t *testing.T) {
	provider := platform.FixedVectorProvider{Aka: fixedVector()}
	m := NewMethod(context.Background(), "alice@example.com", false, "", provider)

	data, done, msk, emsk, err := m.HandleRequest(7, challengeRequestBody(fixedVector()))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, msk, 64)
	assert.Len(t, emsk, 64)

	pkt := &eap.Packet{Code: eap.CodeResponse, Identifier: 7, Type: eap.TypeAKA, TypeData: data}
	ok, err := m.VerifyMAC(pkt)
	require.NoError(t, err)
	assert.True(t, ok, "response AT_MAC must verify against the Kaut this method derived")

	attrs, err := attr.Decode(data[3:])
	require.NoError(t, err)
	res, ok := attr.Find(attrs, atRes)
	require.True(t, ok)
	assert.Equal(t, fixedVector().Res, res.Value[2:])
}

func TestMethod_Challenge_MissingAutn(t *testing.T) {
	provider := platform.FixedVectorProvider{Aka: fixedVector()}
	m := NewMethod(context.Background(), "alice@example.com", false, "", provider)

	randAttr, _ := attr.Marshal(atRand, fixedVector().Rand)
	body := append([]byte{subtypeChallenge, 0, 0}, randAttr...)

	_, _, _, _, err := m.HandleRequest(1, body)
	assert.Error(t, err)
}

func TestMethod_Identity_RespondsWithIdentityNoMac(t *testing.T) {
	provider := platform.FixedVectorProvider{Aka: fixedVector()}
	m := NewMethod(context.Background(), "alice@example.com", false, "", provider)

	data, done, _, _, err := m.HandleRequest(2, []byte{subtypeIdentity, 0, 0})
	require.NoError(t, err)
	assert.False(t, done)

	attrs, err := attr.Decode(data[3:])
	require.NoError(t, err)
	id, ok := attr.Find(attrs, atIdentity)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", string(id.Value[2:2+binary.BigEndian.Uint16(id.Value[0:2])]))
}

func TestMethod_AKAPrime_UsesNetworkNameInDerivation(t *testing.T) {
	provider := platform.FixedVectorProvider{Aka: fixedVector()}
	mWlan := NewMethod(context.Background(), "alice@example.com", true, "WLAN", provider)
	mOther := NewMethod(context.Background(), "alice@example.com", true, "eap.example.com", provider)

	_, _, mskWlan, _, err := mWlan.HandleRequest(1, challengeRequestBody(fixedVector()))
	require.NoError(t, err)
	_, _, mskOther, _, err := mOther.HandleRequest(1, challengeRequestBody(fixedVector()))
	require.NoError(t, err)

	assert.NotEqual(t, mskWlan, mskOther, "CK'/IK' derivation must depend on the access network name")
}
