package ike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/platform"
	"github.com/oxhide/ikev2/protocol"
)

// performAuthExchange runs one IKE_AUTH round trip between a manual
// pair that has already completed IKE_SA_INIT, returning the wire
// bytes of both messages.
func performAuthExchange(t *testing.T, i, r *Session) (reqBuf, respBuf []byte) {
	t.Helper()

	evt := i.SendAuth()
	require.Empty(t, evt.Event)
	reqBuf = <-i.outgoing

	authReq, err := DecodeMessage(reqBuf)
	require.NoError(t, err)
	rEvt := r.HandleIkeAuth(authReq)
	require.Equal(t, EvSuccess, rEvt.Event)
	respBuf = <-r.outgoing

	authResp, err := DecodeMessage(respBuf)
	require.NoError(t, err)
	iEvt := i.HandleIkeAuth(authResp)
	require.Equal(t, EvSuccess, iEvt.Event)
	return reqBuf, respBuf
}

// maturePair is a manual pair driven all the way to both sides having
// installed the IKE_AUTH-negotiated Child SA.
func maturePair(t *testing.T) (*Session, *Session) {
	t.Helper()
	i, r := newManualPair(t)
	performInitExchange(t, i, r)
	performAuthExchange(t, i, r)
	require.Empty(t, i.InstallSa().Event)
	require.Empty(t, r.InstallSa().Event)
	return i, r
}

func TestIkeAuth_RoundTripAgreesOnEspSpis(t *testing.T) {
	i, r := newManualPair(t)
	performInitExchange(t, i, r)
	performAuthExchange(t, i, r)

	assert.Equal(t, []byte(i.EspSpiI), []byte(r.EspSpiI))
	assert.Equal(t, []byte(i.EspSpiR), []byte(r.EspSpiR))
}

func TestIkeAuth_InstallDerivesMatchingChildKeys(t *testing.T) {
	i, r := maturePair(t)

	iInst := i.installer.(*platform.MemoryInstaller)
	rInst := r.installer.(*platform.MemoryInstaller)
	require.Len(t, iInst.Installed, 1)
	require.Len(t, rInst.Installed, 1)

	iSa, rSa := iInst.Installed[0], rInst.Installed[0]
	assert.Equal(t, iSa.EspEi, rSa.EspEi)
	assert.Equal(t, iSa.EspAi, rSa.EspAi)
	assert.Equal(t, iSa.EspEr, rSa.EspEr)
	assert.Equal(t, iSa.EspAr, rSa.EspAr)
	assert.True(t, iSa.IsInitiator)
	assert.False(t, rSa.IsInitiator)

	assert.Len(t, i.children, 1)
	assert.Len(t, r.children, 1)
}

func TestIkeAuth_WrongPskFailsAuthentication(t *testing.T) {
	i, r := newManualPair(t)
	performInitExchange(t, i, r)
	r.authRemote = NewPresharedKeyAuthenticator(r.cfg.RemoteID, []byte("not-the-psk"))

	require.Empty(t, i.SendAuth().Event)
	authReq, err := DecodeMessage(<-i.outgoing)
	require.NoError(t, err)

	evt := r.HandleIkeAuth(authReq)
	assert.Equal(t, EvAuthFail, evt.Event)
}

func TestIkeAuth_TamperedCiphertextRejectedWithoutStateChange(t *testing.T) {
	i, r := newManualPair(t)
	performInitExchange(t, i, r)

	require.Empty(t, i.SendAuth().Event)
	reqBuf := <-i.outgoing
	reqBuf[len(reqBuf)-1] ^= 0xff // flip a bit inside the ICV

	authReq, err := DecodeMessage(reqBuf)
	require.NoError(t, err)
	before := r.recvReqId
	evt := r.HandleIkeAuth(authReq)
	assert.Equal(t, EvAuthFail, evt.Event)
	assert.Equal(t, before, r.recvReqId)
}

func TestIkeAuth_DuplicateRequestResendsCachedResponse(t *testing.T) {
	i, r := newManualPair(t)
	performInitExchange(t, i, r)
	reqBuf, respBuf := performAuthExchange(t, i, r)

	// The same request arriving again means our response was lost: the
	// cached bytes go back out verbatim, and the exchange counters
	// stay put.
	dup, err := DecodeMessage(reqBuf)
	require.NoError(t, err)
	before := r.recvReqId
	require.Error(t, r.isMessageValid(dup))

	resent := <-r.outgoing
	assert.Equal(t, respBuf, resent)
	assert.Equal(t, before, r.recvReqId)

	// A request beyond the window is dropped without a resend.
	future, err := DecodeMessage(reqBuf)
	require.NoError(t, err)
	future.IkeHeader.MsgId = 7
	require.Error(t, r.isMessageValid(future))
	select {
	case buf := <-r.outgoing:
		t.Fatalf("unexpected message queued: %x", buf)
	default:
	}
}

func TestIkeAuth_EspProposalCarriesSenderSpi(t *testing.T) {
	i, r := newManualPair(t)
	performInitExchange(t, i, r)

	require.Empty(t, i.SendAuth().Event)
	authReq, err := DecodeMessage(<-i.outgoing)
	require.NoError(t, err)
	skA, skE := r.skIn()
	require.NoError(t, authReq.DecryptPayloads(r.suite, skA, skE))

	sa := authReq.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	require.Len(t, sa.Proposals, 1)
	assert.Equal(t, []byte(i.EspSpiI), sa.Proposals[0].Spi)
}
