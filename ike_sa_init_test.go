package ike

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/internal/ratelimit"
	"github.com/oxhide/ikev2/platform"
	"github.com/oxhide/ikev2/protocol"
)

var (
	initiatorAddr = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 500}
	responderAddr = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 500}
)

// testConfig builds a Config for one side of a test pair: same PSK on
// both, identities mirrored, selectors covering all of IPv4.
func testConfig(t *testing.T, isInitiator bool) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Psk = []byte("test-psk")
	local, remote := "client.test", "gateway.test"
	if !isInitiator {
		local, remote = remote, local
	}
	cfg.LocalID = &Identity{IdType: protocol.ID_FQDN, Data: []byte(local)}
	cfg.RemoteID = &Identity{IdType: protocol.ID_FQDN, Data: []byte(remote)}
	allV4 := &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
	require.NoError(t, cfg.AddSelector(allV4, allV4))
	return cfg
}

// newManualPair builds an initiator and responder Session driven by
// hand in the test goroutine - no Run loops, no sockets, events pulled
// off Events() and fed to HandleEvent directly. The initiator has
// already built and queued its first IKE_SA_INIT request.
func newManualPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	clock := platform.NewFakeClock(time.Unix(1700000000, 0))

	i, err := NewInitiator(context.Background(), testConfig(t, true), responderAddr,
		SessionDeps{Clock: clock, Installer: &platform.MemoryInstaller{}})
	require.NoError(t, err)
	r, err := NewResponder(context.Background(), testConfig(t, false), initiatorAddr,
		SessionDeps{Clock: clock, Installer: &platform.MemoryInstaller{}})
	require.NoError(t, err)

	i.HandleEvent(<-i.Events()) // EvStart -> SendInit
	return i, r
}

// performInitExchange runs one full IKE_SA_INIT round trip between a
// manual pair, asserting the responder accepts the request.
func performInitExchange(t *testing.T, i, r *Session) {
	t.Helper()
	req, err := DecodeMessage(<-i.outgoing)
	require.NoError(t, err)
	req.RemoteAddr = initiatorAddr

	reply, accepted, err := HandleInitRequestForSession(r, req)
	require.NoError(t, err)
	require.True(t, accepted)

	resp, err := DecodeMessage(reply)
	require.NoError(t, err)
	retry, err := HandleInitResponseForSession(i, resp)
	require.NoError(t, err)
	require.False(t, retry)

	// In the live loop this is HandleIkeSaInit's job once the request
	// has been answered.
	r.recvReqId++
}

func TestIkeSaInit_RoundTripDerivesMatchingKeys(t *testing.T) {
	i, r := newManualPair(t)
	performInitExchange(t, i, r)

	assert.Equal(t, []byte(i.IkeSpiR), []byte(r.IkeSpiR))

	// The initiator's outbound protection keys must be the responder's
	// inbound ones, and vice versa.
	iOutA, iOutE := i.tkm.SkOut()
	rInA, rInE := r.tkm.SkIn()
	if diff := cmp.Diff(iOutA, rInA); diff != "" {
		t.Errorf("integrity key mismatch (-initiator +responder):\n%s", diff)
	}
	if diff := cmp.Diff(iOutE, rInE); diff != "" {
		t.Errorf("encryption key mismatch (-initiator +responder):\n%s", diff)
	}
	rOutA, rOutE := r.tkm.SkOut()
	iInA, iInE := i.tkm.SkIn()
	assert.Equal(t, rOutA, iInA)
	assert.Equal(t, rOutE, iInE)
	assert.Equal(t, i.tkm.skD, r.tkm.skD)
}

func TestIkeSaInit_RecordsRawMessagesForAuth(t *testing.T) {
	i, r := newManualPair(t)
	performInitExchange(t, i, r)

	// Both sides must hold bit-identical copies of both IKE_SA_INIT
	// messages: they are the "real message" half of AUTH's signed
	// octets.
	assert.Equal(t, i.initIb, r.initIb)
	assert.Equal(t, i.initRb, r.initRb)
	assert.NotEmpty(t, i.initIb)
	assert.NotEmpty(t, i.initRb)
}

func TestIkeSaInit_ResponderRejectsWrongDhGroup(t *testing.T) {
	i, r := newManualPair(t)

	req, err := DecodeMessage(<-i.outgoing)
	require.NoError(t, err)
	req.RemoteAddr = initiatorAddr
	ke := req.Payloads.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	ke.DhTransformId = protocol.MODP_1024

	_, _, err = HandleInitRequestForSession(r, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ERR_INVALID_KE_PAYLOAD))
}

func TestIkeSaInit_MissingSaPayloadIsInvalidSyntax(t *testing.T) {
	_, r := newManualPair(t)

	header := &protocol.IkeHeader{
		SpiI:         MakeSpi(),
		SpiR:         make(protocol.Spi, 8),
		MajorVersion: protocol.IKEV2_MAJOR_VERSION,
		ExchangeType: protocol.IKE_SA_INIT,
	}
	bare := &Message{IkeHeader: header, Payloads: protocol.MakePayloads()}
	req, err := DecodeMessage(bare.Encode())
	require.NoError(t, err)
	req.RemoteAddr = initiatorAddr

	_, _, err = HandleInitRequestForSession(r, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ERR_INVALID_SYNTAX))
}

func TestIkeSaInit_CookieChallengeRetry(t *testing.T) {
	i, r := newManualPair(t)
	r.cfg.ThrottleInitRequests = true
	r.throttle = ratelimit.New(0, 0) // admit nothing without a cookie

	req, err := DecodeMessage(<-i.outgoing)
	require.NoError(t, err)
	req.RemoteAddr = r.remoteAddr

	challenge, accepted, err := HandleInitRequestForSession(r, req)
	require.NoError(t, err)
	require.False(t, accepted, "first request must be challenged, not admitted")

	resp, err := DecodeMessage(challenge)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Payloads.GetNotifications(protocol.COOKIE))
	require.Nil(t, resp.Payloads.Get(protocol.PayloadTypeSA))

	retry, err := HandleInitResponseForSession(i, resp)
	require.NoError(t, err)
	require.True(t, retry)

	retryReq, err := DecodeMessage(<-i.outgoing)
	require.NoError(t, err)
	retryReq.RemoteAddr = r.remoteAddr

	// The retried request restarts at Message ID 0 and echoes the
	// cookie, which lets it through the throttle this time.
	assert.Equal(t, uint32(0), retryReq.IkeHeader.MsgId)
	require.NotEmpty(t, retryReq.Payloads.GetNotifications(protocol.COOKIE))

	reply, accepted, err := HandleInitRequestForSession(r, retryReq)
	require.NoError(t, err)
	require.True(t, accepted)

	resp2, err := DecodeMessage(reply)
	require.NoError(t, err)
	retry, err = HandleInitResponseForSession(i, resp2)
	require.NoError(t, err)
	require.False(t, retry)

	outA, outE := i.tkm.SkOut()
	inA, inE := r.tkm.SkIn()
	assert.Equal(t, outA, inA)
	assert.Equal(t, outE, inE)
}
