package ike

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/platform"
)

// startLivePair wires an initiator and responder together over an
// in-memory socket pair and runs both event loops for real: messages
// flow through ReadMessage/PostMessage exactly as they would off a UDP
// socket.
func startLivePair(t *testing.T) (i, r *Session, iInst, rInst *platform.MemoryInstaller) {
	t.Helper()
	iSock, rSock := platform.NewMemorySocketPair(initiatorAddr, responderAddr)
	iInst, rInst = &platform.MemoryInstaller{}, &platform.MemoryInstaller{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		iSock.Close()
		rSock.Close()
	})

	var err error
	i, err = NewInitiator(ctx, testConfig(t, true), responderAddr, SessionDeps{Socket: iSock, Installer: iInst})
	require.NoError(t, err)
	r, err = NewResponder(ctx, testConfig(t, false), initiatorAddr, SessionDeps{Socket: rSock, Installer: rInst})
	require.NoError(t, err)

	go i.Run()
	go r.Run()
	pump := func(sock *platform.MemorySocket, sess *Session) {
		for {
			msg, err := ReadMessage(sock)
			if err != nil {
				return
			}
			sess.PostMessage(msg)
		}
	}
	go pump(iSock, i)
	go pump(rSock, r)
	return i, r, iInst, rInst
}

func waitInstalled(t *testing.T, inst *platform.MemoryInstaller, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		installed, _ := inst.Counts()
		return installed >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_EstablishesAndClosesOverWire(t *testing.T) {
	i, r, iInst, rInst := startLivePair(t)

	waitInstalled(t, iInst, 1)
	waitInstalled(t, rInst, 1)
	require.Eventually(t, func() bool {
		return i.State() == StateMature && r.State() == StateMature
	}, 5*time.Second, 10*time.Millisecond)

	// Both ends must have programmed the same Child SA - same SPIs,
	// same directional keys - differing only in which side they are.
	diff := cmp.Diff(iInst.Installed[0], rInst.Installed[0],
		cmpopts.IgnoreFields(platform.SaParams{}, "IsInitiator"))
	if diff != "" {
		t.Errorf("installed child sa params diverge (-initiator +responder):\n%s", diff)
	}
	assert.NotEmpty(t, iInst.Installed[0].EspEi)

	// A graceful local close deletes the IKE SA on the peer too.
	i.Close(nil)
	require.Eventually(t, func() bool {
		return i.State() == StateClosed && r.State() == StateClosed
	}, 5*time.Second, 10*time.Millisecond)

	_, iRemoved := iInst.Counts()
	_, rRemoved := rInst.Counts()
	assert.GreaterOrEqual(t, iRemoved, 1)
	assert.GreaterOrEqual(t, rRemoved, 1)
}

func TestSession_CreateChildSaOnDemand(t *testing.T) {
	i, r, iInst, rInst := startLivePair(t)
	waitInstalled(t, iInst, 1)
	waitInstalled(t, rInst, 1)
	require.Eventually(t, func() bool {
		return i.State() == StateMature && r.State() == StateMature
	}, 5*time.Second, 10*time.Millisecond)

	i.RequestChildCreate(i.cfg.TsI, i.cfg.TsR)

	waitInstalled(t, iInst, 2)
	waitInstalled(t, rInst, 2)

	iSa, rSa := iInst.Installed[1], rInst.Installed[1]
	assert.Equal(t, iSa.EspSpiI, rSa.EspSpiI)
	assert.Equal(t, iSa.EspSpiR, rSa.EspSpiR)
	assert.Equal(t, iSa.EspEi, rSa.EspEi)
	assert.Equal(t, iSa.EspAi, rSa.EspAi)
	assert.Equal(t, iSa.EspEr, rSa.EspEr)
	assert.Equal(t, iSa.EspAr, rSa.EspAr)
}

func TestSession_ResponderInitiatedClose(t *testing.T) {
	i, r, iInst, rInst := startLivePair(t)
	waitInstalled(t, iInst, 1)
	waitInstalled(t, rInst, 1)
	require.Eventually(t, func() bool {
		return i.State() == StateMature && r.State() == StateMature
	}, 5*time.Second, 10*time.Millisecond)

	// Close driven from the answering side: the responder originates
	// the INFORMATIONAL Delete this time and the initiator answers it.
	r.Close(nil)
	require.Eventually(t, func() bool {
		return i.State() == StateClosed && r.State() == StateClosed
	}, 5*time.Second, 10*time.Millisecond)

	_, iRemoved := iInst.Counts()
	_, rRemoved := rInst.Counts()
	assert.GreaterOrEqual(t, iRemoved, 1)
	assert.GreaterOrEqual(t, rRemoved, 1)
}
