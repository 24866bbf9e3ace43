package ike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/platform"
)

func soleChild(t *testing.T, o *Session) *ChildSa {
	t.Helper()
	require.Len(t, o.children, 1)
	for _, c := range o.children {
		return c
	}
	return nil
}

func TestChildRekey_RemoteDefersOutboundUntilOldSaDeleted(t *testing.T) {
	i, r := maturePair(t)
	iInst := i.installer.(*platform.MemoryInstaller)
	rInst := r.installer.(*platform.MemoryInstaller)
	old := soleChild(t, i)

	// i originates the rekey of the one installed Child SA.
	newChild, req, err := i.buildChildRekeyRequest(old)
	require.NoError(t, err)
	require.NoError(t, i.sendChildRequest(newChild, req))
	reqMsg, err := DecodeMessage(<-i.outgoing)
	require.NoError(t, err)

	// The answering side brings up only the inbound half of the
	// replacement and keeps the old Child SA fully installed.
	handleCreateChildSaMessage(r, reqMsg)
	require.Len(t, rInst.InstalledDirs, 2)
	assert.Equal(t, platform.SaDirectionInbound, rInst.InstalledDirs[1])
	assert.Len(t, r.children, 2)
	rOld := r.findChildByPeerSpi(childRekeyNotifySpi(reqMsg))
	require.NotNil(t, rOld, "old child sa must still be routable")
	var rSuccessor *ChildSa
	for _, c := range r.children {
		if c.outboundPending {
			rSuccessor = c
		}
	}
	require.NotNil(t, rSuccessor)
	assert.Equal(t, ChildStateInstalling, rSuccessor.State())
	_, rRemoved := rInst.Counts()
	assert.Zero(t, rRemoved)

	// The requester installs both halves at once and deletes the old
	// SA, telling the peer so.
	respMsg, err := DecodeMessage(<-r.outgoing)
	require.NoError(t, err)
	handleCreateChildSaMessage(i, respMsg)
	require.Len(t, iInst.InstalledDirs, 2)
	assert.Equal(t, platform.SaDirectionBoth, iInst.InstalledDirs[1])
	_, iRemoved := iInst.Counts()
	assert.Equal(t, 1, iRemoved)
	assert.Len(t, i.children, 1)

	// That Delete is what releases the answering side's outbound half.
	delMsg, err := DecodeMessage(<-i.outgoing)
	require.NoError(t, err)
	assert.Nil(t, HandleInformationalForSession(r, delMsg))

	require.Len(t, rInst.InstalledDirs, 3)
	assert.Equal(t, platform.SaDirectionOutbound, rInst.InstalledDirs[2])
	assert.False(t, rSuccessor.outboundPending)
	assert.Equal(t, ChildStateMature, rSuccessor.State())
	assert.Len(t, r.children, 1)
	_, rRemoved = rInst.Counts()
	assert.Equal(t, 1, rRemoved)

	// Both ends agree on the replacement's SPIs and keys.
	assert.Equal(t, []byte(newChild.EspSpiI), []byte(rSuccessor.EspSpiI))
	assert.Equal(t, []byte(newChild.EspSpiR), []byte(rSuccessor.EspSpiR))
	assert.Equal(t, newChild.espEi, rSuccessor.espEi)
	assert.Equal(t, newChild.espAr, rSuccessor.espAr)
}
