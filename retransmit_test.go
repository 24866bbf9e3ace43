package ike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetransmit_ResendsIdenticalBytes(t *testing.T) {
	i, _ := newManualPair(t)
	first := <-i.outgoing

	i.onRetransmitTimeout()
	second := <-i.outgoing

	assert.Equal(t, first, second, "a retransmission must be bit-identical, same message id included")
	assert.Equal(t, 1, i.retransmitCount)

	i.onRetransmitTimeout()
	third := <-i.outgoing
	assert.Equal(t, first, third)
	assert.Equal(t, 2, i.retransmitCount)
}

func TestRetransmit_DisarmStopsResends(t *testing.T) {
	i, _ := newManualPair(t)
	<-i.outgoing

	i.disarmRetransmit()
	i.onRetransmitTimeout()

	select {
	case buf := <-i.outgoing:
		t.Fatalf("resent after disarm: %x", buf)
	default:
	}
}

func TestRetransmit_GivesUpAndClosesAfterCap(t *testing.T) {
	i, _ := newManualPair(t)
	<-i.outgoing

	for n := 0; n < i.cfg.MaxRetransmits; n++ {
		i.onRetransmitTimeout()
		<-i.outgoing
	}
	require.Equal(t, StateInitSent, i.State())

	// The attempt after the cap gives up instead of resending.
	i.onRetransmitTimeout()
	select {
	case buf := <-i.outgoing:
		t.Fatalf("resent past the cap: %x", buf)
	default:
	}

	i.HandleEvent(<-i.Events())
	assert.Equal(t, StateClosed, i.State())
}

func TestRetransmit_TimerRearmsOnEachSend(t *testing.T) {
	i, _ := newManualPair(t)
	<-i.outgoing
	require.NotNil(t, i.retransmitTimer)

	i.disarmRetransmit()
	assert.Nil(t, i.retransmitTimer)
	assert.Nil(t, i.pendingBuf)

	buf := []byte{1, 2, 3}
	i.armRetransmit(buf, 5)
	assert.NotNil(t, i.retransmitTimer)
	assert.Equal(t, uint32(5), i.pendingReqId)
	assert.Equal(t, 0, i.retransmitCount)
}
