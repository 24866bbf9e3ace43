package ike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/protocol"
)

// encodeFrom encrypts msg under o's outbound keys and decodes it back
// into the shape the receiving side's handlers expect off the wire.
func encodeFrom(t *testing.T, o *Session, msg *Message) *Message {
	t.Helper()
	skA, skE := o.skOut()
	buf, err := msg.EncodeEncrypted(o.ikeCipherSuite(), skA, skE)
	require.NoError(t, err)
	m, err := DecodeMessage(buf)
	require.NoError(t, err)
	return m
}

// decryptAt opens an encrypted wire buffer with o's inbound keys.
func decryptAt(t *testing.T, o *Session, buf []byte) *Message {
	t.Helper()
	m, err := DecodeMessage(buf)
	require.NoError(t, err)
	skA, skE := o.skIn()
	require.NoError(t, m.DecryptPayloads(o.ikeCipherSuite(), skA, skE))
	return m
}

func TestInformational_PeerDeleteTearsDownIkeSa(t *testing.T) {
	i, r := maturePair(t)

	del := DeleteFromSession(i)
	del.IkeHeader.MsgId = i.nextSendReqId()
	m := encodeFrom(t, i, del)

	evt := HandleInformationalForSession(r, m)
	require.NotNil(t, evt)
	assert.Equal(t, EvDeleteIkeSa, evt.Event)

	reply := decryptAt(t, i, <-r.outgoing)
	assert.True(t, reply.IkeHeader.Flags.IsResponse())
	assert.Equal(t, m.IkeHeader.MsgId, reply.IkeHeader.MsgId)
	assert.Empty(t, reply.Payloads.Array)
}

func TestInformational_EmptyProbeGetsEmptyReply(t *testing.T) {
	i, r := maturePair(t)

	probe := EmptyFromSession(i)
	probe.IkeHeader.MsgId = i.nextSendReqId()
	m := encodeFrom(t, i, probe)

	before := r.recvReqId
	evt := HandleInformationalForSession(r, m)
	assert.Nil(t, evt)
	assert.Equal(t, before+1, r.recvReqId)

	reply := decryptAt(t, i, <-r.outgoing)
	assert.True(t, reply.IkeHeader.Flags.IsResponse())
	assert.Empty(t, reply.Payloads.Array)
}

func TestInformational_ResponseIsNotReanswered(t *testing.T) {
	i, r := maturePair(t)

	probe := EmptyFromSession(i)
	probe.IkeHeader.MsgId = i.nextSendReqId()
	require.Nil(t, HandleInformationalForSession(r, encodeFrom(t, i, probe)))
	replyBuf := <-r.outgoing

	// Feeding the response back through the handler must neither
	// answer it nor advance the request counter.
	reply, err := DecodeMessage(replyBuf)
	require.NoError(t, err)
	before := i.recvReqId
	assert.Nil(t, HandleInformationalForSession(i, reply))
	assert.Equal(t, before, i.recvReqId)
	select {
	case buf := <-i.outgoing:
		t.Fatalf("response was answered: %x", buf)
	default:
	}
}

func TestInformational_ChildDeleteAnsweredWithOurSpi(t *testing.T) {
	i, r := maturePair(t)
	require.Len(t, r.children, 1)

	var child *ChildSa
	for _, c := range i.children {
		child = c
	}
	i.sendChildDelete(child)
	m, err := DecodeMessage(<-i.outgoing)
	require.NoError(t, err)

	assert.Nil(t, HandleInformationalForSession(r, m))
	assert.Empty(t, r.children, "peer-named child sa must be torn down")

	reply := decryptAt(t, i, <-r.outgoing)
	del, ok := reply.Payloads.Get(protocol.PayloadTypeD).(*protocol.DeletePayload)
	require.True(t, ok)
	assert.Equal(t, protocol.ESP, del.ProtocolId)
	require.Len(t, del.Spis, 1)
	// The response names the responder's own SPI for the pair, not an
	// echo of the one we sent.
	assert.Equal(t, []byte(child.EspSpiR), []byte(del.Spis[0]))
}

func TestInformational_DeleteForUnknownChildSpiIsIgnored(t *testing.T) {
	i, r := maturePair(t)

	del := protocol.NewDeletePayload(protocol.ESP, protocol.Spi{9, 9, 9, 9})
	msg := &Message{IkeHeader: informationalHeader(i), Payloads: protocol.Chain(del)}
	msg.IkeHeader.MsgId = i.nextSendReqId()

	assert.Nil(t, HandleInformationalForSession(r, encodeFrom(t, i, msg)))
	assert.Len(t, r.children, 1, "unrelated child sas must survive")

	reply := decryptAt(t, i, <-r.outgoing)
	d, ok := reply.Payloads.Get(protocol.PayloadTypeD).(*protocol.DeletePayload)
	require.True(t, ok)
	assert.Empty(t, d.Spis)
}
