package transport

import (
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAndRoundTrip_UDP4(t *testing.T) {
	a, err := Listen("udp4", "127.0.0.1:0", false, log.NewNopLogger())
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen("udp4", "127.0.0.1:0", false, log.NewNopLogger())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.WritePacket([]byte("IKE_SA_INIT"), b.LocalAddr()))

	got, from, _, err := b.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("IKE_SA_INIT"), got)
	assert.Equal(t, a.LocalAddr().String(), from.String())
}

func TestNatTSocket_FramesAndStripsNonESPMarker(t *testing.T) {
	a, err := Listen("udp4", "127.0.0.1:0", true, log.NewNopLogger())
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen("udp4", "127.0.0.1:0", true, log.NewNopLogger())
	require.NoError(t, err)
	defer b.Close()

	payload := []byte("CREATE_CHILD_SA")
	require.NoError(t, a.WritePacket(payload, b.LocalAddr()))

	got, _, _, err := b.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, payload, got, "the non-ESP marker must be stripped before the caller sees the datagram")
}

func TestIsNonESPMarker(t *testing.T) {
	assert.True(t, isNonESPMarker([]byte{0, 0, 0, 0}))
	assert.False(t, isNonESPMarker([]byte{0, 0, 0, 1}))
}
