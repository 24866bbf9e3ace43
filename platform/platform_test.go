package platform

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySocketPair_WriteIsReadOnPeer(t *testing.T) {
	aAddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 500}
	bAddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 500}
	a, b := NewMemorySocketPair(aAddr, bAddr)

	require.NoError(t, a.WritePacket([]byte("hello"), bAddr))

	got, from, _, err := b.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, aAddr, from)
}

func TestMemorySocket_ReadAfterCloseErrors(t *testing.T) {
	a, _ := NewMemorySocketPair(&net.UDPAddr{Port: 1}, &net.UDPAddr{Port: 2})
	require.NoError(t, a.Close())
	_, _, _, err := a.ReadPacket()
	assert.Error(t, err)
}

func TestMemoryInstaller_RecordsCalls(t *testing.T) {
	inst := &MemoryInstaller{}
	sa := &SaParams{IkeSpiI: []byte{1}}
	require.NoError(t, inst.InstallChildSa(sa, SaDirectionBoth))
	require.NoError(t, inst.InstallChildSa(sa, SaDirectionInbound))
	require.NoError(t, inst.RemoveChildSa(sa))
	assert.Len(t, inst.Installed, 2)
	assert.Equal(t, []SaDirection{SaDirectionBoth, SaDirectionInbound}, inst.InstalledDirs)
	assert.Len(t, inst.Removed, 1)
}

func TestFixedVectorProvider_ReturnsConfiguredVectors(t *testing.T) {
	p := FixedVectorProvider{
		Sim: []SimVector{{Rand: []byte{1}}, {Rand: []byte{2}}},
	}
	vecs, err := p.SimVectors(context.Background(), "alice@example.com", 2)
	require.NoError(t, err)
	assert.Len(t, vecs, 2)

	_, err = p.SimVectors(context.Background(), "alice@example.com", 3)
	assert.Error(t, err)
}

func TestFakeClock_AfterFiresOnAdvance(t *testing.T) {
	start := time.Unix(0, 0)
	clk := NewFakeClock(start)

	ch := clk.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	clk.Advance(3 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	clk.Advance(2 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("timer did not fire after deadline reached")
	}
}
