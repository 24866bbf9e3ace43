package ike

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oxhide/ikev2/protocol"
)

func TestMakeSpi_Unique(t *testing.T) {
	a, b := MakeSpi(), MakeSpi()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}

func TestSpiToInt64_ZeroForUnsetOrWrongLength(t *testing.T) {
	assert.Equal(t, uint64(0), SpiToInt64(protocol.Spi(spi(0, 0, 0, 0, 0, 0, 0, 0))))
	assert.Equal(t, uint64(0), SpiToInt64(protocol.Spi(spi(1, 2, 3))))
	assert.NotEqual(t, uint64(0), SpiToInt64(protocol.Spi(spi(0, 0, 0, 0, 0, 0, 0, 1))))
}

func TestGetCookie_StableForSameInputsDiffersOtherwise(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 500}
	ni := []byte("nonce-bytes-of-sufficient-length")
	spiI := protocol.Spi(spi(1, 2, 3, 4, 5, 6, 7, 8))

	c1 := getCookie(ni, spiI, addr)
	c2 := getCookie(ni, spiI, addr)
	assert.Equal(t, c1, c2)

	otherAddr := &net.UDPAddr{IP: net.ParseIP("203.0.113.10"), Port: 500}
	assert.NotEqual(t, c1, getCookie(ni, spiI, otherAddr))
}

func TestCheckNatHash_RoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 500}
	spiI := protocol.Spi(spi(1, 2, 3, 4, 5, 6, 7, 8))
	spiR := protocol.Spi(spi(8, 7, 6, 5, 4, 3, 2, 1))

	hash := natHash(spiI, spiR, addr)
	assert.True(t, checkNatHash(hash, spiI, spiR, addr))

	otherAddr := &net.UDPAddr{IP: net.ParseIP("203.0.113.11"), Port: 500}
	assert.False(t, checkNatHash(hash, spiI, spiR, otherAddr))
}
