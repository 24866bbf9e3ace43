package ike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/protocol"
)

func establishedTkm(t *testing.T) *Tkm {
	initTkm, err := NewTkmInitiator(newSuite(t))
	require.NoError(t, err)
	respTkm, err := NewTkmResponder(newSuite(t), initTkm.DhPublic, initTkm.Ni)
	require.NoError(t, err)
	require.NoError(t, initTkm.DhGenerateKey(respTkm.DhPublic))
	initTkm.Nr = respTkm.Nr
	initTkm.IsaCreate(protocol.Spi(spi(1, 2, 3, 4, 5, 6, 7, 8)), protocol.Spi(spi(8, 7, 6, 5, 4, 3, 2, 1)))
	return initTkm
}

func TestAddSa_PopulatesDirectionalKeys(t *testing.T) {
	cfg := DefaultConfig()
	tkm := establishedTkm(t)

	sa, err := addSa(tkm,
		protocol.Spi(spi(1, 2, 3, 4, 5, 6, 7, 8)), protocol.Spi(spi(8, 7, 6, 5, 4, 3, 2, 1)),
		protocol.Spi(spi(1, 1, 1, 1)), protocol.Spi(spi(2, 2, 2, 2)),
		cfg, true)
	require.NoError(t, err)
	assert.NotEmpty(t, sa.EspEi)
	assert.NotEmpty(t, sa.EspEr)
	assert.NotEqual(t, sa.EspEi, sa.EspEr)
	assert.Equal(t, protocol.ENCR_AES_CBC, sa.EncrId)
	assert.True(t, sa.IsInitiator)
}

func TestRemoveSa_CarriesNoKeyMaterial(t *testing.T) {
	cfg := DefaultConfig()
	sa := removeSa(
		protocol.Spi(spi(1, 2, 3, 4, 5, 6, 7, 8)), protocol.Spi(spi(8, 7, 6, 5, 4, 3, 2, 1)),
		protocol.Spi(spi(1, 1, 1, 1)), protocol.Spi(spi(2, 2, 2, 2)),
		cfg, false)
	assert.Empty(t, sa.EspEi)
	assert.False(t, sa.IsInitiator)
}
