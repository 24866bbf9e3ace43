package ike

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxhide/ikev2/protocol"
)

func TestConfig_CheckLifetimes(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.CheckLifetimes())

	cfg.SoftLifetime = cfg.HardLifetime
	assert.Error(t, cfg.CheckLifetimes())

	cfg.SoftLifetime = -time.Second
	assert.Error(t, cfg.CheckLifetimes())
}

func TestConfig_CheckProposalsAcceptsSubset(t *testing.T) {
	cfg := DefaultConfig()
	prop := &protocol.SaProposal{
		ProtocolId: protocol.IKE,
		Transforms: protocol.IKE_AES_CBC_SHA256_MODP2048.AsList(),
	}
	require.NoError(t, cfg.CheckProposals(protocol.IKE, protocol.Proposals{prop}))
}

func TestConfig_CheckProposalsRejectsMismatch(t *testing.T) {
	cfg := DefaultConfig()
	prop := &protocol.SaProposal{
		ProtocolId: protocol.IKE,
		Transforms: []*protocol.SaTransform{
			{Transform: protocol.Transform{Type: protocol.TRANSFORM_TYPE_ENCR, TransformId: uint16(protocol.ENCR_NULL)}},
		},
	}
	assert.Error(t, cfg.CheckProposals(protocol.IKE, protocol.Proposals{prop}))
}

func TestIPNetToFirstLastAddress(t *testing.T) {
	_, n, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)
	first, last, err := IPNetToFirstLastAddress(n)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.0", first.String())
	assert.Equal(t, "192.168.1.255", last.String())
}

func TestConfig_AddSelector(t *testing.T) {
	cfg := &Config{}
	_, initNet, _ := net.ParseCIDR("10.0.0.0/24")
	_, respNet, _ := net.ParseCIDR("10.0.1.0/24")
	require.NoError(t, cfg.AddSelector(initNet, respNet))
	require.Len(t, cfg.TsI, 1)
	require.Len(t, cfg.TsR, 1)
	assert.Equal(t, uint16(0), cfg.TsI[0].StartPort)
	assert.Equal(t, uint16(65535), cfg.TsI[0].EndPort)
}
