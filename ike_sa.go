package ike

import (
	"github.com/oxhide/ikev2/crypto"
	"github.com/oxhide/ikev2/platform"
	"github.com/oxhide/ikev2/protocol"
)

// transformIds pulls the negotiated ENCR/INTEG transform ids out of an
// ESP proposal's transform set, for platform.SaParams - the installer
// needs to know which algorithm to program, not just the derived keys.
func transformIds(trs protocol.Transforms) (protocol.EncrTransformId, protocol.AuthTransformId) {
	var encr protocol.EncrTransformId
	var auth protocol.AuthTransformId
	for typ, tr := range trs {
		switch typ {
		case protocol.TRANSFORM_TYPE_ENCR:
			encr = protocol.EncrTransformId(tr.TransformId)
		case protocol.TRANSFORM_TYPE_INTEG:
			auth = protocol.AuthTransformId(tr.TransformId)
		}
	}
	return encr, auth
}

// addSa derives the first Child SA's KEYMAT from tkm's SK_d and builds
// the platform.SaParams an IpsecTransformInstaller needs to program it.
func addSa(tkm *Tkm, ikeSpiI, ikeSpiR, espSpiI, espSpiR protocol.Spi, cfg *Config, isInitiator bool) (*platform.SaParams, error) {
	childSuite, err := crypto.NewCipherSuite(cfg.ProposalEsp)
	if err != nil {
		return nil, err
	}
	espEi, espAi, espEr, espAr := tkm.IpsecSaCreate(childSuite, nil)
	encrId, authId := transformIds(cfg.ProposalEsp)

	return &platform.SaParams{
		IkeSpiI: ikeSpiI, IkeSpiR: ikeSpiR,
		EspSpiI: espSpiI, EspSpiR: espSpiR,
		EncrId: encrId, AuthId: authId,
		EspEi: espEi, EspAi: espAi,
		EspEr: espEr, EspAr: espAr,
		IsInitiator:     isInitiator,
		IsTransportMode: cfg.IsTransportMode,
		TsI:             cfg.TsI,
		TsR:             cfg.TsR,
		Lifetime:        cfg.SoftLifetime,
	}, nil
}

// IkeSa is a snapshot of one generation of IKE SA keying state: the SPIs
// and Tkm a Session was using before a rekey swapped them out. A Session
// only ever runs one generation's worth of exchanges at a time: swapIkeSa
// takes this snapshot, sends the outgoing generation's INFORMATIONAL
// delete from the still-live Session fields, and uses the snapshot only
// to zeroize that generation's keys before installing the new one.
type IkeSa struct {
	SpiI, SpiR protocol.Spi
	Tkm        *Tkm
	Suite      *crypto.CipherSuite
}

// zeroize wipes the generation's keying material.
func (s *IkeSa) zeroize() {
	if s.Tkm != nil {
		s.Tkm.zeroize()
	}
}

// removeSa builds the SaParams identifying a Child SA to tear down.
// The installer only needs the SPIs and selectors to find and remove
// kernel state, so no KEYMAT is re-derived here.
func removeSa(ikeSpiI, ikeSpiR, espSpiI, espSpiR protocol.Spi, cfg *Config, isInitiator bool) *platform.SaParams {
	encrId, authId := transformIds(cfg.ProposalEsp)
	return &platform.SaParams{
		IkeSpiI: ikeSpiI, IkeSpiR: ikeSpiR,
		EspSpiI: espSpiI, EspSpiR: espSpiR,
		EncrId: encrId, AuthId: authId,
		IsInitiator:     isInitiator,
		IsTransportMode: cfg.IsTransportMode,
		TsI:             cfg.TsI,
		TsR:             cfg.TsR,
	}
}
