package ike

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/oxhide/ikev2/eap"
	"github.com/oxhide/ikev2/protocol"
)

// Config bundles everything a Session negotiates against: the offered
// IKE/ESP proposals, the traffic selectors this endpoint will accept,
// and the SA lifetime bounds that drive rekey scheduling.
type Config struct {
	ProposalIke, ProposalEsp protocol.Transforms

	TsI, TsR []*protocol.Selector

	IsTransportMode bool

	// SA lifetime bounds: a Child SA rekeys itself once Soft has
	// elapsed since creation. Hard is only checked against Soft by
	// CheckLifetimes; no timer tears an SA down when Hard is reached.
	SoftLifetime, HardLifetime time.Duration

	// LocalID/RemoteID name this endpoint and its peer in the IDi/IDr
	// payloads; Psk is the pre-shared key both Authenticators sign and
	// verify AUTH against.
	LocalID, RemoteID *Identity
	Psk                []byte

	// ThrottleInitRequests, when set, makes a responder demand a COOKIE
	// notification (RFC 7296 §2.6) from a source address that hasn't
	// already proven it with one, instead of committing DH state to
	// every IKE_SA_INIT request that arrives.
	ThrottleInitRequests bool

	// RetransmitTimeout/MaxRetransmits bound how long a self-originated
	// request (IKE_SA_INIT, IKE_AUTH, an IKE SA delete, a keepalive) is
	// resent before the session gives up and closes (RFC 7296 §2.1).
	RetransmitTimeout time.Duration
	MaxRetransmits    int

	// KeepaliveInterval, when positive, makes a mature Session originate
	// an empty INFORMATIONAL request on this cadence to keep NAT state
	// alive and detect a dead peer (RFC 7296 §2.4).
	KeepaliveInterval time.Duration

	// UseEap withholds AUTH until an EAP sub-exchange (RFC 7296 §2.16)
	// completes; only meaningful on an initiator - this module plays
	// only the EAP peer role, never the authenticator that originates
	// EAP requests, so a responder configured with UseEap has nothing
	// to drive the exchange from its side.
	UseEap            bool
	EapIdentity       string
	EapSupportedTypes []eap.Type
	EapMethod         eap.MethodFactory
}

const (
	defaultSoftLifetime = 55 * time.Minute
	defaultHardLifetime = 60 * time.Minute

	defaultRetransmitTimeout = 2 * time.Second
	defaultMaxRetransmits    = 5
)

func DefaultConfig() *Config {
	return &Config{
		ProposalIke:       protocol.IKE_AES_CBC_SHA256_MODP2048,
		ProposalEsp:       protocol.ESP_AES_CBC_SHA256,
		SoftLifetime:      defaultSoftLifetime,
		HardLifetime:      defaultHardLifetime,
		RetransmitTimeout: defaultRetransmitTimeout,
		MaxRetransmits:    defaultMaxRetransmits,
	}
}

// CheckLifetimes reports whether the configured soft/hard lifetime pair
// is usable: both positive and soft strictly shorter than hard, so a
// rekey always has a chance to land before the hard expiry tears the SA
// down.
func (cfg *Config) CheckLifetimes() error {
	if cfg.SoftLifetime <= 0 || cfg.HardLifetime <= 0 {
		return errors.New("SA lifetimes must be positive")
	}
	if cfg.SoftLifetime >= cfg.HardLifetime {
		return errors.New("soft lifetime must be shorter than hard lifetime")
	}
	return nil
}

// CheckProposals reports whether proposals (as offered or accepted by a
// peer) for prot include one this Config's corresponding proposal is a
// subset of.
func (cfg *Config) CheckProposals(prot protocol.ProtocolId, proposals protocol.Proposals) error {
	for _, prop := range proposals {
		if prop.ProtocolId != prot {
			continue
		}
		switch prot {
		case protocol.IKE:
			if cfg.ProposalIke.Within(prop.Transforms) {
				return nil
			}
		case protocol.ESP:
			if cfg.ProposalEsp.Within(prop.Transforms) {
				return nil
			}
		}
	}
	return errors.New("acceptable proposals are missing")
}

// AddSelector builds TsI/TsR from an initiator and responder subnet,
// covering every port and IP protocol within each.
func (cfg *Config) AddSelector(initiator, responder *net.IPNet) error {
	first, last, err := IPNetToFirstLastAddress(initiator)
	if err != nil {
		return err
	}
	cfg.TsI = []*protocol.Selector{{
		Type:         protocol.TS_IPV4_ADDR_RANGE,
		StartPort:    0,
		EndPort:      65535,
		StartAddress: first,
		EndAddress:   last,
	}}
	first, last, err = IPNetToFirstLastAddress(responder)
	if err != nil {
		return err
	}
	cfg.TsR = []*protocol.Selector{{
		Type:         protocol.TS_IPV4_ADDR_RANGE,
		StartPort:    0,
		EndPort:      65535,
		StartAddress: first,
		EndAddress:   last,
	}}
	return nil
}

// IPNetToFirstLastAddress returns the first and last address covered by
// n - the network address and the broadcast address for an IPv4 /n.
func IPNetToFirstLastAddress(n *net.IPNet) (first, last net.IP, err error) {
	ip4 := n.IP.To4()
	if ip4 == nil {
		return nil, nil, errors.Errorf("only IPv4 traffic selectors are supported, got %s", n.IP)
	}
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	first = ip4.Mask(mask)
	last = make(net.IP, net.IPv4len)
	for i := range last {
		last[i] = first[i] | ^mask[i]
	}
	return first, last, nil
}

// CheckFromInit checks that initI's SA payload offers an acceptable IKE
// proposal.
func (cfg *Config) CheckFromInit(initI *Message) error {
	ikeSa, ok := initI.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	if !ok {
		return errors.New("IKE_SA_INIT message has no SA payload")
	}
	return cfg.CheckProposals(protocol.IKE, protocol.Proposals(ikeSa.Proposals))
}

// CheckFromAuth checks that authI's SA payload offers an acceptable ESP
// proposal and that both sides' traffic selectors are present.
func (cfg *Config) CheckFromAuth(authI *Message) error {
	espSa, ok := authI.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	if !ok {
		return errors.New("IKE_AUTH message has no SA payload")
	}
	if err := cfg.CheckProposals(protocol.ESP, protocol.Proposals(espSa.Proposals)); err != nil {
		return err
	}
	tsI, ok := authI.Payloads.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload)
	if !ok || len(tsI.Selectors) == 0 {
		return errors.New("acceptable initiator traffic selectors are missing")
	}
	tsR, ok := authI.Payloads.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload)
	if !ok || len(tsR.Selectors) == 0 {
		return errors.New("acceptable responder traffic selectors are missing")
	}
	return nil
}

// ProposalFromTransforms builds a single-proposal list for prot, spi and
// the configured transform set - callers offer exactly one proposal per
// protocol, never proposal alternatives.
func ProposalFromTransforms(prot protocol.ProtocolId, trs protocol.Transforms, spi []byte) []*protocol.SaProposal {
	return []*protocol.SaProposal{protocol.ProposalFromTransforms(prot, spi, trs)}
}
