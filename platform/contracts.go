// Package platform names the abstract collaborators the protocol core
// talks to but never implements itself: the datagram transport, the
// kernel/userspace IPsec installer, the SIM/AKA credential source, and
// wall-clock/dispatch. Concrete implementations (transport.UDPSocket,
// a netlink-based installer, a real SIM modem) live outside this module's
// core packages and are wired in by the caller.
package platform

import (
	"context"
	"net"
	"time"

	"github.com/oxhide/ikev2/protocol"
)

// DatagramSocket is what session.go reads/writes IKE messages through:
// a packet-oriented socket that also hands back which local address a
// packet arrived on, needed for NAT-T source-address selection.
type DatagramSocket interface {
	ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error)
	WritePacket(b []byte, remoteAddr net.Addr) error
	LocalAddr() net.Addr
	Close() error
}

// SaParams is everything an IpsecTransformInstaller needs to program (or
// tear down) one Child SA's kernel/userspace state: both directions' SPIs
// and keys, the negotiated transform IDs, the traffic selectors the SA
// covers, and which side derived it.
type SaParams struct {
	IkeSpiI, IkeSpiR []byte
	EspSpiI, EspSpiR []byte

	EncrId protocol.EncrTransformId
	AuthId protocol.AuthTransformId

	EspEi, EspAi []byte // initiator-bound encrypt/auth keys
	EspEr, EspAr []byte // responder-bound encrypt/auth keys

	IsInitiator     bool
	IsTransportMode bool
	TsI, TsR        []*protocol.Selector

	Lifetime time.Duration
}

// Zeroize wipes the derived ESP keys in place; key material must not
// outlive the SA it keyed. Callers invoke this once a Child SA has been
// removed from whatever programs it - SaParams itself carries no
// lifecycle hook of its own, since the installer, not this struct,
// owns when that happens.
func (s *SaParams) Zeroize() {
	zeroBytes(s.EspEi)
	zeroBytes(s.EspAi)
	zeroBytes(s.EspEr)
	zeroBytes(s.EspAr)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SaDirection selects which half of a Child SA transform pair an
// InstallChildSa call covers. A rekey answered for the peer installs
// the inbound half as soon as the new SA is negotiated but defers the
// outbound half until the peer deletes the SA being replaced, so the
// peer never receives traffic on an SA it has already stopped
// accepting.
type SaDirection int

const (
	SaDirectionBoth SaDirection = iota
	SaDirectionInbound
	SaDirectionOutbound
)

func (d SaDirection) String() string {
	switch d {
	case SaDirectionInbound:
		return "inbound"
	case SaDirectionOutbound:
		return "outbound"
	default:
		return "both"
	}
}

// IpsecTransformInstaller programs and removes the negotiated Child SA
// state in whatever packet-processing layer sits below this module
// (XFRM, a userspace ESP stack, a test double). Called from the IKE
// session goroutine's InstallSa/RemoveSa state actions; implementations
// that do real kernel work should not block the caller for long — wrap
// slow installers in an Executor. dir names which transform half the
// call programs; RemoveChildSa always releases whatever halves were
// installed.
type IpsecTransformInstaller interface {
	InstallChildSa(sa *SaParams, dir SaDirection) error
	RemoveChildSa(sa *SaParams) error
}

// AkaVector is one EAP-AKA/AKA' authentication vector as delivered by a
// SIM/USIM or an AuC, before any IKEv2-side key derivation.
type AkaVector struct {
	Rand, Autn []byte
	Res        []byte
	Ck, Ik     []byte
}

// SimVector is one EAP-SIM GSM triplet (RFC 4186 §7).
type SimVector struct {
	Rand     []byte
	Sres, Kc []byte
}

// SimAuthProvider is the credential source behind EAP-SIM/AKA/AKA':
// a real SIM/USIM card, an HSS/AuC lookup, or (in tests) a fixed set of
// vectors. identity is the EAP peer identity (NAI) the vectors are for.
type SimAuthProvider interface {
	AkaVectors(ctx context.Context, identity string) (AkaVector, error)
	SimVectors(ctx context.Context, identity string, n int) ([]SimVector, error)
}

// Clock abstracts wall-clock reads and timers so retransmission and
// lifetime expiry (scheduler.go, retransmit.go) can be driven
// deterministically in tests instead of through real time.Sleep/Timer.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Executor runs a function off the protocol event loop goroutine: the
// Session runs its Child SA rekey timers through it and the Scheduler
// its delayed re-enqueues.
type Executor interface {
	Go(fn func())
}

// SystemClock is the default Clock, backed by the real time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// GoroutineExecutor is the default Executor: every call runs in its own
// goroutine, with no ordering or concurrency limit of its own.
type GoroutineExecutor struct{}

func (GoroutineExecutor) Go(fn func()) { go fn() }
