// Package transport provides the default platform.DatagramSocket: a UDP
// listener for ports 500 and 4500.
// The protocol core never imports this package directly - it talks to
// the abstract platform.DatagramSocket contract, and a caller wires
// UDPSocket in at startup.
package transport

import (
	"io"
	"net"
	"os"
	"runtime"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/oxhide/ikev2/platform"
)

// NonESPMarker is the four zero bytes RFC 3948 §2.2 prefixes onto every
// IKE datagram sent over the NAT-T UDP-encapsulation port (4500), to
// distinguish it from an ESP packet also arriving on that port.
var NonESPMarker = []byte{0, 0, 0, 0}

// ErrUDPOnly is returned by Listen for any network other than udp4/udp6/udp.
var ErrUDPOnly = errors.New("transport: only udp is supported")

// UDPSocket is the default platform.DatagramSocket implementation: a
// UDP packet connection with control-message support so ReadPacket can
// report which local address a datagram actually arrived on (needed
// when the socket is bound to 0.0.0.0/::).
type UDPSocket struct {
	v4     *ipv4.PacketConn
	v6     *ipv6.PacketConn
	logger log.Logger

	// natT marks a socket bound to the NAT-T port (4500): every outbound
	// write is prefixed with NonESPMarker and every inbound read has it
	// stripped.
	natT bool
}

var _ platform.DatagramSocket = (*UDPSocket)(nil)

// Listen opens a UDP socket on address for network ("udp", "udp4", or
// "udp6"). natT marks the socket as the NAT-T encapsulation socket
// (port 4500), enabling non-ESP-marker framing.
func Listen(network, address string, natT bool, logger log.Logger) (*UDPSocket, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	isV4Only, err := checkV4onDarwin(address)
	if err != nil {
		return nil, err
	}
	if isV4Only {
		return listenUDP4(address, natT, logger)
	}
	switch network {
	case "udp4":
		return listenUDP4(address, natT, logger)
	case "udp6", "udp":
		return listenUDP6(address, natT, logger)
	}
	return nil, ErrUDPOnly
}

// checkV4onDarwin reports whether a dual-stack bind on darwin would
// silently fail to report v4 source addresses, in which case the
// caller must fall back to a udp4-only listener.
func checkV4onDarwin(address string) (bool, error) {
	if runtime.GOOS != "darwin" {
		return false, nil
	}
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return false, err
	}
	return addr.IP.To16() == nil, nil
}

func listenUDP4(address string, natT bool, logger log.Logger) (*UDPSocket, error) {
	conn, err := net.ListenPacket("udp4", address)
	if err != nil {
		return nil, errors.Wrap(err, "listen udp4")
	}
	p := ipv4.NewPacketConn(conn)
	cf := ipv4.FlagTTL | ipv4.FlagSrc | ipv4.FlagDst | ipv4.FlagInterface
	if err := p.SetControlMessage(cf, true); err != nil {
		if protocolNotSupported(err) {
			level.Warn(logger).Log("msg", "udp source address detection not supported", "os", runtime.GOOS)
		} else {
			p.Close()
			return nil, err
		}
	}
	return &UDPSocket{v4: p, logger: logger, natT: natT}, nil
}

func listenUDP6(address string, natT bool, logger log.Logger) (*UDPSocket, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, errors.Wrap(err, "listen udp6")
	}
	p := ipv6.NewPacketConn(conn)
	cf := ipv6.FlagSrc | ipv6.FlagDst | ipv6.FlagInterface
	if err := p.SetControlMessage(cf, true); err != nil {
		if protocolNotSupported(err) {
			level.Warn(logger).Log("msg", "udp source address detection not supported", "os", runtime.GOOS)
		} else {
			p.Close()
			return nil, err
		}
	}
	return &UDPSocket{v6: p, logger: logger, natT: natT}, nil
}

// ReadPacket reads one datagram, stripping the NAT-T non-ESP marker if
// this socket is the encapsulation socket and the marker is present.
func (s *UDPSocket) ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error) {
	buf := make([]byte, 3000) // RFC 7296 §2, max expected datagram
	var n int
	if s.v4 != nil {
		var cm *ipv4.ControlMessage
		n, cm, remoteAddr, err = s.v4.ReadFrom(buf)
		if err == nil && cm != nil {
			localIP = cm.Dst
		}
	} else {
		var cm *ipv6.ControlMessage
		n, cm, remoteAddr, err = s.v6.ReadFrom(buf)
		if err == nil && cm != nil {
			localIP = cm.Dst
		}
	}
	if err != nil {
		return nil, nil, nil, err
	}
	b = buf[:n]
	if s.natT && len(b) >= 4 && isNonESPMarker(b[:4]) {
		b = b[4:]
	}
	level.Debug(s.logger).Log("msg", "read packet", "bytes", len(b), "from", remoteAddr)
	return b, remoteAddr, localIP, nil
}

// WritePacket sends b to remoteAddr, prefixing the NAT-T non-ESP marker
// when this is the encapsulation socket.
func (s *UDPSocket) WritePacket(b []byte, remoteAddr net.Addr) error {
	if s.natT {
		framed := make([]byte, 0, len(NonESPMarker)+len(b))
		framed = append(framed, NonESPMarker...)
		framed = append(framed, b...)
		b = framed
	}
	var n int
	var err error
	if s.v4 != nil {
		n, err = s.v4.WriteTo(b, nil, remoteAddr)
	} else {
		n, err = s.v6.WriteTo(b, nil, remoteAddr)
	}
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	level.Debug(s.logger).Log("msg", "wrote packet", "bytes", n, "to", remoteAddr)
	return nil
}

func (s *UDPSocket) LocalAddr() net.Addr {
	if s.v4 != nil {
		return s.v4.LocalAddr()
	}
	return s.v6.LocalAddr()
}

func (s *UDPSocket) Close() error {
	if s.v4 != nil {
		return s.v4.Close()
	}
	return s.v6.Close()
}

func isNonESPMarker(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// copied from golang.org/x/net/internal/nettest, which isn't importable
// outside the x/net module.
func protocolNotSupported(err error) bool {
	switch e := err.(type) {
	case syscall.Errno:
		return e == syscall.EPROTONOSUPPORT || e == syscall.ENOPROTOOPT
	case *os.SyscallError:
		if errno, ok := e.Err.(syscall.Errno); ok {
			return errno == syscall.EPROTONOSUPPORT || errno == syscall.ENOPROTOOPT
		}
	}
	return false
}
