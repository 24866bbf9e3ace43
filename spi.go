package ike

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"net"

	"github.com/oxhide/ikev2/protocol"
)

// MakeSpi generates a fresh random 8 byte IKE SA SPI.
func MakeSpi() protocol.Spi {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failing means the system entropy source is broken
	}
	return protocol.Spi(b)
}

// SpiToInt64 reads an 8 byte Spi as a big-endian uint64, to tell a
// zero (unset) responder SPI apart from a real one.
func SpiToInt64(spi protocol.Spi) uint64 {
	if len(spi) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(spi)
}

// cookieSecret is the per-process key an IKE_SA_INIT responder uses to
// compute and verify COOKIE notifications (RFC 7296 §2.6). It never
// needs to survive a restart: a peer that was asked for a cookie
// before a restart is simply asked again.
var cookieSecret = func() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}()

// getCookie computes the COOKIE value for a request carrying nonce and
// spiI from remote: HMAC(secret, Ni | SPIi | IP). Using SHA-256 here
// isn't a negotiated IKE transform, just this responder's own liveness
// proof, so it doesn't have to come out of the negotiated cipher suite.
func getCookie(nonce []byte, spiI protocol.Spi, remote net.Addr) []byte {
	mac := hmac.New(sha256.New, cookieSecret)
	mac.Write(nonce)
	mac.Write(spiI)
	mac.Write(hostBytes(remote))
	return mac.Sum(nil)[:20]
}

// checkNatHash verifies a NAT_DETECTION_SOURCE_IP/DESTINATION_IP
// notification (RFC 7296 §2.23): SHA1(SPIi | SPIr | address | port).
// The hash mismatching means a NAT is translating addresses somewhere
// on the path between the two endpoints named by addr.
func checkNatHash(hash []byte, spiI, spiR protocol.Spi, addr net.Addr) bool {
	return hmac.Equal(hash, natHash(spiI, spiR, addr))
}

func natHash(spiI, spiR protocol.Spi, addr net.Addr) []byte {
	h := sha1.New()
	h.Write(spiI)
	h.Write(spiR)
	ua, _ := addr.(*net.UDPAddr)
	if ua != nil {
		h.Write(ua.IP.To16())
		portBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(portBuf, uint16(ua.Port))
		h.Write(portBuf)
	}
	return h.Sum(nil)
}

func hostBytes(addr net.Addr) []byte {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.To16()
	}
	return []byte(addr.String())
}
