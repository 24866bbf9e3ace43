package crypto

import (
	"crypto/rand"
	"io"
	"math/big"

	"github.com/oxhide/ikev2/protocol"
)

// DhGroup is a negotiated Diffie-Hellman group. Exported since tkm.go,
// which drives it, lives in the root package rather than alongside
// this interface.
type DhGroup interface {
	GeneratePrivate(random io.Reader) (*big.Int, error)
	Public(priv *big.Int) *big.Int
	SharedSecret(theirPublic, priv *big.Int) (*big.Int, error)
	TransformId() protocol.DhTransformId
}

// modpGroup is a MODP group (RFC 3526 / RFC 7296 Appendix B): shared
// secret is g^(ab) mod p computed from each side's private exponent.
type modpGroup struct {
	id protocol.DhTransformId
	p  *big.Int
	g  *big.Int
}

func (d *modpGroup) GeneratePrivate(random io.Reader) (*big.Int, error) {
	return rand.Int(random, d.p)
}

func (d *modpGroup) Public(priv *big.Int) *big.Int {
	return new(big.Int).Exp(d.g, priv, d.p)
}

func (d *modpGroup) SharedSecret(theirPublic, priv *big.Int) (*big.Int, error) {
	if theirPublic.Sign() <= 0 || theirPublic.Cmp(d.p) >= 0 {
		return nil, errInvalidKePublic
	}
	return new(big.Int).Exp(theirPublic, priv, d.p), nil
}

func (d *modpGroup) TransformId() protocol.DhTransformId { return d.id }

var errInvalidKePublic = protocol.ErrF(protocol.ERR_INVALID_KE_PAYLOAD, "peer KE value out of range")

func hexGroup(id protocol.DhTransformId, hexP string) *modpGroup {
	p, ok := new(big.Int).SetString(hexP, 16)
	if !ok {
		panic("invalid MODP prime literal")
	}
	return &modpGroup{id: id, p: p, g: big.NewInt(2)}
}

// RFC 3526 MODP primes (math/big modular exponentiation; no DH library
// covers these fixed groups).
var kexAlgoMap = map[protocol.DhTransformId]*modpGroup{
	protocol.MODP_1024: hexGroup(protocol.MODP_1024,
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"),
	protocol.MODP_1536: hexGroup(protocol.MODP_1536,
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"),
	protocol.MODP_2048: hexGroup(protocol.MODP_2048,
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF"),
}

func dhTransform(dhId uint16) (DhGroup, bool) {
	dh, ok := kexAlgoMap[protocol.DhTransformId(dhId)]
	if !ok {
		return nil, false
	}
	return dh, true
}
