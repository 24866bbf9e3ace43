package ike

import (
	"crypto/rand"
	"math/big"

	"github.com/oxhide/ikev2/crypto"
	"github.com/oxhide/ikev2/protocol"
)

// Tkm (token key manager) derives and holds
// one IKE SA's keying material: the DH exchange, SKEYSEED, the SK_*
// directional keys, and whatever's needed to compute AUTH and the
// first Child SA's KEYMAT. Everything cryptographic goes through
// crypto.CipherSuite; Tkm only knows the RFC 7296 derivation order.
type Tkm struct {
	suite       *crypto.CipherSuite
	isInitiator bool

	Ni, Nr []byte

	DhPrivate, DhPublic *big.Int
	DhShared            *big.Int

	// kept for diagnostics, never serialised.
	SKEYSEED, KEYMAT []byte

	skD        []byte
	skPi, skPr []byte
	skAi, skAr []byte
	skEi, skEr []byte
}

// NewTkmInitiator starts key agreement for the side that sends
// IKE_SA_INIT first: it generates its own nonce and DH key pair up
// front, before anything is known about the peer.
func NewTkmInitiator(suite *crypto.CipherSuite) (*Tkm, error) {
	t := &Tkm{suite: suite, isInitiator: true}
	if err := t.newNonce(&t.Ni, suite.Prf.PrfLen*8); err != nil {
		return nil, err
	}
	if _, err := t.DhCreate(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewTkmResponder starts key agreement on receipt of the peer's
// IKE_SA_INIT: it records the peer's nonce, generates its own nonce and
// DH key pair, and immediately computes the shared secret since
// theirPublic is already known.
func NewTkmResponder(suite *crypto.CipherSuite, theirPublic *big.Int, ni []byte) (*Tkm, error) {
	t := &Tkm{suite: suite, Ni: ni}
	if err := t.newNonce(&t.Nr, len(ni)*8); err != nil {
		return nil, err
	}
	if _, err := t.DhCreate(); err != nil {
		return nil, err
	}
	if err := t.DhGenerateKey(theirPublic); err != nil {
		return nil, err
	}
	return t, nil
}

// newNonce fills *dst with a fresh nonce of at least bits/8 bytes,
// respecting RFC 7296 §2.10's 16-256 octet bound.
func (t *Tkm) newNonce(dst *[]byte, bits int) error {
	n, err := genNonce(bits)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// genNonce is the free-standing form of newNonce, for collaborators
// that need a fresh RFC 7296 §2.10 nonce without an IKE SA's Tkm behind
// them - a Child SA negotiated over CREATE_CHILD_SA carries its own
// Ni'/Nr' pair, separate from the IKE SA's original nonces.
func genNonce(bits int) ([]byte, error) {
	n := bits / 8
	if n < 16 {
		n = 16
	}
	if n > 256 {
		n = 256
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DhCreate generates this side's DH private/public pair under the
// negotiated group.
func (t *Tkm) DhCreate() (*big.Int, error) {
	priv, err := t.suite.DhGroup.GeneratePrivate(rand.Reader)
	if err != nil {
		return nil, err
	}
	t.DhPrivate = priv
	t.DhPublic = t.suite.DhGroup.Public(priv)
	return t.DhPublic, nil
}

// DhGenerateKey computes the shared secret once the peer's KE payload
// has arrived.
func (t *Tkm) DhGenerateKey(theirPublic *big.Int) error {
	shared, err := t.suite.DhGroup.SharedSecret(theirPublic, t.DhPrivate)
	if err != nil {
		return err
	}
	t.DhShared = shared
	return nil
}

// IsaCreate derives SKEYSEED and the seven SK_* keys for the IKE SA
// named by spiI/spiR (RFC 7296 §2.14):
//
//	SKEYSEED = prf(Ni | Nr, g^ir)
//	{SK_d | SK_ai | SK_ar | SK_ei | SK_er | SK_pi | SK_pr}
//	    = prf+(SKEYSEED, Ni | Nr | SPIi | SPIr)
func (t *Tkm) IsaCreate(spiI, spiR protocol.Spi) {
	SKEYSEED := t.suite.Prf.Compute(concat(t.Ni, t.Nr), t.DhShared.Bytes())
	t.deriveIsaKeys(SKEYSEED, spiI, spiR)
}

// IsaCreateRekey derives SKEYSEED and the SK_* keys for the IKE SA that
// replaces this one (RFC 7296 §2.18):
//
//	SKEYSEED = prf(SK_d (old), g^ir (new) | Ni | Nr)
//
// oldSkD is the outgoing IKE SA's SK_d; spiI/spiR are the new IKE SA's
// SPIs, carried in the CREATE_CHILD_SA exchange's SA payload rather
// than the message header (the header still names the old IKE SA,
// which owns the exchange protecting the rekey).
func (t *Tkm) IsaCreateRekey(oldSkD []byte, spiI, spiR protocol.Spi) {
	SKEYSEED := t.suite.Prf.Compute(oldSkD, concat(t.DhShared.Bytes(), t.Ni, t.Nr))
	t.deriveIsaKeys(SKEYSEED, spiI, spiR)
}

func (t *Tkm) deriveIsaKeys(SKEYSEED []byte, spiI, spiR protocol.Spi) {
	prf := t.suite.Prf
	kmLen := 3*prf.PrfLen + 2*t.suite.KeyLen + 2*t.suite.MacKeyLen
	KEYMAT := prf.PlusExpand(SKEYSEED, concat(t.Ni, t.Nr, []byte(spiI), []byte(spiR)), kmLen)

	offset := 0
	t.skD, offset = take(KEYMAT, offset, prf.PrfLen)
	t.skAi, offset = take(KEYMAT, offset, t.suite.MacKeyLen)
	t.skAr, offset = take(KEYMAT, offset, t.suite.MacKeyLen)
	t.skEi, offset = take(KEYMAT, offset, t.suite.KeyLen)
	t.skEr, offset = take(KEYMAT, offset, t.suite.KeyLen)
	t.skPi, offset = take(KEYMAT, offset, prf.PrfLen)
	t.skPr, _ = take(KEYMAT, offset, prf.PrfLen)

	t.KEYMAT = KEYMAT
	t.SKEYSEED = SKEYSEED
}

func take(b []byte, offset, n int) ([]byte, int) {
	return b[offset : offset+n], offset + n
}

// zero overwrites b in place; shared by every record in this package
// that holds key material, so a zeroize() pass never has to repeat the
// loop by hand.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// zeroize wipes every key and secret Tkm derived or generated; key
// material must not outlive the SA it keyed. Called once a Session
// tears down - a
// mature IKE SA's Tkm outlives the handshake that built it, so this
// can't just be deferred inside IsaCreate/DhCreate.
func (t *Tkm) zeroize() {
	zero(t.Ni)
	zero(t.Nr)
	if t.DhPrivate != nil {
		t.DhPrivate.SetInt64(0)
	}
	if t.DhShared != nil {
		t.DhShared.SetInt64(0)
	}
	zero(t.SKEYSEED)
	zero(t.KEYMAT)
	zero(t.skD)
	zero(t.skPi)
	zero(t.skPr)
	zero(t.skAi)
	zero(t.skAr)
	zero(t.skEi)
	zero(t.skEr)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// SkOut/SkIn return the directional MAC/encryption keys: SkOut this
// side's sending keys, SkIn the keys to verify/decrypt a message the
// peer sent.
func (t *Tkm) SkOut() (skA, skE []byte) {
	if t.isInitiator {
		return t.skAi, t.skEi
	}
	return t.skAr, t.skEr
}

func (t *Tkm) SkIn() (skA, skE []byte) {
	if t.isInitiator {
		return t.skAr, t.skEr
	}
	return t.skAi, t.skEi
}

// Auth computes the AUTH payload value (RFC 7296 §2.15) over
// signedOctets (the peer-visible message bytes plus the peer's nonce),
// id (IDi or IDr, matching whichever side is authenticating) and the
// pre-shared secret shared by both peers:
//
//	AUTH = prf(prf(sharedSecret, "Key Pad for IKEv2"), signedOctets | prf(SK_p, IDx'))
func (t *Tkm) Auth(signedOctets []byte, id *protocol.IdPayload, sharedSecret []byte, forInitiator bool) []byte {
	prf := t.suite.Prf
	skP := t.skPr
	if forInitiator {
		skP = t.skPi
	}
	macedId := prf.Compute(skP, id.Encode())
	signed := append(append([]byte{}, signedOctets...), macedId...)
	keyPad := prf.Compute(sharedSecret, []byte("Key Pad for IKEv2"))
	return prf.Compute(keyPad, signed)[:prf.PrfLen]
}

// IpsecSaCreate derives the first Child SA's KEYMAT from this IKE SA's
// SK_d (RFC 7296 §2.17):
//
//	KEYMAT = prf+(SK_d, [g^ir (new) |] Ni | Nr)
//
// pfsShared is the additional DH shared secret when the Child SA
// proposal negotiated a KE transform (perfect forward secrecy); pass
// nil when it didn't.
func (t *Tkm) IpsecSaCreate(childSuite *crypto.CipherSuite, pfsShared []byte) (espEi, espAi, espEr, espAr []byte) {
	return t.IpsecSaCreateWithNonces(childSuite, pfsShared, t.Ni, t.Nr)
}

// IpsecSaCreateWithNonces is IpsecSaCreate generalized to a Child SA
// negotiated in its own CREATE_CHILD_SA exchange (RFC 7296 §2.17),
// which carries its own Ni'/Nr' rather than reusing the nonces the IKE
// SA itself was built from.
func (t *Tkm) IpsecSaCreateWithNonces(childSuite *crypto.CipherSuite, pfsShared, ni, nr []byte) (espEi, espAi, espEr, espAr []byte) {
	kmLen := 2*childSuite.KeyLen + 2*childSuite.MacKeyLen
	seed := concat(pfsShared, ni, nr)
	KEYMAT := t.suite.Prf.PlusExpand(t.skD, seed, kmLen)

	offset := 0
	espEi, offset = take(KEYMAT, offset, childSuite.KeyLen)
	espAi, offset = take(KEYMAT, offset, childSuite.MacKeyLen)
	espEr, offset = take(KEYMAT, offset, childSuite.KeyLen)
	espAr, _ = take(KEYMAT, offset, childSuite.MacKeyLen)
	return
}
