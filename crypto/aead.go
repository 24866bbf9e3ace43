package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"github.com/oxhide/ikev2/protocol"
)

// aeadCipher implements Cipher for the combined-mode transforms
// (ENCR_AES_GCM_*): a single AEAD seal/open does what simpleCipher does
// in two passes (cipher then separate mac), so it gets its own Cipher
// implementation rather than forcing it through simpleCipher's
// mac-then-decrypt shape.
type aeadCipher struct {
	keyLen int
	ivLen  int
	tagLen int

	protocol.EncrTransformId
}

func (cs *aeadCipher) String() string { return cs.EncrTransformId.String() }

func (cs *aeadCipher) Overhead(clear []byte) int {
	return cs.ivLen + cs.tagLen
}

func (cs *aeadCipher) aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, cs.tagLen)
}

// VerifyDecrypt opens the AEAD-protected region; skA is unused (AEAD
// ties integrity to skE), kept only so Cipher stays a uniform interface
// with simpleCipher.
func (cs *aeadCipher) VerifyDecrypt(ike, skA, skE []byte) (dec []byte, err error) {
	aead, err := cs.aead(skE)
	if err != nil {
		return nil, err
	}
	b := ike[protocol.IKE_HEADER_LEN+protocol.PAYLOAD_HEADER_LENGTH:]
	if len(b) < cs.ivLen+cs.tagLen {
		return nil, errors.New("ciphertext too short for aead overhead")
	}
	nonce := b[:cs.ivLen]
	sealed := b[cs.ivLen:]
	assoc := ike[:protocol.IKE_HEADER_LEN+protocol.PAYLOAD_HEADER_LENGTH]
	return aead.Open(nil, nonce, sealed, assoc)
}

func (cs *aeadCipher) EncryptMac(headers, payload, skA, skE []byte) (b []byte, err error) {
	aead, err := cs.aead(skE)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, cs.ivLen)
	if _, err = rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, payload, headers)
	b = append(headers, nonce...)
	b = append(b, sealed...)
	return b, nil
}

// aeadTransform resolves an AEAD encryption transform and folds it into
// the in-progress accumulator, mirroring cipherTransform's signature so
// NewCipherSuite can try both without knowing which one will match.
func aeadTransform(encrId uint16, keyLen int, cipher *aeadCipher) (*aeadCipher, int, bool) {
	tagLen, ok := aeadTagLen(encrId)
	if !ok {
		return nil, keyLen, false
	}
	if cipher == nil {
		cipher = &aeadCipher{}
	}
	cipher.keyLen = keyLen
	cipher.ivLen = 12 // the nonce size crypto/cipher's GCM requires
	cipher.tagLen = tagLen
	cipher.EncrTransformId = protocol.EncrTransformId(encrId)
	return cipher, keyLen, true
}

// aeadTagLen maps each GCM transform to its ICV length. crypto/cipher's
// GCM accepts tags of 12 to 16 bytes only, so an ENCR_AES_GCM_8_ICV
// suite builds but its EncryptMac and VerifyDecrypt return an error.
func aeadTagLen(encrId uint16) (int, bool) {
	switch protocol.EncrTransformId(encrId) {
	case protocol.ENCR_AES_GCM_8_ICV:
		return 8, true
	case protocol.ENCR_AES_GCM_12_ICV:
		return 12, true
	case protocol.ENCR_AES_GCM_16_ICV:
		return 16, true
	default:
		return 0, false
	}
}
