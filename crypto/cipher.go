package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"github.com/dgryski/go-camellia"
	"github.com/oxhide/ikev2/protocol"
)

// cipherFunc builds a CBC mode for key+iv; isRead selects decrypt vs
// encrypt direction.
type cipherFunc func(key, iv []byte, isRead bool) cipher.BlockMode

func cipherTransform(cipherId uint16, keyLen int, cs *simpleCipher) (*simpleCipher, bool) {
	blockSize, fn, ok := _cipherTransform(cipherId)
	if !ok {
		return nil, false
	}
	if cs == nil {
		cs = &simpleCipher{}
	}
	cs.keyLen = keyLen
	cs.blockLen = blockSize
	cs.ivLen = blockSize
	cs.cipherFunc = fn
	cs.EncrTransformId = protocol.EncrTransformId(cipherId)
	return cs, true
}

func _cipherTransform(cipherId uint16) (int, cipherFunc, bool) {
	switch protocol.EncrTransformId(cipherId) {
	case protocol.ENCR_CAMELLIA_CBC:
		return camellia.BlockSize, cipherCamellia, true
	case protocol.ENCR_AES_CBC:
		return aes.BlockSize, cipherAES, true
	case protocol.ENCR_NULL:
		return 1, cipherNull, true
	default:
		return 0, nil, false
	}
}

// simpleCipher implements Cipher for classic encrypt-then-MAC suites: a
// CBC block cipher plus a separate integrity transform.
type simpleCipher struct {
	macFunc
	macLen, macKeyLen int

	cipherFunc
	keyLen, ivLen, blockLen int

	protocol.EncrTransformId
	protocol.AuthTransformId
}

func (cs *simpleCipher) String() string {
	return cs.EncrTransformId.String() + "+" + cs.AuthTransformId.String()
}

func (cs *simpleCipher) Overhead(clear []byte) int {
	if cs.EncrTransformId == protocol.ENCR_NULL {
		// encrypt adds no IV and no padding under ENCR_NULL.
		return cs.macLen
	}
	return cs.blockLen - len(clear)%cs.blockLen + cs.macLen + cs.ivLen
}

// VerifyDecrypt mac-then-decrypts: the ICV is checked over the whole
// IKE header plus ciphertext before a single byte is decrypted.
func (cs *simpleCipher) VerifyDecrypt(ike, skA, skE []byte) (dec []byte, err error) {
	if err = verifyMac(skA, ike, cs.macLen, cs.macFunc); err != nil {
		return nil, err
	}
	b := ike[protocol.IKE_HEADER_LEN:]
	return decrypt(b[protocol.PAYLOAD_HEADER_LENGTH:len(b)-cs.macLen], skE, cs.ivLen, cs.cipherFunc)
}

// EncryptMac encrypt-then-MACs: ciphertext is appended to the cleartext
// headers, then the whole thing is MACed.
func (cs *simpleCipher) EncryptMac(headers, payload, skA, skE []byte) (b []byte, err error) {
	encr, err := encrypt(payload, skE, cs.ivLen, cs.cipherFunc)
	if err != nil {
		return nil, err
	}
	data := append(append([]byte{}, headers...), encr...)
	if cs.macFunc != nil {
		mac := cs.macFunc(skA, data)
		if len(mac) > cs.macLen {
			mac = mac[:cs.macLen]
		}
		data = append(data, mac...)
	}
	return data, nil
}

func verifyMac(skA, ike []byte, macLen int, fn macFunc) error {
	if fn == nil {
		return nil
	}
	if len(ike) < macLen {
		return protocol.ErrF(protocol.ERR_INTEGRITY_CHECK_FAILED, "message shorter than ICV")
	}
	want := ike[len(ike)-macLen:]
	got := fn(skA, ike[:len(ike)-macLen])
	if len(got) > macLen {
		got = got[:macLen]
	}
	if !hmacEqual(want, got) {
		return protocol.ErrF(protocol.ERR_INTEGRITY_CHECK_FAILED, "ICV mismatch")
	}
	return nil
}

// cipherFunc implementations

func cipherAES(key, iv []byte, isRead bool) cipher.BlockMode {
	block, _ := aes.NewCipher(key)
	if isRead {
		return cipher.NewCBCDecrypter(block, iv)
	}
	return cipher.NewCBCEncrypter(block, iv)
}

func cipherCamellia(key, iv []byte, isRead bool) cipher.BlockMode {
	block, _ := camellia.New(key)
	if isRead {
		return cipher.NewCBCDecrypter(block, iv)
	}
	return cipher.NewCBCEncrypter(block, iv)
}

func cipherNull(key, iv []byte, isRead bool) cipher.BlockMode { return nil }

// decryption & encryption routines

func decrypt(b, key []byte, ivLen int, fn cipherFunc) (dec []byte, err error) {
	iv := b[0:ivLen]
	ciphertext := b[ivLen:]
	mode := fn(key, iv, true)
	if mode == nil {
		// ENCR_NULL: no cipher, no padding, no IV (encrypt wrote none).
		return b, nil
	}
	if len(ciphertext)%mode.BlockSize() != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	clear := make([]byte, len(ciphertext))
	mode.CryptBlocks(clear, ciphertext)
	padlen := int(clear[len(clear)-1]) + 1 // padlen byte itself
	if padlen > len(clear) || padlen > mode.BlockSize() {
		return nil, errors.New("pad length is larger than block size")
	}
	return clear[:len(clear)-padlen], nil
}

// encrypt pads to the cipher's block size (RFC 7296 §3.14: arbitrary
// padding, final byte holds the pad length) and prepends a fresh IV.
//
// The IV is drawn straight from rand.Read: a full-entropy bitstring,
// never anything structured like rand.Prime output (a random prime is
// not a uniformly random bitstring and never has an even low byte).
func encrypt(clear, key []byte, ivLen int, fn cipherFunc) (b []byte, err error) {
	iv := make([]byte, ivLen)
	if ivLen > 0 {
		if _, err = rand.Read(iv); err != nil {
			return nil, err
		}
	}
	mode := fn(key, iv, false)
	if mode == nil {
		// ENCR_NULL: no cipher, no padding, no IV.
		return clear, nil
	}
	padlen := mode.BlockSize() - len(clear)%mode.BlockSize()
	padded := make([]byte, len(clear), len(clear)+padlen)
	copy(padded, clear)
	pad := make([]byte, padlen)
	pad[padlen-1] = byte(padlen - 1)
	padded = append(padded, pad...)
	ciphertext := make([]byte, len(padded))
	mode.CryptBlocks(ciphertext, padded)
	return append(iv, ciphertext...), nil
}
