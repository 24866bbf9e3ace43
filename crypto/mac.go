package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/oxhide/ikev2/protocol"
)

// macFunc computes a keyed MAC over data; callers truncate to macLen
// themselves (integrityTransform records the truncation length per
// transform).
type macFunc func(key, data []byte) []byte

func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

func integrityTransform(authId uint16, cs *simpleCipher) (*simpleCipher, bool) {
	if cs == nil {
		cs = &simpleCipher{}
	}
	switch protocol.AuthTransformId(authId) {
	case protocol.AUTH_HMAC_SHA1_96:
		cs.macFunc = func(key, data []byte) []byte {
			m := hmac.New(sha1.New, key)
			m.Write(data)
			return m.Sum(nil)
		}
		cs.macLen, cs.macKeyLen = 12, sha1.Size
	case protocol.AUTH_HMAC_SHA2_256_128:
		cs.macFunc = func(key, data []byte) []byte {
			m := hmac.New(sha256.New, key)
			m.Write(data)
			return m.Sum(nil)
		}
		cs.macLen, cs.macKeyLen = 16, sha256.Size
	case protocol.AUTH_HMAC_SHA2_384_192:
		cs.macFunc = func(key, data []byte) []byte {
			m := hmac.New(sha512.New384, key)
			m.Write(data)
			return m.Sum(nil)
		}
		cs.macLen, cs.macKeyLen = 24, sha512.Size384
	case protocol.AUTH_HMAC_SHA2_512_256:
		cs.macFunc = func(key, data []byte) []byte {
			m := hmac.New(sha512.New, key)
			m.Write(data)
			return m.Sum(nil)
		}
		cs.macLen, cs.macKeyLen = 32, sha512.Size
	case protocol.AUTH_AES_XCBC_96:
		cs.macFunc = macAesXcbc96
		cs.macLen, cs.macKeyLen = 12, 16
	case protocol.AUTH_NONE:
		cs.macFunc = nil
		cs.macLen, cs.macKeyLen = 0, 0
	default:
		return nil, false
	}
	cs.AuthTransformId = protocol.AuthTransformId(authId)
	return cs, true
}

func prfTransform(prfId uint16) (*Prf, error) {
	switch protocol.PrfTransformId(prfId) {
	case protocol.PRF_HMAC_SHA1:
		return &Prf{PrfLen: sha1.Size, prfFunc: func(key, data []byte) []byte {
			m := hmac.New(sha1.New, key)
			m.Write(data)
			return m.Sum(nil)
		}}, nil
	case protocol.PRF_HMAC_SHA2_256:
		return &Prf{PrfLen: sha256.Size, prfFunc: func(key, data []byte) []byte {
			m := hmac.New(sha256.New, key)
			m.Write(data)
			return m.Sum(nil)
		}}, nil
	case protocol.PRF_HMAC_SHA2_384:
		return &Prf{PrfLen: sha512.Size384, prfFunc: func(key, data []byte) []byte {
			m := hmac.New(sha512.New384, key)
			m.Write(data)
			return m.Sum(nil)
		}}, nil
	case protocol.PRF_HMAC_SHA2_512:
		return &Prf{PrfLen: sha512.Size, prfFunc: func(key, data []byte) []byte {
			m := hmac.New(sha512.New, key)
			m.Write(data)
			return m.Sum(nil)
		}}, nil
	case protocol.PRF_AES128_XCBC:
		return &Prf{PrfLen: 16, prfFunc: prfAes128Xcbc}, nil
	default:
		return nil, fmt.Errorf("unsupported prf transform %d", prfId)
	}
}
