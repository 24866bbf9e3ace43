package crypto

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/oxhide/ikev2/protocol"
)

// Cipher provides combined encryption and integrity protection over an
// SK payload body, whether that's a classic cipher+MAC pair
// (simpleCipher) or a single AEAD transform (aeadCipher).
type Cipher interface {
	Overhead(clear []byte) int
	VerifyDecrypt(ike, skA, skE []byte) (dec []byte, err error)
	EncryptMac(headers, payload, skA, skE []byte) (b []byte, err error)
}

// CipherSuite is the negotiated crypto for one direction of an IKE or
// child SA: an SK cipher, a PRF for key derivation, and (for IKE SAs
// only) the DH group used to compute the shared secret.
type CipherSuite struct {
	Cipher
	Prf     *Prf
	DhGroup DhGroup

	KeyLen, MacKeyLen int
}

// NewCipherSuite builds a CipherSuite from one accepted SA proposal's
// transforms. Exactly one of a classic (ENCR+INTEG) or combined-mode
// (AEAD ENCR) cipher must be present; DH and PRF are required for IKE
// SAs and absent for child SAs.
func NewCipherSuite(trs protocol.Transforms) (*CipherSuite, error) {
	cs := &CipherSuite{}
	var aead *aeadCipher
	var cipher *simpleCipher

	for _, tr := range trs {
		switch tr.Type {
		case protocol.TRANSFORM_TYPE_DH:
			dh, ok := dhTransform(tr.TransformId)
			if !ok {
				return nil, errors.Errorf("unsupported dh transform %d", tr.TransformId)
			}
			cs.DhGroup = dh
		case protocol.TRANSFORM_TYPE_PRF:
			prf, err := prfTransform(tr.TransformId)
			if err != nil {
				return nil, err
			}
			cs.Prf = prf
		case protocol.TRANSFORM_TYPE_ENCR:
			keyLen := int(tr.KeyLength) / 8 // attribute is in bits
			if c, ok := cipherTransform(tr.TransformId, keyLen, cipher); ok {
				cipher = c
			} else {
				if aead, keyLen, ok = aeadTransform(tr.TransformId, keyLen, aead); !ok {
					return nil, errors.Errorf("unsupported cipher transform %d", tr.TransformId)
				}
			}
			cs.KeyLen = keyLen
		case protocol.TRANSFORM_TYPE_INTEG:
			var ok bool
			if cipher, ok = integrityTransform(tr.TransformId, cipher); !ok {
				return nil, errors.Errorf("unsupported mac transform %d", tr.TransformId)
			}
			cs.MacKeyLen = cipher.macKeyLen
		case protocol.TRANSFORM_TYPE_ESN:
			// carried by the SA proposal itself, nothing to build here
		default:
			return nil, errors.Errorf("unsupported transform type %d", tr.Type)
		}
	}
	if cipher == nil && aead == nil {
		return nil, errors.New("no cipher transform in proposal")
	}
	if cipher != nil && aead != nil {
		return nil, errors.New("proposal mixes classic and combined-mode ciphers")
	}
	if cipher != nil {
		cs.Cipher = cipher
	}
	if aead != nil {
		cs.Cipher = aead
		cs.MacKeyLen = 0
	}
	return cs, nil
}

func (cs *CipherSuite) CheckIkeTransforms(logger log.Logger) error {
	if cs.DhGroup == nil || cs.Prf == nil {
		return errors.New("IKE SA proposal missing DH group or PRF")
	}
	level.Debug(logger).Log("msg", "ike cipher suite", "cipher", cs.Cipher)
	return nil
}

func (cs *CipherSuite) CheckEspTransforms(logger log.Logger) error {
	if cs.Cipher == nil {
		return errors.New("child SA proposal missing cipher")
	}
	level.Debug(logger).Log("msg", "esp cipher suite", "cipher", cs.Cipher)
	return nil
}
