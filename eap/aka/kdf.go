package aka

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
)

// Keys holds the key material derived for EAP-AKA (RFC 4187 §7).
type Keys struct {
	Kencr []byte // 16 bytes
	Kaut  []byte // 16 bytes
	MSK   []byte // 64 bytes
	EMSK  []byte // 64 bytes
}

// PrimeKeys holds the key material derived for EAP-AKA' (RFC 5448 §3.3).
type PrimeKeys struct {
	Kencr []byte // 16 bytes
	Kaut  []byte // 32 bytes
	Kre   []byte // 32 bytes
	MSK   []byte // 64 bytes
	EMSK  []byte // 64 bytes
}

// DeriveKeys derives the EAP-AKA key hierarchy from the USIM-issued
// CK/IK pair: MK = SHA1(identity | IK | CK), then 160 bytes of
// PRF(MK, 0) split into K_encr/K_aut/MSK/EMSK.
func DeriveKeys(identity string, ck, ik []byte) Keys {
	h := sha1.New()
	h.Write([]byte(identity))
	h.Write(ik)
	h.Write(ck)
	mk := h.Sum(nil)

	block := prfGenAKA(mk, []byte{0x00}, 160)
	return Keys{
		Kencr: block[0:16],
		Kaut:  block[16:32],
		MSK:   block[32:96],
		EMSK:  block[96:160],
	}
}

// DerivePrimeKeys derives the EAP-AKA' key hierarchy (RFC 5448 §3.3)
// from CK'/IK': PRF'(IK'|CK', "EAP-AKA'"|identity) yields 208 bytes
// split into K_encr/K_aut/K_re/MSK/EMSK.
func DerivePrimeKeys(identity string, ckPrime, ikPrime []byte) PrimeKeys {
	key := append(append([]byte{}, ikPrime...), ckPrime...)
	seed := append([]byte("EAP-AKA'"), []byte(identity)...)

	block := prfPlusIKEv2(key, seed, 208)
	return PrimeKeys{
		Kencr: block[0:16],
		Kaut:  block[16:48],
		Kre:   block[48:80],
		MSK:   block[80:144],
		EMSK:  block[144:208],
	}
}

// DeriveCKIKPrime derives CK'/IK' from CK, IK and the access network
// name (RFC 5448 §3.1-3.2): S = FC | "EAP-AKA'" | len | netName | len,
// FC 0x20 for CK' and 0x21 for IK', each truncated to 16 bytes of
// PRF'(IK|CK, S).
func DeriveCKIKPrime(ck, ik []byte, netName string) (ckPrime, ikPrime []byte) {
	anID := []byte(netName)
	key := append(append([]byte{}, ik...), ck...)

	mkSeed := func(fc byte) []byte {
		s := make([]byte, 0, 1+8+2+len(anID)+2)
		s = append(s, fc)
		s = append(s, []byte("EAP-AKA'")...)
		s = append(s, 0x00, 0x08)
		s = append(s, anID...)
		l := uint16(len(anID))
		s = append(s, byte(l>>8), byte(l))
		return s
	}

	fullCk := prfPlusIKEv2(key, mkSeed(0x20), 32)
	fullIk := prfPlusIKEv2(key, mkSeed(0x21), 32)
	return fullCk[:16], fullIk[:16]
}

// prfGenAKA is the FIPS 186-2 Change Notice 1 SHA-1 based PRF used by
// EAP-AKA: x0 = SHA1(key|seed), xj = SHA1(key|x{j-1}), concatenated.
func prfGenAKA(key, seed []byte, outputLen int) []byte {
	h := sha1.New()
	h.Write(key)
	h.Write(seed)
	current := h.Sum(nil)
	output := append([]byte(nil), current...)

	for len(output) < outputLen {
		h.Reset()
		h.Write(key)
		h.Write(current)
		current = h.Sum(nil)
		output = append(output, current...)
	}
	return output[:outputLen]
}

// prfPlusIKEv2 is PRF+ (RFC 7296 §2.13) over HMAC-SHA-256, used by
// EAP-AKA'.
func prfPlusIKEv2(key, seed []byte, outputLen int) []byte {
	h := hmac.New(sha256.New, key)
	var output, current []byte
	counter := byte(1)
	for len(output) < outputLen {
		h.Reset()
		if counter > 1 {
			h.Write(current)
		}
		h.Write(seed)
		h.Write([]byte{counter})
		current = h.Sum(nil)
		output = append(output, current...)
		counter++
	}
	return output[:outputLen]
}
