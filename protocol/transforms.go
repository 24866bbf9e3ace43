package protocol

import (
	"encoding/binary"
	"fmt"
)

type ProtocolId uint8

const (
	IKE ProtocolId = 1
	AH  ProtocolId = 2
	ESP ProtocolId = 3
)

func (p ProtocolId) String() string {
	switch p {
	case IKE:
		return "IKE"
	case AH:
		return "AH"
	case ESP:
		return "ESP"
	default:
		return fmt.Sprintf("ProtocolId(%d)", uint8(p))
	}
}

type TransformType uint8

const (
	TRANSFORM_TYPE_ENCR  TransformType = 1
	TRANSFORM_TYPE_PRF   TransformType = 2
	TRANSFORM_TYPE_INTEG TransformType = 3
	TRANSFORM_TYPE_DH    TransformType = 4
	TRANSFORM_TYPE_ESN   TransformType = 5
)

func (t TransformType) String() string {
	switch t {
	case TRANSFORM_TYPE_ENCR:
		return "ENCR"
	case TRANSFORM_TYPE_PRF:
		return "PRF"
	case TRANSFORM_TYPE_INTEG:
		return "INTEG"
	case TRANSFORM_TYPE_DH:
		return "DH"
	case TRANSFORM_TYPE_ESN:
		return "ESN"
	default:
		return fmt.Sprintf("TransformType(%d)", uint8(t))
	}
}

type EncrTransformId uint16

const (
	ENCR_DES_IV64           EncrTransformId = 1
	ENCR_DES                EncrTransformId = 2
	ENCR_3DES               EncrTransformId = 3
	ENCR_RC5                EncrTransformId = 4
	ENCR_IDEA               EncrTransformId = 5
	ENCR_CAST               EncrTransformId = 6
	ENCR_BLOWFISH           EncrTransformId = 7
	ENCR_3IDEA              EncrTransformId = 8
	ENCR_DES_IV32           EncrTransformId = 9
	ENCR_NULL               EncrTransformId = 11
	ENCR_AES_CBC            EncrTransformId = 12
	ENCR_AES_CTR            EncrTransformId = 13
	ENCR_AES_CCM_8          EncrTransformId = 14
	ENCR_AES_CCM_12         EncrTransformId = 15
	ENCR_AES_CCM_16         EncrTransformId = 16
	ENCR_AES_GCM_8_ICV      EncrTransformId = 18
	ENCR_AES_GCM_12_ICV     EncrTransformId = 19
	ENCR_AES_GCM_16_ICV     EncrTransformId = 20
	ENCR_NULL_AUTH_AES_GMAC EncrTransformId = 21
	ENCR_CAMELLIA_CBC       EncrTransformId = 23
	ENCR_CAMELLIA_CTR       EncrTransformId = 24
)

func (e EncrTransformId) String() string {
	return Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(e)}.String()
}

type PrfTransformId uint16

const (
	PRF_HMAC_MD5      PrfTransformId = 1
	PRF_HMAC_SHA1     PrfTransformId = 2
	PRF_HMAC_TIGER    PrfTransformId = 3
	PRF_AES128_XCBC   PrfTransformId = 4
	PRF_HMAC_SHA2_256 PrfTransformId = 5
	PRF_HMAC_SHA2_384 PrfTransformId = 6
	PRF_HMAC_SHA2_512 PrfTransformId = 7
	PRF_AES128_CMAC   PrfTransformId = 8
)

func (p PrfTransformId) String() string {
	return Transform{Type: TRANSFORM_TYPE_PRF, TransformId: uint16(p)}.String()
}

type AuthTransformId uint16

const (
	AUTH_NONE              AuthTransformId = 0
	AUTH_HMAC_MD5_96       AuthTransformId = 1
	AUTH_HMAC_SHA1_96      AuthTransformId = 2
	AUTH_DES_MAC           AuthTransformId = 3
	AUTH_KPDK_MD5          AuthTransformId = 4
	AUTH_AES_XCBC_96       AuthTransformId = 5
	AUTH_HMAC_MD5_128      AuthTransformId = 6
	AUTH_HMAC_SHA1_160     AuthTransformId = 7
	AUTH_AES_CMAC_96       AuthTransformId = 8
	AUTH_AES_128_GMAC      AuthTransformId = 9
	AUTH_AES_192_GMAC      AuthTransformId = 10
	AUTH_AES_256_GMAC      AuthTransformId = 11
	AUTH_HMAC_SHA2_256_128 AuthTransformId = 12
	AUTH_HMAC_SHA2_384_192 AuthTransformId = 13
	AUTH_HMAC_SHA2_512_256 AuthTransformId = 14
)

func (a AuthTransformId) String() string {
	return Transform{Type: TRANSFORM_TYPE_INTEG, TransformId: uint16(a)}.String()
}

type DhTransformId uint16

const (
	MODP_NONE DhTransformId = 0
	MODP_768  DhTransformId = 1
	MODP_1024 DhTransformId = 2
	MODP_1536 DhTransformId = 5
	MODP_2048 DhTransformId = 14
	MODP_3072 DhTransformId = 15
	MODP_4096 DhTransformId = 16
	MODP_6144 DhTransformId = 17
	MODP_8192 DhTransformId = 18
)

func (d DhTransformId) String() string {
	return Transform{Type: TRANSFORM_TYPE_DH, TransformId: uint16(d)}.String()
}

type EsnTransformId uint16

const (
	ESN_NONE EsnTransformId = 0
	ESN      EsnTransformId = 1
)

// Transform names an algorithm within a TransformType's namespace, plus
// the one attribute this codec understands (key length, in bits, used
// for variable-width ciphers like AES).
type Transform struct {
	Type        TransformType
	TransformId uint16
	KeyLength   uint16
}

func (t Transform) String() string {
	if n, ok := transformNames[Transform{Type: t.Type, TransformId: t.TransformId}]; ok {
		return n
	}
	return fmt.Sprintf("%s(%d)", t.Type, t.TransformId)
}

var (
	tEncrAesCbc      = Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_CBC)}
	tEncrAesCtr      = Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_CTR)}
	tEncrCamelliaCbc = Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_CAMELLIA_CBC)}
	tEncrNull        = Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_NULL)}
	tEncrAesGcm8     = Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_GCM_8_ICV)}
	tEncrAesGcm12    = Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_GCM_12_ICV)}
	tEncrAesGcm16    = Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_GCM_16_ICV)}

	tPrfAes128Xcbc  = Transform{Type: TRANSFORM_TYPE_PRF, TransformId: uint16(PRF_AES128_XCBC)}
	tPrfHmacSha1    = Transform{Type: TRANSFORM_TYPE_PRF, TransformId: uint16(PRF_HMAC_SHA1)}
	tPrfHmacSha256  = Transform{Type: TRANSFORM_TYPE_PRF, TransformId: uint16(PRF_HMAC_SHA2_256)}
	tPrfHmacSha384  = Transform{Type: TRANSFORM_TYPE_PRF, TransformId: uint16(PRF_HMAC_SHA2_384)}
	tPrfHmacSha512  = Transform{Type: TRANSFORM_TYPE_PRF, TransformId: uint16(PRF_HMAC_SHA2_512)}

	tAuthAesXcbc96    = Transform{Type: TRANSFORM_TYPE_INTEG, TransformId: uint16(AUTH_AES_XCBC_96)}
	tAuthHmacSha196   = Transform{Type: TRANSFORM_TYPE_INTEG, TransformId: uint16(AUTH_HMAC_SHA1_96)}
	tAuthHmacSha256   = Transform{Type: TRANSFORM_TYPE_INTEG, TransformId: uint16(AUTH_HMAC_SHA2_256_128)}
	tAuthHmacSha384   = Transform{Type: TRANSFORM_TYPE_INTEG, TransformId: uint16(AUTH_HMAC_SHA2_384_192)}
	tAuthHmacSha512   = Transform{Type: TRANSFORM_TYPE_INTEG, TransformId: uint16(AUTH_HMAC_SHA2_512_256)}
	tAuthNone         = Transform{Type: TRANSFORM_TYPE_INTEG, TransformId: uint16(AUTH_NONE)}

	tModp1024 = Transform{Type: TRANSFORM_TYPE_DH, TransformId: uint16(MODP_1024)}
	tModp1536 = Transform{Type: TRANSFORM_TYPE_DH, TransformId: uint16(MODP_1536)}
	tModp2048 = Transform{Type: TRANSFORM_TYPE_DH, TransformId: uint16(MODP_2048)}
	tModpNone = Transform{Type: TRANSFORM_TYPE_DH, TransformId: uint16(MODP_NONE)}

	tEsn   = Transform{Type: TRANSFORM_TYPE_ESN, TransformId: uint16(ESN)}
	tNoEsn = Transform{Type: TRANSFORM_TYPE_ESN, TransformId: uint16(ESN_NONE)}
)

var transformNames = map[Transform]string{
	tEncrAesCbc:      "ENCR_AES_CBC",
	tEncrAesCtr:      "ENCR_AES_CTR",
	tEncrCamelliaCbc: "ENCR_CAMELLIA_CBC",
	tEncrNull:        "ENCR_NULL",
	tEncrAesGcm8:     "ENCR_AES_GCM_8_ICV",
	tEncrAesGcm12:    "ENCR_AES_GCM_12_ICV",
	tEncrAesGcm16:    "ENCR_AES_GCM_16_ICV",

	tPrfAes128Xcbc: "PRF_AES128_XCBC",
	tPrfHmacSha1:   "PRF_HMAC_SHA1",
	tPrfHmacSha256: "PRF_HMAC_SHA2_256",
	tPrfHmacSha384: "PRF_HMAC_SHA2_384",
	tPrfHmacSha512: "PRF_HMAC_SHA2_512",

	tAuthAesXcbc96:  "AUTH_AES_XCBC_96",
	tAuthHmacSha196: "AUTH_HMAC_SHA1_96",
	tAuthHmacSha256: "AUTH_HMAC_SHA2_256_128",
	tAuthHmacSha384: "AUTH_HMAC_SHA2_384_192",
	tAuthHmacSha512: "AUTH_HMAC_SHA2_512_256",
	tAuthNone:       "AUTH_NONE",

	tModp1024: "MODP_1024",
	tModp1536: "MODP_1536",
	tModp2048: "MODP_2048",
	tModpNone: "MODP_NONE",

	tEsn:   "ESN",
	tNoEsn: "NO_ESN",
}

const (
	minLenAttribute = 4
	minLenTransform = 8
	minLenProposal  = 8
)

type AttributeType uint16

const (
	ATTRIBUTE_TYPE_KEY_LENGTH AttributeType = 14
)

func decodeAttribute(b []byte) (keyLength uint16, used int, err error) {
	if len(b) < minLenAttribute {
		return 0, 0, ErrF(ERR_INVALID_SYNTAX, "attribute too short: %d bytes", len(b))
	}
	at := binary.BigEndian.Uint16(b[0:2])
	if AttributeType(at&0x7fff) != ATTRIBUTE_TYPE_KEY_LENGTH {
		return 0, 0, ErrF(ERR_INVALID_SYNTAX, "unexpected attribute type 0x%x", at)
	}
	return binary.BigEndian.Uint16(b[2:4]), minLenAttribute, nil
}

// SaTransform is one Transform Substructure inside a Proposal, decoded or
// ready to encode; IsLast records the Last Substructure bit observed on
// the wire so round-tripping preserves it without the caller tracking
// position in the proposal's transform list.
type SaTransform struct {
	Transform
	IsLast bool
}

func (tr *SaTransform) IsEqual(other *SaTransform) bool {
	if tr == nil || other == nil {
		return false
	}
	return tr.Type == other.Type && tr.TransformId == other.TransformId && tr.KeyLength == other.KeyLength
}

func decodeTransform(b []byte) (trans *SaTransform, used int, err error) {
	if len(b) < minLenTransform {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "transform too short: %d bytes", len(b))
	}
	trans = &SaTransform{IsLast: b[0] == 0}
	trLength := int(binary.BigEndian.Uint16(b[2:4]))
	if trLength < minLenTransform || trLength > len(b) {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "bad transform length %d", trLength)
	}
	trans.Type = TransformType(b[4])
	trans.TransformId = binary.BigEndian.Uint16(b[6:8])
	rest := b[minLenTransform:trLength]
	for len(rest) > 0 {
		kl, attrUsed, attrErr := decodeAttribute(rest)
		if attrErr != nil {
			return nil, 0, attrErr
		}
		trans.KeyLength = kl
		rest = rest[attrUsed:]
	}
	return trans, trLength, nil
}

func encodeTransform(trans *SaTransform, isLast bool) []byte {
	b := make([]byte, minLenTransform)
	if !isLast {
		b[0] = 3
	}
	b[4] = uint8(trans.Type)
	binary.BigEndian.PutUint16(b[6:8], trans.TransformId)
	if trans.KeyLength != 0 {
		attr := make([]byte, 4)
		binary.BigEndian.PutUint16(attr[0:2], 0x8000|uint16(ATTRIBUTE_TYPE_KEY_LENGTH))
		binary.BigEndian.PutUint16(attr[2:4], trans.KeyLength)
		b = append(b, attr...)
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// SaProposal is one Proposal Substructure: a protocol, an SPI for that
// protocol (empty during IKE_SA_INIT since no IKE SPI is chosen yet), and
// the set of transforms offered or accepted for it.
type SaProposal struct {
	IsLast     bool
	Number     uint8
	ProtocolId ProtocolId
	Spi        []byte
	Transforms []*SaTransform
}

func decodeProposal(b []byte) (prop *SaProposal, used int, err error) {
	if len(b) < minLenProposal {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "proposal too short: %d bytes", len(b))
	}
	prop = &SaProposal{IsLast: b[0] == 0}
	propLength := int(binary.BigEndian.Uint16(b[2:4]))
	if propLength < minLenProposal || propLength > len(b) {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "bad proposal length %d", propLength)
	}
	prop.Number = b[4]
	prop.ProtocolId = ProtocolId(b[5])
	spiSize := int(b[6])
	numTransforms := int(b[7])
	if minLenProposal+spiSize > propLength {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "proposal spi overruns proposal")
	}
	prop.Spi = append([]byte{}, b[minLenProposal:minLenProposal+spiSize]...)
	rest := b[minLenProposal+spiSize : propLength]
	for len(rest) > 0 {
		trans, usedT, errT := decodeTransform(rest)
		if errT != nil {
			return nil, 0, errT
		}
		prop.Transforms = append(prop.Transforms, trans)
		rest = rest[usedT:]
		if trans.IsLast {
			if len(rest) > 0 {
				return nil, 0, ErrF(ERR_INVALID_SYNTAX, "trailing bytes after last transform")
			}
			break
		}
	}
	if len(prop.Transforms) != numTransforms {
		return nil, 0, ErrF(ERR_INVALID_SYNTAX, "transform count mismatch: header %d, decoded %d", numTransforms, len(prop.Transforms))
	}
	return prop, propLength, nil
}

func encodeProposal(prop *SaProposal, number int, isLast bool) []byte {
	b := make([]byte, minLenProposal)
	if !isLast {
		b[0] = 2
	}
	b[4] = uint8(number)
	b[5] = uint8(prop.ProtocolId)
	b[6] = uint8(len(prop.Spi))
	b[7] = uint8(len(prop.Transforms))
	b = append(b, prop.Spi...)
	for idx, tr := range prop.Transforms {
		b = append(b, encodeTransform(tr, idx == len(prop.Transforms)-1)...)
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// SaPayload is the SA payload: one or more proposals, the peer (or the
// accepting side) picks at most one.
type SaPayload struct {
	*PayloadHeader
	Proposals []*SaProposal
}

func (s *SaPayload) Type() PayloadType { return PayloadTypeSA }

func (s *SaPayload) Encode() []byte {
	var b []byte
	for idx, prop := range s.Proposals {
		b = append(b, encodeProposal(prop, idx+1, idx == len(s.Proposals)-1)...)
	}
	return b
}

func (s *SaPayload) Decode(b []byte) error {
	for len(b) > 0 {
		prop, used, err := decodeProposal(b)
		if err != nil {
			return err
		}
		s.Proposals = append(s.Proposals, prop)
		b = b[used:]
		if prop.IsLast {
			if len(b) > 0 {
				return ErrF(ERR_INVALID_SYNTAX, "trailing bytes after last proposal")
			}
			break
		}
	}
	return nil
}

// Proposals is the decoded form of an SA payload's proposal list, passed
// around wherever a responder needs to pick one of several offered
// proposals (config.CheckProposals) without carrying the whole payload.
type Proposals []*SaProposal

// Transforms is a convenience view over one proposal's transforms, keyed
// by type, used both to describe what this client offers and to check a
// peer's accepted single-transform-per-type proposal against it.
type Transforms map[TransformType]*SaTransform

func (configured Transforms) AsList() []*SaTransform {
	var trs []*SaTransform
	for _, tr := range configured {
		trs = append(trs, tr)
	}
	return trs
}

func listHas(list []*SaTransform, tr *SaTransform) bool {
	for _, t := range list {
		if tr.IsEqual(t) {
			return true
		}
	}
	return false
}

// Within reports whether every transform configured is present in trs —
// used to check a chosen proposal is actually a subset of what was
// offered.
func (configured Transforms) Within(trs []*SaTransform) bool {
	for _, tr := range configured {
		if !listHas(trs, tr) {
			return false
		}
	}
	return true
}

// ProposalFromTransforms builds a wire SaProposal for the given protocol
// and SPI from a configured transform set, numbering it 1: callers
// always offer a single proposal per call - this client never
// negotiates proposal alternatives beyond cipher choice.
func ProposalFromTransforms(protocolId ProtocolId, spi []byte, configured Transforms) *SaProposal {
	return &SaProposal{
		Number:     1,
		ProtocolId: protocolId,
		Spi:        spi,
		Transforms: configured.AsList(),
	}
}

var (
	// IKE_AES_CBC_SHA256_MODP2048 is the default IKE SA cipher suite:
	// AES-CBC-128, HMAC-SHA2-256 as both PRF and integrity, MODP 2048.
	IKE_AES_CBC_SHA256_MODP2048 = Transforms{
		TRANSFORM_TYPE_ENCR:  &SaTransform{Transform: Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_CBC), KeyLength: 128}},
		TRANSFORM_TYPE_PRF:   &SaTransform{Transform: tPrfHmacSha256},
		TRANSFORM_TYPE_INTEG: &SaTransform{Transform: tAuthHmacSha256},
		TRANSFORM_TYPE_DH:    &SaTransform{Transform: tModp2048, IsLast: true},
	}

	// IKE_AES_GCM16_MODP2048 negotiates AEAD, which carries its own
	// integrity and so omits TRANSFORM_TYPE_INTEG per RFC 7296 §3.3.2.
	IKE_AES_GCM16_MODP2048 = Transforms{
		TRANSFORM_TYPE_ENCR: &SaTransform{Transform: Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_GCM_16_ICV), KeyLength: 128}},
		TRANSFORM_TYPE_PRF:  &SaTransform{Transform: tPrfHmacSha256},
		TRANSFORM_TYPE_DH:   &SaTransform{Transform: tModp2048, IsLast: true},
	}

	IKE_CAMELLIA_CBC_SHA256_MODP2048 = Transforms{
		TRANSFORM_TYPE_ENCR:  &SaTransform{Transform: Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_CAMELLIA_CBC), KeyLength: 128}},
		TRANSFORM_TYPE_PRF:   &SaTransform{Transform: tPrfHmacSha256},
		TRANSFORM_TYPE_INTEG: &SaTransform{Transform: tAuthHmacSha256},
		TRANSFORM_TYPE_DH:    &SaTransform{Transform: tModp2048, IsLast: true},
	}

	ESP_AES_CBC_SHA256 = Transforms{
		TRANSFORM_TYPE_ENCR:  &SaTransform{Transform: Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_CBC), KeyLength: 128}},
		TRANSFORM_TYPE_INTEG: &SaTransform{Transform: tAuthHmacSha256},
		TRANSFORM_TYPE_ESN:   &SaTransform{Transform: tNoEsn, IsLast: true},
	}

	ESP_AES_GCM16 = Transforms{
		TRANSFORM_TYPE_ENCR: &SaTransform{Transform: Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_GCM_16_ICV), KeyLength: 128}},
		TRANSFORM_TYPE_ESN:  &SaTransform{Transform: tNoEsn, IsLast: true},
	}

	ESP_AES_XCBC96 = Transforms{
		TRANSFORM_TYPE_ENCR:  &SaTransform{Transform: Transform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_CBC), KeyLength: 128}},
		TRANSFORM_TYPE_INTEG: &SaTransform{Transform: tAuthAesXcbc96},
		TRANSFORM_TYPE_ESN:   &SaTransform{Transform: tNoEsn, IsLast: true},
	}
)
