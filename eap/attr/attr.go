// Package attr implements the generic attribute (AT_*) TLV framing
// shared by EAP-SIM, EAP-AKA and EAP-AKA' (RFC 4187 §8.1): a one-byte
// type, a one-byte length counted in 4-byte units, and a value padded
// out to that boundary. Method-specific attribute types live in
// eap/aka and eap/sim; this package only knows the envelope.
package attr

import (
	"github.com/pkg/errors"
)

// Attribute is one decoded AT_* TLV. Value is the raw bytes after the
// type/length octets, including any reserved bytes the concrete
// attribute defines and any trailing padding; an attribute that carries
// its own actual-length field is read up to that length.
type Attribute struct {
	Type  uint8
	Value []byte
}

// Marshal encodes one TLV: typ, then value, padded so the whole
// attribute (2-byte header included) lands on a 4-byte boundary.
func Marshal(typ uint8, value []byte) ([]byte, error) {
	total := 2 + len(value)
	if total%4 != 0 {
		total += 4 - total%4
	}
	if total > 255*4 {
		return nil, errors.New("attr: attribute too long")
	}
	b := make([]byte, total)
	b[0] = typ
	b[1] = uint8(total / 4)
	copy(b[2:], value)
	return b, nil
}

// Decode splits b, the attribute section of an EAP-SIM/AKA/AKA' packet
// (everything after the Subtype and reserved bytes), into its TLVs.
func Decode(b []byte) ([]Attribute, error) {
	var out []Attribute
	for off := 0; off < len(b); {
		if off+2 > len(b) {
			return nil, errors.New("attr: truncated attribute header")
		}
		typ := b[off]
		length := int(b[off+1]) * 4
		if length < 4 {
			return nil, errors.New("attr: zero-length attribute")
		}
		if off+length > len(b) {
			return nil, errors.Errorf("attr: attribute type %d overruns packet", typ)
		}
		out = append(out, Attribute{Type: typ, Value: append([]byte(nil), b[off+2:off+length]...)})
		off += length
	}
	return out, nil
}

// Find returns the first attribute of type typ, if any.
func Find(attrs []Attribute, typ uint8) (Attribute, bool) {
	for _, a := range attrs {
		if a.Type == typ {
			return a, true
		}
	}
	return Attribute{}, false
}
