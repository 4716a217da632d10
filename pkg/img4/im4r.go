package img4

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/img4/internal/der"
)

const (
	im4rMagic = "IM4R"
	// PropBootNonce is the IM4R property holding the boot nonce generator
	PropBootNonce = "BNCN"
	// BootNonceSize is the length of a boot nonce
	BootNonceSize = 8
)

// IM4R is Image4 restore info, a property group named IM4R whose main
// member is the boot nonce (BNCN)
type IM4R struct {
	properties *RestoreGroup
}

// NewIM4R returns an empty restore info.
func NewIM4R() *IM4R {
	return &IM4R{properties: &RestoreGroup{Name: im4rMagic}}
}

// NewIM4RWithBootNonce returns a restore info holding only nonce.
func NewIM4RWithBootNonce(nonce []byte) (*IM4R, error) {
	r := NewIM4R()
	if err := r.SetBootNonce(nonce); err != nil {
		return nil, err
	}
	return r, nil
}

// Properties returns the restore properties.
func (r *IM4R) Properties() *RestoreGroup {
	return r.properties
}

// BootNonce returns the boot nonce in its logical byte order. The wire
// stores it reversed.
func (r *IM4R) BootNonce() ([]byte, bool) {
	v, ok := r.properties.Value(PropBootNonce)
	if !ok {
		return nil, false
	}
	b, ok := v.Bytes()
	if !ok || len(b) != BootNonceSize {
		return nil, false
	}
	nonce := slices.Clone(b)
	slices.Reverse(nonce)
	return nonce, true
}

// SetBootNonce replaces the boot nonce. nonce must be 8 bytes.
func (r *IM4R) SetBootNonce(nonce []byte) error {
	if len(nonce) != BootNonceSize {
		return dataErrorf("boot nonce must be %d bytes, got %d", BootNonceSize, len(nonce))
	}
	wire := slices.Clone(nonce)
	slices.Reverse(wire)
	prop, err := NewProperty[RestoreProperty](PropBootNonce, BytesValue(wire))
	if err != nil {
		return err
	}
	if _, ok := r.properties.Member(PropBootNonce); ok {
		if err := r.properties.Remove(PropBootNonce); err != nil {
			return err
		}
	}
	return r.properties.Add(prop)
}

// ParseIM4R decodes a standalone IM4R.
func ParseIM4R(data []byte) (*IM4R, error) {
	d := der.NewDecoder(data)
	r, err := decodeIM4R(d)
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, dataErrorf("trailing data after IM4R")
	}
	return r, nil
}

func decodeIM4R(d *der.Decoder) (*IM4R, error) {
	g, err := decodeGroupBody[RestoreProperty](d)
	if err != nil {
		return nil, err
	}
	if _, err := ExpectFourCC(g.Name, im4rMagic); err != nil {
		return nil, err
	}
	if v, ok := g.Value(PropBootNonce); ok {
		if b, ok := v.Bytes(); !ok || len(b) != BootNonceSize {
			return nil, dataErrorf("%s must be a %d byte string", PropBootNonce, BootNonceSize)
		}
	}

	log.Debugf("Parsed IM4R with %d properties", g.Len())

	return &IM4R{properties: g}, nil
}

func (r *IM4R) encode(e *der.Encoder) error {
	return r.properties.encodeBody(e)
}

// Output returns the DER encoding of the IM4R.
func (r *IM4R) Output() ([]byte, error) {
	return r.properties.Marshal()
}

// Equal reports whether r and o encode to the same bytes.
func (r *IM4R) Equal(o *IM4R) bool {
	return outputEqual(r, o)
}

// Type returns TypeIM4R.
func (r *IM4R) Type() Type { return TypeIM4R }

func (r *IM4R) String() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s:\n", colorTitle("IM4R (Restore Info)")))
	if nonce, ok := r.BootNonce(); ok {
		sb.WriteString(fmt.Sprintf("  %s: %x\n", colorField("Boot Nonce"), nonce))
	}
	sb.WriteString(fmt.Sprintf("  %s: %d\n", colorField("Properties"), r.properties.Len()))
	r.properties.format(&sb, 2)

	return sb.String()
}

func (r *IM4R) MarshalJSON() ([]byte, error) {
	data := map[string]any{
		"name":       im4rMagic,
		"properties": r.properties,
	}
	if nonce, ok := r.BootNonce(); ok {
		data["boot_nonce"] = hex.EncodeToString(nonce)
	}
	return json.Marshal(data)
}
