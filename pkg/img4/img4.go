package img4

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/img4/internal/colors"
	"github.com/blacktop/img4/internal/der"
)

var (
	colorTitle    = colors.BoldHiMagenta().SprintFunc()
	colorField    = colors.BoldHiBlue().SprintFunc()
	colorSubField = colors.HiCyan().SprintFunc()
)

const img4Magic = "IMG4"

// IMG4 is a personalized Image4 container: a payload, the manifest that
// signs it and optional restore info
type IMG4 struct {
	IM4P *IM4P
	IM4M *IM4M
	IM4R *IM4R
}

// NewIMG4 returns a container for the given parts. Only the manifest is
// required to produce output.
func NewIMG4(p *IM4P, m *IM4M, r *IM4R) *IMG4 {
	return &IMG4{IM4P: p, IM4M: m, IM4R: r}
}

// ParseIMG4 decodes an IMG4 container.
func ParseIMG4(data []byte) (*IMG4, error) {
	d := der.NewDecoder(data)
	i, err := decodeIMG4(d)
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, dataErrorf("trailing data after IMG4")
	}
	return i, nil
}

func decodeIMG4(d *der.Decoder) (*IMG4, error) {
	const op = "IMG4"

	if err := d.Enter(der.Sequence); err != nil {
		return nil, decodeError(op, err)
	}
	magic, err := d.ReadString()
	if err != nil {
		return nil, decodeError(op, err)
	}
	if _, err := ExpectFourCC(magic, img4Magic); err != nil {
		return nil, err
	}

	i := &IMG4{}

	tag, err := d.Peek()
	if err != nil {
		return nil, decodeError(op, err)
	}
	if tag.Matches(der.Sequence) {
		if i.IM4P, err = decodeIM4P(d); err != nil {
			return nil, err
		}
	}

	if d.EOF() {
		return nil, &StructuralError{Op: op + " manifest", Expected: der.Context(0)}
	}
	if err := d.Enter(der.Context(0)); err != nil {
		return nil, decodeError(op+" manifest", err)
	}
	if i.IM4M, err = decodeIM4M(d); err != nil {
		return nil, err
	}
	if err := d.Leave(); err != nil {
		return nil, decodeError(op+" manifest", err)
	}

	if !d.EOF() {
		if err := d.Enter(der.Context(1)); err != nil {
			return nil, decodeError(op+" restore info", err)
		}
		if i.IM4R, err = decodeIM4R(d); err != nil {
			return nil, err
		}
		if err := d.Leave(); err != nil {
			return nil, decodeError(op+" restore info", err)
		}
	}

	if err := d.Leave(); err != nil {
		return nil, decodeError(op, err)
	}

	log.Debugf("Parsed IMG4 (payload: %t, restore info: %t)", i.IM4P != nil, i.IM4R != nil)

	return i, nil
}

// Output returns the DER encoding of the IMG4.
func (i *IMG4) Output() ([]byte, error) {
	if i.IM4M == nil {
		return nil, stateErrorf("IMG4 has no manifest")
	}

	e := der.NewEncoder()
	e.Enter(der.Sequence)
	if err := e.WriteString(img4Magic); err != nil {
		return nil, err
	}
	if i.IM4P != nil {
		if err := VerifyFourCC(i.IM4P.fourcc); err != nil {
			return nil, stateErrorf("IM4P type is not set")
		}
		if err := i.IM4P.encode(e); err != nil {
			return nil, err
		}
	}
	e.Enter(der.Context(0))
	if err := i.IM4M.encode(e); err != nil {
		return nil, err
	}
	if err := e.Leave(); err != nil {
		return nil, err
	}
	if i.IM4R != nil {
		e.Enter(der.Context(1))
		if err := i.IM4R.encode(e); err != nil {
			return nil, err
		}
		if err := e.Leave(); err != nil {
			return nil, err
		}
	}
	if err := e.Leave(); err != nil {
		return nil, err
	}
	return e.Bytes()
}

// Equal reports whether i and o encode to the same bytes.
func (i *IMG4) Equal(o *IMG4) bool {
	return outputEqual(i, o)
}

// Type returns TypeIMG4.
func (i *IMG4) Type() Type { return TypeIMG4 }

func (i *IMG4) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s:\n", colorTitle("IMG4")))
	if i.IM4P != nil {
		sb.WriteString(indent(i.IM4P.String()))
	}
	if i.IM4M != nil {
		sb.WriteString(indent(i.IM4M.String()))
	}
	if i.IM4R != nil {
		sb.WriteString(indent(i.IM4R.String()))
	}
	return sb.String()
}

func (i *IMG4) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		IM4P *IM4P `json:"im4p,omitempty"`
		IM4M *IM4M `json:"im4m,omitempty"`
		IM4R *IM4R `json:"im4r,omitempty"`
	}{
		IM4P: i.IM4P,
		IM4M: i.IM4M,
		IM4R: i.IM4R,
	})
}

func indent(s string) string {
	lines := strings.SplitAfter(s, "\n")
	var sb strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		sb.WriteString("  " + line)
	}
	return sb.String()
}

// outputEqual compares two entities by their encoded bytes. Entities that
// fail to encode are only equal to themselves.
func outputEqual[T interface {
	*E
	Output() ([]byte, error)
}, E any](a, b T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a == b {
		return true
	}
	x, err := a.Output()
	if err != nil {
		return false
	}
	y, err := b.Output()
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}
