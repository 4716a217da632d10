package img4

import (
	"fmt"
	"os"
	"strings"

	"github.com/blacktop/img4/internal/der"
)

// Type is the kind of a top-level Image4 object
type Type int

const (
	TypeIMG4 Type = iota + 1
	TypeIM4P
	TypeIM4M
	TypeIM4R
)

func (t Type) String() string {
	switch t {
	case TypeIMG4:
		return img4Magic
	case TypeIM4P:
		return im4pMagic
	case TypeIM4M:
		return im4mMagic
	case TypeIM4R:
		return im4rMagic
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Object is one of *IMG4, *IM4P, *IM4M or *IM4R
type Object interface {
	Type() Type
	Output() ([]byte, error)
	String() string
	sealed()
}

func (*IMG4) sealed() {}
func (*IM4P) sealed() {}
func (*IM4M) sealed() {}
func (*IM4R) sealed() {}

// Detect returns the type of the Image4 object in data from its magic.
func Detect(data []byte) (Type, error) {
	d := der.NewDecoder(data)
	if err := d.Enter(der.Sequence); err != nil {
		return 0, decodeError("detect", err)
	}
	magic, err := d.ReadString()
	if err != nil {
		return 0, decodeError("detect", err)
	}
	switch strings.ToUpper(magic) {
	case img4Magic:
		return TypeIMG4, nil
	case im4pMagic:
		return TypeIM4P, nil
	case im4mMagic:
		return TypeIM4M, nil
	case im4rMagic:
		return TypeIM4R, nil
	default:
		return 0, dataErrorf("unknown Image4 magic %q", magic)
	}
}

// Parse decodes whichever Image4 object data holds.
func Parse(data []byte) (Object, error) {
	typ, err := Detect(data)
	if err != nil {
		return nil, err
	}
	var obj Object
	switch typ {
	case TypeIMG4:
		obj, err = ParseIMG4(data)
	case TypeIM4P:
		obj, err = ParseIM4P(data)
	case TypeIM4M:
		obj, err = ParseIM4M(data)
	default:
		obj, err = ParseIM4R(data)
	}
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Open reads and parses the Image4 object at path.
func Open(path string) (Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	obj, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return obj, nil
}
