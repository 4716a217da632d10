// Package der is a small streaming layer over encoding/asn1 that lets the
// Image4 codecs walk a DER tree element by element (peek, read, enter, leave)
// and build one back up the same way.
package der

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// ErrEOF is returned when reading past the end of the current constructed value.
var ErrEOF = errors.New("der: end of stream")

// Tag identifies an ASN.1 element by class, number and form.
type Tag struct {
	Class    int
	Number   int
	Compound bool
}

var (
	Sequence    = Tag{Class: asn1.ClassUniversal, Number: asn1.TagSequence, Compound: true}
	Set         = Tag{Class: asn1.ClassUniversal, Number: asn1.TagSet, Compound: true}
	IA5String   = Tag{Class: asn1.ClassUniversal, Number: asn1.TagIA5String}
	OctetString = Tag{Class: asn1.ClassUniversal, Number: asn1.TagOctetString}
	Integer     = Tag{Class: asn1.ClassUniversal, Number: asn1.TagInteger}
	Boolean     = Tag{Class: asn1.ClassUniversal, Number: asn1.TagBoolean}
)

// Private returns the constructed PRIVATE-class tag with the given number.
func Private(number int) Tag {
	return Tag{Class: asn1.ClassPrivate, Number: number, Compound: true}
}

// Context returns the constructed CONTEXT-SPECIFIC tag with the given number.
func Context(number int) Tag {
	return Tag{Class: asn1.ClassContextSpecific, Number: number, Compound: true}
}

func (t Tag) String() string {
	var class string
	switch t.Class {
	case asn1.ClassUniversal:
		switch t.Number {
		case asn1.TagSequence:
			return "SEQUENCE"
		case asn1.TagSet:
			return "SET"
		case asn1.TagIA5String:
			return "IA5String"
		case asn1.TagOctetString:
			return "OCTET STRING"
		case asn1.TagInteger:
			return "INTEGER"
		case asn1.TagBoolean:
			return "BOOLEAN"
		}
		class = "UNIVERSAL"
	case asn1.ClassApplication:
		class = "APPLICATION"
	case asn1.ClassContextSpecific:
		class = "CONTEXT"
	case asn1.ClassPrivate:
		class = "PRIVATE"
	}
	return fmt.Sprintf("%s [%d]", class, t.Number)
}

// Matches reports whether t has the same class, number and form as o.
func (t Tag) Matches(o Tag) bool {
	return t.Class == o.Class && t.Number == o.Number && t.Compound == o.Compound
}

func tagOf(rv asn1.RawValue) Tag {
	return Tag{Class: rv.Class, Number: rv.Tag, Compound: rv.IsCompound}
}

/* DECODER */

// Decoder walks a DER buffer. Enter descends into a constructed element and
// Leave returns to the parent once every child has been consumed.
type Decoder struct {
	stack [][]byte
	cur   []byte
}

// NewDecoder returns a Decoder positioned at the first element of data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{cur: data}
}

// EOF reports whether the current level has no elements left.
func (d *Decoder) EOF() bool {
	return len(d.cur) == 0
}

// Depth returns how many constructed elements have been entered.
func (d *Decoder) Depth() int {
	return len(d.stack)
}

func (d *Decoder) next() (asn1.RawValue, []byte, error) {
	var rv asn1.RawValue
	if len(d.cur) == 0 {
		return rv, nil, ErrEOF
	}
	rest, err := asn1.Unmarshal(d.cur, &rv)
	if err != nil {
		return rv, nil, fmt.Errorf("der: %w", err)
	}
	return rv, rest, nil
}

// Peek returns the tag of the next element without consuming it.
func (d *Decoder) Peek() (Tag, error) {
	rv, _, err := d.next()
	if err != nil {
		return Tag{}, err
	}
	return tagOf(rv), nil
}

// Read consumes the next element and returns it whole.
func (d *Decoder) Read() (asn1.RawValue, error) {
	rv, rest, err := d.next()
	if err != nil {
		return rv, err
	}
	d.cur = rest
	return rv, nil
}

// ReadTagged consumes the next element, failing with a *TagError if its tag
// is not want. The element is left unconsumed on mismatch.
func (d *Decoder) ReadTagged(want Tag) (asn1.RawValue, error) {
	rv, rest, err := d.next()
	if err != nil {
		return rv, err
	}
	if got := tagOf(rv); !got.Matches(want) {
		return rv, &TagError{Expected: want, Found: got}
	}
	d.cur = rest
	return rv, nil
}

// ReadString reads an IA5String.
func (d *Decoder) ReadString() (string, error) {
	rv, err := d.ReadTagged(IA5String)
	if err != nil {
		return "", err
	}
	return string(rv.Bytes), nil
}

// ReadBytes reads an OCTET STRING.
func (d *Decoder) ReadBytes() ([]byte, error) {
	rv, err := d.ReadTagged(OctetString)
	if err != nil {
		return nil, err
	}
	return rv.Bytes, nil
}

// ReadInt reads an INTEGER that fits in an int64.
func (d *Decoder) ReadInt() (int64, error) {
	rv, err := d.ReadTagged(Integer)
	if err != nil {
		return 0, err
	}
	var v int64
	if _, err := asn1.Unmarshal(rv.FullBytes, &v); err != nil {
		return 0, fmt.Errorf("der: %w", err)
	}
	return v, nil
}

// ReadBigInt reads an INTEGER of any size.
func (d *Decoder) ReadBigInt() (*big.Int, error) {
	rv, err := d.ReadTagged(Integer)
	if err != nil {
		return nil, err
	}
	return ParseBigInt(rv)
}

// ParseBigInt decodes the INTEGER held in rv.
func ParseBigInt(rv asn1.RawValue) (*big.Int, error) {
	v := new(big.Int)
	if _, err := asn1.Unmarshal(rv.FullBytes, &v); err != nil {
		return nil, fmt.Errorf("der: %w", err)
	}
	return v, nil
}

// Enter consumes the next element, which must carry tag want, and makes its
// contents the current level.
func (d *Decoder) Enter(want Tag) error {
	rv, err := d.ReadTagged(want)
	if err != nil {
		return err
	}
	d.stack = append(d.stack, d.cur)
	d.cur = rv.Bytes
	return nil
}

// Leave returns to the parent level. Unread children are an error.
func (d *Decoder) Leave() error {
	if len(d.stack) == 0 {
		return errors.New("der: leave without enter")
	}
	if len(d.cur) != 0 {
		return fmt.Errorf("der: %d trailing bytes in constructed value", len(d.cur))
	}
	d.cur = d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return nil
}

// TagError reports an element whose tag differs from the one expected.
type TagError struct {
	Expected Tag
	Found    Tag
}

func (e *TagError) Error() string {
	return fmt.Sprintf("der: expected %s, found %s", e.Expected, e.Found)
}

/* ENCODER */

type frame struct {
	tag Tag
	buf []byte
}

// Encoder builds a DER buffer. Enter opens a constructed element and Leave
// closes it, appending the finished element to its parent.
type Encoder struct {
	stack []*frame
	out   []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) append(b []byte) {
	if n := len(e.stack); n > 0 {
		e.stack[n-1].buf = append(e.stack[n-1].buf, b...)
		return
	}
	e.out = append(e.out, b...)
}

// Write appends an already-encoded element (rv.FullBytes) or builds one from
// the class, tag and contents of rv.
func (e *Encoder) Write(rv asn1.RawValue) error {
	b, err := asn1.Marshal(rv)
	if err != nil {
		return fmt.Errorf("der: %w", err)
	}
	e.append(b)
	return nil
}

// WriteTagged appends an element with tag t and contents b.
func (e *Encoder) WriteTagged(t Tag, b []byte) error {
	return e.Write(asn1.RawValue{Class: t.Class, Tag: t.Number, IsCompound: t.Compound, Bytes: b})
}

// WriteString appends an IA5String.
func (e *Encoder) WriteString(s string) error {
	return e.WriteTagged(IA5String, []byte(s))
}

// WriteBytes appends an OCTET STRING.
func (e *Encoder) WriteBytes(b []byte) error {
	return e.WriteTagged(OctetString, b)
}

// WriteInt appends an INTEGER.
func (e *Encoder) WriteInt(v int64) error {
	b, err := asn1.Marshal(v)
	if err != nil {
		return fmt.Errorf("der: %w", err)
	}
	e.append(b)
	return nil
}

// WriteBigInt appends an INTEGER of any size.
func (e *Encoder) WriteBigInt(v *big.Int) error {
	b, err := asn1.Marshal(v)
	if err != nil {
		return fmt.Errorf("der: %w", err)
	}
	e.append(b)
	return nil
}

// Enter opens a constructed element with tag t.
func (e *Encoder) Enter(t Tag) {
	t.Compound = true
	e.stack = append(e.stack, &frame{tag: t})
}

// Leave closes the innermost constructed element.
func (e *Encoder) Leave() error {
	n := len(e.stack)
	if n == 0 {
		return errors.New("der: leave without enter")
	}
	f := e.stack[n-1]
	e.stack = e.stack[:n-1]
	return e.WriteTagged(f.tag, f.buf)
}

// Bytes returns the encoded buffer. Every Enter must have been matched by a Leave.
func (e *Encoder) Bytes() ([]byte, error) {
	if len(e.stack) != 0 {
		return nil, fmt.Errorf("der: %d unclosed constructed values", len(e.stack))
	}
	return e.out, nil
}
