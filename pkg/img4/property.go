package img4

import (
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/blacktop/img4/internal/der"
	"github.com/blacktop/img4/internal/utils"
)

// Kind is the family a property belongs to. Manifest, restore-info and
// payload properties share one wire format but never mix.
type Kind interface {
	ManifestProperty | RestoreProperty | PayloadProperty
	label() string
}

type (
	// ManifestProperty marks properties of an IM4M body (MANP and per-image entries)
	ManifestProperty struct{}
	// RestoreProperty marks properties of an IM4R
	RestoreProperty struct{}
	// PayloadProperty marks the optional PAYP properties of an IM4P
	PayloadProperty struct{}
)

func (ManifestProperty) label() string { return "manifest" }
func (RestoreProperty) label() string  { return "restore info" }
func (PayloadProperty) label() string  { return "payload" }

type (
	ManifestGroup = PropertyGroup[ManifestProperty]
	RestoreGroup  = PropertyGroup[RestoreProperty]
	PayloadGroup  = PropertyGroup[PayloadProperty]
)

func kindLabel[K Kind]() string {
	var k K
	return k.label()
}

/* VALUE */

// Value is a property's ASN.1 leaf, kept as its original DER element so it
// re-encodes byte for byte.
type Value struct {
	raw asn1.RawValue
}

func valueOf(v any, params string) Value {
	b, err := asn1.MarshalWithParams(v, params)
	if err != nil {
		panic(fmt.Sprintf("img4: marshal %T: %v", v, err))
	}
	var rv asn1.RawValue
	if _, err := asn1.Unmarshal(b, &rv); err != nil {
		panic(fmt.Sprintf("img4: unmarshal %T: %v", v, err))
	}
	return Value{raw: rv}
}

// IntValue returns an INTEGER value.
func IntValue(v int64) Value { return valueOf(v, "") }

// UintValue returns an INTEGER value for the full unsigned 64-bit range.
func UintValue(v uint64) Value { return valueOf(new(big.Int).SetUint64(v), "") }

// BytesValue returns an OCTET STRING value.
func BytesValue(b []byte) Value { return valueOf(b, "") }

// BoolValue returns a BOOLEAN value.
func BoolValue(b bool) Value { return valueOf(b, "") }

// StringValue returns an IA5String value.
func StringValue(s string) (Value, error) {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return Value{}, dataErrorf("string %q is not IA5", s)
		}
	}
	return valueOf(s, "ia5"), nil
}

// Tag returns the ASN.1 tag of the value.
func (v Value) Tag() der.Tag {
	return der.Tag{Class: v.raw.Class, Number: v.raw.Tag, Compound: v.raw.IsCompound}
}

// Raw returns the DER encoding of the value.
func (v Value) Raw() []byte {
	return v.raw.FullBytes
}

func (v Value) isUniversal(tag int) bool {
	return v.raw.Class == asn1.ClassUniversal && v.raw.Tag == tag && !v.raw.IsCompound
}

// BigInt returns the value of an INTEGER.
func (v Value) BigInt() (*big.Int, bool) {
	if !v.isUniversal(asn1.TagInteger) {
		return nil, false
	}
	n, err := der.ParseBigInt(v.raw)
	if err != nil {
		return nil, false
	}
	return n, true
}

// Uint64 returns the value of a non-negative INTEGER that fits in 64 bits.
func (v Value) Uint64() (uint64, bool) {
	n, ok := v.BigInt()
	if !ok || n.Sign() < 0 || !n.IsUint64() {
		return 0, false
	}
	return n.Uint64(), true
}

// Int64 returns the value of an INTEGER that fits in an int64.
func (v Value) Int64() (int64, bool) {
	n, ok := v.BigInt()
	if !ok || !n.IsInt64() {
		return 0, false
	}
	return n.Int64(), true
}

// Bytes returns the contents of an OCTET STRING.
func (v Value) Bytes() ([]byte, bool) {
	if !v.isUniversal(asn1.TagOctetString) {
		return nil, false
	}
	return v.raw.Bytes, true
}

// Str returns the contents of a string value.
func (v Value) Str() (string, bool) {
	if v.raw.Class != asn1.ClassUniversal || v.raw.IsCompound {
		return "", false
	}
	switch v.raw.Tag {
	case asn1.TagIA5String, asn1.TagUTF8String, asn1.TagPrintableString:
		return string(v.raw.Bytes), true
	}
	return "", false
}

// Bool returns the value of a BOOLEAN.
func (v Value) Bool() (bool, bool) {
	if !v.isUniversal(asn1.TagBoolean) || len(v.raw.Bytes) != 1 {
		return false, false
	}
	return v.raw.Bytes[0] != 0, true
}

func (v Value) String() string {
	if b, ok := v.Bool(); ok {
		return fmt.Sprintf("%t", b)
	}
	if n, ok := v.BigInt(); ok {
		return fmt.Sprintf("%#x", n)
	}
	if s, ok := v.Str(); ok {
		return utils.Truncate(s, 32)
	}
	b, ok := v.Bytes()
	if !ok {
		b = v.raw.FullBytes
	}
	if len(b) > 100 {
		return "\n" + strings.TrimSpace(utils.HexDump(b, 0))
	}
	return hex.EncodeToString(b)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if b, ok := v.Bool(); ok {
		return json.Marshal(b)
	}
	if n, ok := v.BigInt(); ok {
		return json.Marshal(n)
	}
	if s, ok := v.Str(); ok {
		return json.Marshal(s)
	}
	if b, ok := v.Bytes(); ok {
		return json.Marshal(hex.EncodeToString(b))
	}
	return json.Marshal(hex.EncodeToString(v.raw.FullBytes))
}

/* PROPERTY */

// Member is an entry of a PropertyGroup: a *Property or a nested *PropertyGroup
type Member[K Kind] interface {
	fourcc() string
	encode(e *der.Encoder) error
	kind() K
}

// Property is a named leaf value
type Property[K Kind] struct {
	Name  string
	Value Value
}

// NewProperty returns a property after validating its FourCC.
func NewProperty[K Kind](name string, value Value) (*Property[K], error) {
	if err := VerifyFourCC(name); err != nil {
		return nil, err
	}
	if len(value.raw.FullBytes) == 0 {
		return nil, dataErrorf("property %s has no value", name)
	}
	return &Property[K]{Name: name, Value: value}, nil
}

func (p *Property[K]) fourcc() string { return p.Name }

func (p *Property[K]) kind() K {
	var k K
	return k
}

func (p *Property[K]) encode(e *der.Encoder) error {
	e.Enter(der.Private(fourCCTag(p.Name)))
	e.Enter(der.Sequence)
	if err := e.WriteString(p.Name); err != nil {
		return err
	}
	if err := e.Write(p.Value.raw); err != nil {
		return err
	}
	if err := e.Leave(); err != nil {
		return err
	}
	return e.Leave()
}

func (p *Property[K]) String() string {
	return fmt.Sprintf("%s: %s", p.Name, p.Value)
}

/* PROPERTY GROUP */

// PropertyGroup is a named, ordered set of properties and nested groups
// with unique names.
type PropertyGroup[K Kind] struct {
	Name    string
	members []Member[K]
}

// NewPropertyGroup returns a group holding members in order.
func NewPropertyGroup[K Kind](name string, members ...Member[K]) (*PropertyGroup[K], error) {
	if err := VerifyFourCC(name); err != nil {
		return nil, err
	}
	g := &PropertyGroup[K]{Name: name}
	for _, m := range members {
		if err := g.Add(m); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *PropertyGroup[K]) fourcc() string { return g.Name }

func (g *PropertyGroup[K]) kind() K {
	var k K
	return k
}

func (g *PropertyGroup[K]) index(name string) int {
	for i, m := range g.members {
		if m.fourcc() == name {
			return i
		}
	}
	return -1
}

// Add appends m. A member with the same name must not already exist.
func (g *PropertyGroup[K]) Add(m Member[K]) error {
	if m == nil {
		return dataErrorf("cannot add nil member to %s", g.Name)
	}
	if err := VerifyFourCC(m.fourcc()); err != nil {
		return err
	}
	if g.index(m.fourcc()) >= 0 {
		return dataErrorf("%s %s already contains %s", kindLabel[K](), g.Name, m.fourcc())
	}
	g.members = append(g.members, m)
	return nil
}

// Remove deletes the member called name.
func (g *PropertyGroup[K]) Remove(name string) error {
	i := g.index(name)
	if i < 0 {
		return dataErrorf("%s %s does not contain %s", kindLabel[K](), g.Name, name)
	}
	g.members = append(g.members[:i:i], g.members[i+1:]...)
	return nil
}

// Member returns the member called name.
func (g *PropertyGroup[K]) Member(name string) (Member[K], bool) {
	if i := g.index(name); i >= 0 {
		return g.members[i], true
	}
	return nil, false
}

// Property returns the leaf property called name.
func (g *PropertyGroup[K]) Property(name string) (*Property[K], bool) {
	m, ok := g.Member(name)
	if !ok {
		return nil, false
	}
	p, ok := m.(*Property[K])
	return p, ok
}

// Group returns the nested group called name.
func (g *PropertyGroup[K]) Group(name string) (*PropertyGroup[K], bool) {
	m, ok := g.Member(name)
	if !ok {
		return nil, false
	}
	sub, ok := m.(*PropertyGroup[K])
	return sub, ok
}

// Value returns the value of the leaf property called name.
func (g *PropertyGroup[K]) Value(name string) (Value, bool) {
	if p, ok := g.Property(name); ok {
		return p.Value, true
	}
	return Value{}, false
}

// Members returns the members in wire order.
func (g *PropertyGroup[K]) Members() []Member[K] {
	return append([]Member[K](nil), g.members...)
}

// Properties returns the leaf properties in wire order.
func (g *PropertyGroup[K]) Properties() []*Property[K] {
	var props []*Property[K]
	for _, m := range g.members {
		if p, ok := m.(*Property[K]); ok {
			props = append(props, p)
		}
	}
	return props
}

// Groups returns the nested groups in wire order.
func (g *PropertyGroup[K]) Groups() []*PropertyGroup[K] {
	var groups []*PropertyGroup[K]
	for _, m := range g.members {
		if sub, ok := m.(*PropertyGroup[K]); ok {
			groups = append(groups, sub)
		}
	}
	return groups
}

// Names returns the member names in wire order.
func (g *PropertyGroup[K]) Names() []string {
	names := make([]string, 0, len(g.members))
	for _, m := range g.members {
		names = append(names, m.fourcc())
	}
	return names
}

// Len returns the number of members.
func (g *PropertyGroup[K]) Len() int {
	return len(g.members)
}

func (g *PropertyGroup[K]) encode(e *der.Encoder) error {
	e.Enter(der.Private(fourCCTag(g.Name)))
	if err := g.encodeBody(e); err != nil {
		return err
	}
	return e.Leave()
}

// encodeBody writes SEQUENCE{ name, SET{ members } } without the PRIVATE wrapper
func (g *PropertyGroup[K]) encodeBody(e *der.Encoder) error {
	e.Enter(der.Sequence)
	if err := e.WriteString(g.Name); err != nil {
		return err
	}
	e.Enter(der.Set)
	for _, m := range g.members {
		if err := m.encode(e); err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", kindLabel[K](), m.fourcc(), err)
		}
	}
	if err := e.Leave(); err != nil {
		return err
	}
	return e.Leave()
}

// Marshal returns the DER encoding of the group as a bare SEQUENCE.
func (g *PropertyGroup[K]) Marshal() ([]byte, error) {
	e := der.NewEncoder()
	if err := g.encodeBody(e); err != nil {
		return nil, err
	}
	return e.Bytes()
}

// ParsePropertyGroup decodes a bare SEQUENCE{ name, SET{ members } }.
func ParsePropertyGroup[K Kind](data []byte) (*PropertyGroup[K], error) {
	d := der.NewDecoder(data)
	g, err := decodeGroupBody[K](d)
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, dataErrorf("trailing data after %s %s", kindLabel[K](), g.Name)
	}
	return g, nil
}

func decodeGroupBody[K Kind](d *der.Decoder) (*PropertyGroup[K], error) {
	op := kindLabel[K]() + " property group"
	if err := d.Enter(der.Sequence); err != nil {
		return nil, decodeError(op, err)
	}
	name, err := d.ReadString()
	if err != nil {
		return nil, decodeError(op, err)
	}
	if err := VerifyFourCC(name); err != nil {
		return nil, err
	}
	g, err := decodeMembers[K](d, name)
	if err != nil {
		return nil, err
	}
	if err := d.Leave(); err != nil {
		return nil, decodeError(op, err)
	}
	return g, nil
}

// decodeMembers reads SET{ PRIVATE-wrapped members } into a group called name
func decodeMembers[K Kind](d *der.Decoder, name string) (*PropertyGroup[K], error) {
	op := fmt.Sprintf("%s %s", kindLabel[K](), name)
	if err := d.Enter(der.Set); err != nil {
		return nil, decodeError(op, err)
	}
	g := &PropertyGroup[K]{Name: name}
	for !d.EOF() {
		m, err := decodeMember[K](d)
		if err != nil {
			return nil, err
		}
		if err := g.Add(m); err != nil {
			return nil, err
		}
	}
	if err := d.Leave(); err != nil {
		return nil, decodeError(op, err)
	}
	return g, nil
}

// decodeMember reads PRIVATE[tag]{ SEQUENCE{ name, value | SET } }
func decodeMember[K Kind](d *der.Decoder) (Member[K], error) {
	op := kindLabel[K]() + " property"

	tag, err := d.Peek()
	if err != nil {
		return nil, decodeError(op, err)
	}
	if tag.Class != asn1.ClassPrivate || !tag.Compound {
		return nil, &StructuralError{Op: op, Expected: der.Private(tag.Number), Found: tag}
	}
	if err := d.Enter(tag); err != nil {
		return nil, decodeError(op, err)
	}
	if err := d.Enter(der.Sequence); err != nil {
		return nil, decodeError(op, err)
	}
	name, err := d.ReadString()
	if err != nil {
		return nil, decodeError(op, err)
	}
	if err := VerifyFourCC(name); err != nil {
		return nil, err
	}
	if fourCCTag(name) != tag.Number {
		return nil, dataErrorf("%s %s is tagged %#x", op, name, tag.Number)
	}

	next, err := d.Peek()
	if err != nil {
		return nil, decodeError(op+" "+name, err)
	}

	var m Member[K]
	if next.Matches(der.Set) {
		if m, err = decodeMembers[K](d, name); err != nil {
			return nil, err
		}
	} else {
		rv, err := d.Read()
		if err != nil {
			return nil, decodeError(op+" "+name, err)
		}
		m = &Property[K]{Name: name, Value: Value{raw: rv}}
	}

	if err := d.Leave(); err != nil {
		return nil, decodeError(op+" "+name, err)
	}
	if err := d.Leave(); err != nil {
		return nil, decodeError(op+" "+name, err)
	}
	return m, nil
}

// textProps are OCTET STRING properties that hold readable text
var textProps = map[string]bool{
	"love": true, // version string, e.g. "25.1.279.5.13,0"
	"prtp": true, // product type, e.g. "Mac14,8"
	"sdkp": true,
	"tagt": true,
	"tatp": true,
	"pave": true,
	"vnum": true,
	"apmv": true,
}

func formatValue(name string, v Value) string {
	if textProps[name] {
		if b, ok := v.Bytes(); ok && isPrintable(b) {
			return string(b)
		}
	}
	if name == "tstp" {
		if n, ok := v.Int64(); ok && n > 0 {
			return time.Unix(n, 0).UTC().Format(time.RFC3339)
		}
	}
	return v.String()
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return len(b) > 0
}

func (g *PropertyGroup[K]) format(sb *strings.Builder, indent int) {
	pad := strings.Repeat("  ", indent)
	for _, m := range g.members {
		switch v := m.(type) {
		case *Property[K]:
			sb.WriteString(fmt.Sprintf("%s%s: %s\n", pad, colorSubField(v.Name), formatValue(v.Name, v.Value)))
		case *PropertyGroup[K]:
			sb.WriteString(fmt.Sprintf("%s%s:\n", pad, colorSubField(v.Name)))
			v.format(sb, indent+1)
		}
	}
}

func (g *PropertyGroup[K]) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s:\n", colorField(g.Name)))
	g.format(&sb, 1)
	return sb.String()
}

func (g *PropertyGroup[K]) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(g.members))
	for _, m := range g.members {
		out[m.fourcc()] = m
	}
	return json.Marshal(out)
}

func (p *Property[K]) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Value)
}
