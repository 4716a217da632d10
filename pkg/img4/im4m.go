package img4

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/img4/internal/der"
)

const (
	im4mMagic = "IM4M"
	manbMagic = "MANB"
	manpMagic = "MANP"
)

// Manifest property names
const (
	PropChipID         = "CHIP"
	PropBoardID        = "BORD"
	PropECID           = "ECID"
	PropAPNonce        = "BNCH"
	PropSEPNonce       = "snon"
	PropSecurityDomain = "SDOM"
	PropProductionMode = "CPRO"
	PropSecurityMode   = "CSEC"
	PropDigest         = "DGST"
)

// IM4M is an Image4 manifest (APTicket): device identity properties and
// per-component digests signed by Apple
type IM4M struct {
	properties   *ManifestGroup
	images       []*ManifestGroup
	Signature    []byte
	Certificates []byte // contents of the certificate chain SEQUENCE
}

// NewIM4M returns a manifest from its MANP properties and image entries.
func NewIM4M(properties *ManifestGroup, images []*ManifestGroup, signature, certificates []byte) (*IM4M, error) {
	m := &IM4M{Signature: signature, Certificates: certificates}
	if properties != nil {
		if err := m.SetProperties(properties); err != nil {
			return nil, err
		}
	}
	for _, img := range images {
		if err := m.AddImage(img); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Properties returns the global MANP properties.
func (m *IM4M) Properties() *ManifestGroup {
	return m.properties
}

// SetProperties replaces the global properties. g must be named MANP.
func (m *IM4M) SetProperties(g *ManifestGroup) error {
	if g == nil {
		return dataErrorf("manifest properties cannot be nil")
	}
	if _, err := ExpectFourCC(g.Name, manpMagic); err != nil {
		return err
	}
	m.properties = g
	return nil
}

// Images returns the per-component entries in wire order.
func (m *IM4M) Images() []*ManifestGroup {
	return append([]*ManifestGroup(nil), m.images...)
}

// Image returns the entry for component fourcc, e.g. "krnl".
func (m *IM4M) Image(fourcc string) (*ManifestGroup, bool) {
	for _, img := range m.images {
		if img.Name == fourcc {
			return img, true
		}
	}
	return nil, false
}

// AddImage appends a component entry. Its name must be unique and not MANP.
func (m *IM4M) AddImage(img *ManifestGroup) error {
	if img == nil {
		return dataErrorf("manifest image cannot be nil")
	}
	if err := VerifyFourCC(img.Name); err != nil {
		return err
	}
	if strings.EqualFold(img.Name, manpMagic) {
		return dataErrorf("%s is reserved for manifest properties", manpMagic)
	}
	if _, ok := m.Image(img.Name); ok {
		return dataErrorf("manifest already contains image %s", img.Name)
	}
	m.images = append(m.images, img)
	return nil
}

// RemoveImage deletes the entry for component fourcc.
func (m *IM4M) RemoveImage(fourcc string) error {
	for i, img := range m.images {
		if img.Name == fourcc {
			m.images = append(m.images[:i:i], m.images[i+1:]...)
			return nil
		}
	}
	return dataErrorf("manifest does not contain image %s", fourcc)
}

// ImageDigest returns the DGST of component fourcc.
func (m *IM4M) ImageDigest(fourcc string) ([]byte, bool) {
	img, ok := m.Image(fourcc)
	if !ok {
		return nil, false
	}
	return imageDigest(img)
}

func imageDigest(img *ManifestGroup) ([]byte, bool) {
	v, ok := img.Value(PropDigest)
	if !ok {
		return nil, false
	}
	return v.Bytes()
}

// HasDigest reports whether any image entry carries digest.
func (m *IM4M) HasDigest(digest []byte) bool {
	for _, img := range m.images {
		if d, ok := imageDigest(img); ok && bytes.Equal(d, digest) {
			return true
		}
	}
	return false
}

func (m *IM4M) value(name string) (Value, bool) {
	if m.properties == nil {
		return Value{}, false
	}
	return m.properties.Value(name)
}

func (m *IM4M) uint(name string) (uint64, bool) {
	v, ok := m.value(name)
	if !ok {
		return 0, false
	}
	return v.Uint64()
}

func (m *IM4M) bytes(name string) ([]byte, bool) {
	v, ok := m.value(name)
	if !ok {
		return nil, false
	}
	return v.Bytes()
}

// ChipID returns CHIP.
func (m *IM4M) ChipID() (uint64, bool) { return m.uint(PropChipID) }

// BoardID returns BORD.
func (m *IM4M) BoardID() (uint64, bool) { return m.uint(PropBoardID) }

// ECID returns ECID.
func (m *IM4M) ECID() (uint64, bool) { return m.uint(PropECID) }

// SecurityDomain returns SDOM.
func (m *IM4M) SecurityDomain() (uint64, bool) { return m.uint(PropSecurityDomain) }

// APNonce returns BNCH.
func (m *IM4M) APNonce() ([]byte, bool) { return m.bytes(PropAPNonce) }

// SEPNonce returns snon.
func (m *IM4M) SEPNonce() ([]byte, bool) { return m.bytes(PropSEPNonce) }

// ProductionMode returns CPRO.
func (m *IM4M) ProductionMode() (bool, bool) {
	v, ok := m.value(PropProductionMode)
	if !ok {
		return false, false
	}
	return v.Bool()
}

// SecurityMode returns CSEC.
func (m *IM4M) SecurityMode() (bool, bool) {
	v, ok := m.value(PropSecurityMode)
	if !ok {
		return false, false
	}
	return v.Bool()
}

// WithPayload combines the manifest with p into an IMG4.
func (m *IM4M) WithPayload(p *IM4P) *IMG4 {
	return &IMG4{IM4P: p, IM4M: m}
}

// ParseIM4M decodes a standalone IM4M.
func ParseIM4M(data []byte) (*IM4M, error) {
	d := der.NewDecoder(data)
	m, err := decodeIM4M(d)
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, dataErrorf("trailing data after IM4M")
	}
	return m, nil
}

func decodeIM4M(d *der.Decoder) (*IM4M, error) {
	const op = "IM4M"

	if err := d.Enter(der.Sequence); err != nil {
		return nil, decodeError(op, err)
	}
	magic, err := d.ReadString()
	if err != nil {
		return nil, decodeError(op, err)
	}
	if _, err := ExpectFourCC(magic, im4mMagic); err != nil {
		return nil, err
	}
	version, err := d.ReadInt()
	if err != nil {
		return nil, decodeError(op+" version", err)
	}
	if version != 0 {
		return nil, dataErrorf("unsupported IM4M version %d", version)
	}

	if err := d.Enter(der.Set); err != nil {
		return nil, decodeError(op+" body", err)
	}
	if err := d.Enter(der.Private(fourCCTag(manbMagic))); err != nil {
		return nil, decodeError(op+" body", err)
	}
	body, err := decodeGroupBody[ManifestProperty](d)
	if err != nil {
		return nil, err
	}
	if _, err := ExpectFourCC(body.Name, manbMagic); err != nil {
		return nil, err
	}
	if err := d.Leave(); err != nil {
		return nil, decodeError(op+" body", err)
	}
	if err := d.Leave(); err != nil {
		return nil, decodeError(op+" body", err)
	}

	m := &IM4M{}
	for _, member := range body.members {
		g, ok := member.(*ManifestGroup)
		if !ok {
			return nil, dataErrorf("MANB member %s is not a property group", member.fourcc())
		}
		if strings.EqualFold(g.Name, manpMagic) {
			if m.properties != nil {
				return nil, dataErrorf("manifest has more than one %s", manpMagic)
			}
			m.properties = g
			continue
		}
		m.images = append(m.images, g)
	}
	if m.properties == nil {
		return nil, dataErrorf("manifest has no %s properties", manpMagic)
	}

	if m.Signature, err = d.ReadBytes(); err != nil {
		return nil, decodeError(op+" signature", err)
	}
	certs, err := d.ReadTagged(der.Sequence)
	if err != nil {
		return nil, decodeError(op+" certificates", err)
	}
	m.Certificates = certs.Bytes

	if err := d.Leave(); err != nil {
		return nil, decodeError(op, err)
	}

	log.Debugf("Parsed IM4M with %d properties and %d images", m.properties.Len(), len(m.images))

	return m, nil
}

func (m *IM4M) encode(e *der.Encoder) error {
	if m.properties == nil || m.properties.Len() == 0 {
		return stateErrorf("manifest has no properties")
	}
	if len(m.images) == 0 {
		return stateErrorf("manifest has no images")
	}

	body := &ManifestGroup{Name: manbMagic, members: make([]Member[ManifestProperty], 0, len(m.images)+1)}
	body.members = append(body.members, m.properties)
	for _, img := range m.images {
		body.members = append(body.members, img)
	}

	e.Enter(der.Sequence)
	if err := e.WriteString(im4mMagic); err != nil {
		return err
	}
	if err := e.WriteInt(0); err != nil {
		return err
	}
	e.Enter(der.Set)
	if err := body.encode(e); err != nil {
		return err
	}
	if err := e.Leave(); err != nil {
		return err
	}
	if err := e.WriteBytes(m.Signature); err != nil {
		return err
	}
	if err := e.WriteTagged(der.Sequence, m.Certificates); err != nil {
		return err
	}
	return e.Leave()
}

// Output returns the DER encoding of the IM4M.
func (m *IM4M) Output() ([]byte, error) {
	e := der.NewEncoder()
	if err := m.encode(e); err != nil {
		return nil, err
	}
	return e.Bytes()
}

// Equal reports whether m and o encode to the same bytes.
func (m *IM4M) Equal(o *IM4M) bool {
	return outputEqual(m, o)
}

// Type returns TypeIM4M.
func (m *IM4M) Type() Type { return TypeIM4M }

func (m *IM4M) String() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s:\n", colorTitle("IM4M (Image4 Manifest)")))
	if chip, ok := m.ChipID(); ok {
		sb.WriteString(fmt.Sprintf("  %s: %s (%#x)\n", colorField("Device Processor"), SoCName(chip), chip))
	}
	if ecid, ok := m.ECID(); ok {
		sb.WriteString(fmt.Sprintf("  %s: %#x\n", colorField("ECID"), ecid))
	}
	if nonce, ok := m.APNonce(); ok {
		sb.WriteString(fmt.Sprintf("  %s: %x\n", colorField("ApNonce"), nonce))
	}
	if nonce, ok := m.SEPNonce(); ok {
		sb.WriteString(fmt.Sprintf("  %s: %x\n", colorField("SepNonce"), nonce))
	}

	if m.properties != nil {
		sb.WriteString(fmt.Sprintf("  %s: %d\n", colorField("Properties"), m.properties.Len()))
		m.properties.format(&sb, 2)
	}
	if len(m.images) > 0 {
		sb.WriteString(fmt.Sprintf("  %s: %d\n", colorField("Images"), len(m.images)))
		for _, img := range m.images {
			sb.WriteString(fmt.Sprintf("    %s:\n", colorSubField(img.Name)))
			img.format(&sb, 3)
		}
	}

	if len(m.Signature) > 0 {
		sb.WriteString(fmt.Sprintf("  %s: %d bytes (%s)\n", colorField("Signature"), len(m.Signature), analyzeSignature(m.Signature)))
	} else {
		sb.WriteString("  Signature: none\n")
	}

	if len(m.Certificates) > 0 {
		sb.WriteString(fmt.Sprintf("  %s: %d bytes\n", colorField("Certificate Chain"), len(m.Certificates)))
		if cert, err := firstCertificate(m.Certificates); err == nil {
			sb.WriteString(fmt.Sprintf("    %s: %s\n", colorField("Subject"), cert.Subject.CommonName))
			sb.WriteString(fmt.Sprintf("    %s: %s\n", colorField("Issuer"), cert.Issuer.CommonName))
			sb.WriteString(fmt.Sprintf("    %s: %s to %s\n",
				colorField("Valid"), cert.NotBefore.Format("2006-01-02"), cert.NotAfter.Format("2006-01-02")))
			if rsaPubKey, ok := cert.PublicKey.(*rsa.PublicKey); ok {
				sb.WriteString(fmt.Sprintf("    %s: %d bits\n", colorField("RSA Key Size"), rsaPubKey.N.BitLen()))
			}
		}
	} else {
		sb.WriteString("  Certificate Chain: none\n")
	}

	return sb.String()
}

func (m *IM4M) MarshalJSON() ([]byte, error) {
	images := make(map[string]*ManifestGroup, len(m.images))
	for _, img := range m.images {
		images[img.Name] = img
	}
	return json.Marshal(&struct {
		Properties   *ManifestGroup            `json:"properties,omitempty"`
		Images       map[string]*ManifestGroup `json:"images,omitempty"`
		Signature    string                    `json:"signature,omitempty"`
		Certificates int                       `json:"certificates_size,omitempty"`
	}{
		Properties:   m.properties,
		Images:       images,
		Signature:    hex.EncodeToString(m.Signature),
		Certificates: len(m.Certificates),
	})
}

// analyzeSignature guesses the signature algorithm from its size
func analyzeSignature(signature []byte) string {
	switch len(signature) {
	case 256:
		return "RSA-2048"
	case 384:
		return "RSA-3072"
	case 512:
		return "RSA-4096"
	case 64:
		return "ECDSA P-256"
	case 96:
		return "ECDSA P-384"
	default:
		return "unknown"
	}
}

// firstCertificate parses the leading certificate of the chain for display;
// nothing about it is verified
func firstCertificate(chain []byte) (*x509.Certificate, error) {
	var first asn1.RawValue
	if _, err := asn1.Unmarshal(chain, &first); err != nil {
		return nil, err
	}
	return x509.ParseCertificate(first.FullBytes)
}
