package img4

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/img4/internal/der"
	"github.com/dustin/go-humanize"
)

// IM4P types
const (
	IM4P_KERNELCACHE        = "krnl"
	IM4P_RESTORE_KERNEL     = "rkrn"
	IM4P_DEVICE_TREE        = "dtre"
	IM4P_RESTORE_DTREE      = "rdtr"
	IM4P_IBOOT              = "ibot"
	IM4P_IBSS               = "ibss"
	IM4P_IBEC               = "ibec"
	IM4P_LLB                = "illb"
	IM4P_SEP                = "sepi"
	IM4P_RESTORE_SEP        = "rsep"
	IM4P_RAMDISK            = "rdsk"
	IM4P_TRUST_CACHE        = "trst"
	IM4P_RESTORE_TRUST      = "rtsc"
	IM4P_APPLE_LOGO         = "logo"
	IM4P_RECOVERY_MODE      = "recm"
	IM4P_BATTERY_FULL       = "batF"
	IM4P_GLYPH_CHARGING     = "glyC"
	IM4P_GLYPH_PLUGIN       = "glyP"
	IM4P_AOP_FIRMWARE       = "aopf"
	IM4P_ANE_FIRMWARE       = "anef"
	IM4P_GPU_FIRMWARE       = "gfxf"
	IM4P_ISP_FIRMWARE       = "ispf"
	IM4P_SYSTEM_VOLUME_SEAL = "isys"
)

const (
	im4pMagic = "IM4P"
	paypMagic = "PAYP"
)

// IM4P is an Image4 payload: a firmware blob with its type and description
type IM4P struct {
	fourcc      string
	description string
	// Payload holds the (possibly compressed or encrypted) data
	Payload *IM4PData
	// Properties holds the optional PAYP properties
	Properties *PayloadGroup
}

// NewIM4P returns a payload entity of type fourcc wrapping payload.
func NewIM4P(fourcc, description string, payload *IM4PData) (*IM4P, error) {
	p := &IM4P{}
	if err := p.SetFourCC(fourcc); err != nil {
		return nil, err
	}
	if err := p.SetDescription(description); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = &IM4PData{}
	}
	p.Payload = payload
	return p, nil
}

// FourCC returns the payload type, e.g. "krnl".
func (p *IM4P) FourCC() string {
	return p.fourcc
}

// SetFourCC sets the payload type.
func (p *IM4P) SetFourCC(fourcc string) error {
	if err := VerifyFourCC(fourcc); err != nil {
		return err
	}
	p.fourcc = fourcc
	return nil
}

// Description returns the payload description, usually a build string.
func (p *IM4P) Description() string {
	return p.description
}

// SetDescription sets the payload description.
func (p *IM4P) SetDescription(description string) error {
	for i := 0; i < len(description); i++ {
		if description[i] > 0x7f {
			return dataErrorf("description %q is not IA5", description)
		}
	}
	p.description = description
	return nil
}

// WithManifest combines the payload with m into an IMG4.
func (p *IM4P) WithManifest(m *IM4M) *IMG4 {
	return &IMG4{IM4P: p, IM4M: m}
}

// ParseIM4P decodes a standalone IM4P.
func ParseIM4P(data []byte) (*IM4P, error) {
	d := der.NewDecoder(data)
	p, err := decodeIM4P(d)
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, dataErrorf("trailing data after IM4P")
	}
	return p, nil
}

func decodeIM4P(d *der.Decoder) (*IM4P, error) {
	const op = "IM4P"

	if err := d.Enter(der.Sequence); err != nil {
		return nil, decodeError(op, err)
	}
	magic, err := d.ReadString()
	if err != nil {
		return nil, decodeError(op, err)
	}
	if _, err := ExpectFourCC(magic, im4pMagic); err != nil {
		return nil, err
	}

	p := &IM4P{}
	fourcc, err := d.ReadString()
	if err != nil {
		return nil, decodeError(op+" type", err)
	}
	if err := p.SetFourCC(fourcc); err != nil {
		return nil, err
	}
	if p.description, err = d.ReadString(); err != nil {
		return nil, decodeError(op+" description", err)
	}

	data, err := d.ReadBytes()
	if err != nil {
		return nil, decodeError(op+" payload", err)
	}
	p.Payload = &IM4PData{data: data}

	var haveKbag, haveSize bool
	for !d.EOF() {
		tag, err := d.Peek()
		if err != nil {
			return nil, decodeError(op, err)
		}
		switch {
		case tag.Matches(der.OctetString) && !haveKbag && !haveSize && p.Properties == nil:
			blob, err := d.ReadBytes()
			if err != nil {
				return nil, decodeError(op+" keybags", err)
			}
			if p.Payload.keybags, err = parseKeybags(blob); err != nil {
				return nil, err
			}
			haveKbag = true
		case tag.Matches(der.Sequence) && !haveSize:
			size, err := decodeLZFSESize(d)
			if err != nil {
				return nil, err
			}
			if err := p.Payload.SetLZFSEPayloadSize(size); err != nil {
				return nil, err
			}
			haveSize = true
		case tag.Matches(der.Context(0)) && p.Properties == nil:
			if p.Properties, err = decodePAYP(d); err != nil {
				return nil, err
			}
		default:
			return nil, &StructuralError{Op: op, Expected: der.Context(0), Found: tag}
		}
	}

	if err := d.Leave(); err != nil {
		return nil, decodeError(op, err)
	}

	log.Debugf("Parsed IM4P %s (%s): %s, %d keybag(s)", p.fourcc, p.description, p.Payload.Compression(), len(p.Payload.keybags))

	return p, nil
}

// decodeLZFSESize reads SEQUENCE{ INTEGER 1, INTEGER size }
func decodeLZFSESize(d *der.Decoder) (int, error) {
	const op = "IM4P compression info"
	if err := d.Enter(der.Sequence); err != nil {
		return 0, decodeError(op, err)
	}
	algo, err := d.ReadInt()
	if err != nil {
		return 0, decodeError(op, err)
	}
	if algo != 1 {
		return 0, dataErrorf("unsupported compression algorithm %d", algo)
	}
	size, err := d.ReadInt()
	if err != nil {
		return 0, decodeError(op, err)
	}
	if size < 0 || int64(int(size)) != size {
		return 0, dataErrorf("invalid LZFSE payload size %d", size)
	}
	if err := d.Leave(); err != nil {
		return 0, decodeError(op, err)
	}
	return int(size), nil
}

// decodePAYP reads [0] EXPLICIT SEQUENCE{ "PAYP", SET{ properties } }
func decodePAYP(d *der.Decoder) (*PayloadGroup, error) {
	const op = "IM4P properties"
	if err := d.Enter(der.Context(0)); err != nil {
		return nil, decodeError(op, err)
	}
	g, err := decodeGroupBody[PayloadProperty](d)
	if err != nil {
		return nil, err
	}
	if _, err := ExpectFourCC(g.Name, paypMagic); err != nil {
		return nil, err
	}
	if err := d.Leave(); err != nil {
		return nil, decodeError(op, err)
	}
	return g, nil
}

func (p *IM4P) encode(e *der.Encoder) error {
	if p.Payload == nil {
		return stateErrorf("IM4P has no payload")
	}
	data, kbag, err := p.Payload.Output()
	if err != nil {
		return err
	}

	e.Enter(der.Sequence)
	if err := e.WriteString(im4pMagic); err != nil {
		return err
	}
	if err := e.WriteString(p.fourcc); err != nil {
		return err
	}
	if err := e.WriteString(p.description); err != nil {
		return err
	}
	if err := e.WriteBytes(data); err != nil {
		return err
	}
	if kbag != nil {
		if err := e.WriteBytes(kbag); err != nil {
			return err
		}
	}

	if c := p.Payload.Compression(); c == CompressionLZFSE || c == CompressionLZFSEEncrypted {
		size, err := p.Payload.LZFSEPayloadSize()
		if err != nil {
			return err
		}
		e.Enter(der.Sequence)
		if err := e.WriteInt(1); err != nil {
			return err
		}
		if err := e.WriteInt(int64(size)); err != nil {
			return err
		}
		if err := e.Leave(); err != nil {
			return err
		}
	}

	if p.Properties != nil {
		if _, err := ExpectFourCC(p.Properties.Name, paypMagic); err != nil {
			return err
		}
		e.Enter(der.Context(0))
		if err := p.Properties.encodeBody(e); err != nil {
			return err
		}
		if err := e.Leave(); err != nil {
			return err
		}
	}

	return e.Leave()
}

// Output returns the DER encoding of the IM4P.
func (p *IM4P) Output() ([]byte, error) {
	if err := VerifyFourCC(p.fourcc); err != nil {
		return nil, stateErrorf("IM4P type is not set")
	}
	e := der.NewEncoder()
	if err := p.encode(e); err != nil {
		return nil, err
	}
	return e.Bytes()
}

// Equal reports whether p and o encode to the same bytes.
func (p *IM4P) Equal(o *IM4P) bool {
	return outputEqual(p, o)
}

// Type returns TypeIM4P.
func (p *IM4P) Type() Type { return TypeIM4P }

func (p *IM4P) String() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s:\n", colorTitle("IM4P (Image4 Payload)")))
	sb.WriteString(fmt.Sprintf("  %s: %s\n", colorField("Type"), p.fourcc))
	sb.WriteString(fmt.Sprintf("  %s: %s\n", colorField("Description"), p.description))
	if p.Payload == nil {
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("  %s: %s\n", colorField("Data Size"), humanize.Bytes(uint64(p.Payload.Len()))))
	sb.WriteString(fmt.Sprintf("  %s: %s\n", colorField("Compression"), p.Payload.Compression()))
	if p.Payload.hasLZFSESize {
		sb.WriteString(fmt.Sprintf("  %s: %s\n", colorField("Uncompressed Size"), humanize.Bytes(uint64(p.Payload.lzfseSize))))
	}
	if len(p.Payload.extra) > 0 {
		sb.WriteString(fmt.Sprintf("  %s: %s\n", colorField("Extra Data"), humanize.Bytes(uint64(len(p.Payload.extra)))))
	}
	if p.Payload.Encrypted() {
		sb.WriteString(fmt.Sprintf("  %s:\n", colorField("Keybags")))
		for _, kb := range p.Payload.keybags {
			sb.WriteString(fmt.Sprintf("    %s:\n", colorSubField(kb.Type)))
			sb.WriteString(fmt.Sprintf("      IV:  %x\n", kb.IV))
			sb.WriteString(fmt.Sprintf("      Key: %x\n", kb.Key))
		}
	}
	if p.Properties != nil && p.Properties.Len() > 0 {
		sb.WriteString(fmt.Sprintf("  %s:\n", colorField("Properties")))
		p.Properties.format(&sb, 2)
	}

	return sb.String()
}

func (p *IM4P) MarshalJSON() ([]byte, error) {
	out := struct {
		Type             string        `json:"type"`
		Description      string        `json:"description"`
		Size             int           `json:"size"`
		Compression      string        `json:"compression"`
		UncompressedSize int           `json:"uncompressed_size,omitempty"`
		ExtraSize        int           `json:"extra_size,omitempty"`
		Encrypted        bool          `json:"encrypted"`
		Keybags          []Keybag      `json:"keybags,omitempty"`
		Properties       *PayloadGroup `json:"properties,omitempty"`
	}{
		Type:        p.fourcc,
		Description: p.description,
		Properties:  p.Properties,
	}
	if p.Payload != nil {
		out.Size = p.Payload.Len()
		out.Compression = p.Payload.Compression().String()
		if p.Payload.hasLZFSESize {
			out.UncompressedSize = p.Payload.lzfseSize
		}
		out.ExtraSize = len(p.Payload.extra)
		out.Encrypted = p.Payload.Encrypted()
		out.Keybags = p.Payload.keybags
	}
	return json.Marshal(out)
}
