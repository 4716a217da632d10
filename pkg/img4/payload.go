package img4

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/img4/lzss"
	lzfse "github.com/blacktop/lzfse-cgo"
)

// Compression is the compression/encryption state of an IM4P payload
type Compression int

const (
	CompressionNone Compression = iota
	CompressionLZSS
	CompressionLZFSE
	CompressionLZFSEEncrypted // encrypted LZFSE with a known uncompressed size
	CompressionUnknown        // encrypted, contents cannot be sniffed
)

// CompressionTypes are the algorithms Compress accepts
var CompressionTypes = []string{"lzss", "lzfse"}

var (
	// LZFSE block magics: compressed v2 and v1, LZVN and raw
	lzfseMagics   = [][]byte{[]byte("bvx2"), []byte("bvx1"), []byte("bvxn"), []byte("bvx-")}
	lzfseEndMagic = []byte("bvx$")
)

func isLZFSE(data []byte) bool {
	if !bytes.HasSuffix(data, lzfseEndMagic) {
		return false
	}
	for _, magic := range lzfseMagics {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "NONE"
	case CompressionLZSS:
		return "LZSS"
	case CompressionLZFSE:
		return "LZFSE"
	case CompressionLZFSEEncrypted:
		return "LZFSE_ENCRYPTED"
	case CompressionUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("Compression(%d)", int(c))
	}
}

// ParseCompression returns the compression named name ("none", "lzss" or "lzfse").
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "lzss":
		return CompressionLZSS, nil
	case "lzfse":
		return CompressionLZFSE, nil
	default:
		return CompressionNone, compressionErrorf("unsupported compression %q (supported: %s)", name, strings.Join(CompressionTypes, ", "))
	}
}

// IM4PData is the payload of an IM4P together with its keybags. Its
// compression state is always derived from the current bytes.
type IM4PData struct {
	data    []byte
	keybags []Keybag
	extra   []byte

	lzfseSize    int
	hasLZFSESize bool
}

// NewIM4PData returns a payload holding data. Keybags mark it as encrypted;
// at most one keybag of each type is allowed.
func NewIM4PData(data []byte, keybags ...Keybag) (*IM4PData, error) {
	p := &IM4PData{data: data}
	for _, kb := range keybags {
		if err := kb.Validate(); err != nil {
			return nil, err
		}
		for _, other := range p.keybags {
			if other.Type == kb.Type {
				return nil, dataErrorf("duplicate %s keybag", kb.Type)
			}
		}
		p.keybags = append(p.keybags, kb)
	}
	return p, nil
}

// Bytes returns the current payload buffer. It must not be modified.
func (p *IM4PData) Bytes() []byte {
	return p.data
}

// Len returns the size of the current payload buffer.
func (p *IM4PData) Len() int {
	return len(p.data)
}

// Keybags returns the payload's keybags.
func (p *IM4PData) Keybags() []Keybag {
	return append([]Keybag(nil), p.keybags...)
}

// Keybag returns the keybag of type t.
func (p *IM4PData) Keybag(t KeybagType) (Keybag, bool) {
	for _, kb := range p.keybags {
		if kb.Type == t {
			return kb, true
		}
	}
	return Keybag{}, false
}

// Encrypted reports whether the payload still carries keybags.
func (p *IM4PData) Encrypted() bool {
	return len(p.keybags) > 0
}

// Extra returns the trailing data recovered from (or to be appended to) an
// LZSS container.
func (p *IM4PData) Extra() []byte {
	return p.extra
}

// SetExtra sets the data appended after the LZSS stream on the next
// Compress. The payload must be uncompressed.
func (p *IM4PData) SetExtra(extra []byte) error {
	if c := p.Compression(); c != CompressionNone {
		return compressionErrorf("cannot set extra data on a %s payload", c)
	}
	p.extra = extra
	return nil
}

// Compression classifies the payload from its keybags and magic bytes.
func (p *IM4PData) Compression() Compression {
	if p.Encrypted() {
		if p.hasLZFSESize {
			return CompressionLZFSEEncrypted
		}
		return CompressionUnknown
	}
	if bytes.HasPrefix(p.data, lzss.Magic) {
		return CompressionLZSS
	}
	if isLZFSE(p.data) {
		return CompressionLZFSE
	}
	return CompressionNone
}

// Compress compresses the uncompressed, unencrypted payload with kind.
func (p *IM4PData) Compress(kind Compression) error {
	if kind != CompressionLZSS && kind != CompressionLZFSE {
		return compressionErrorf("cannot compress payload as %s", kind)
	}
	if p.Encrypted() {
		return compressionErrorf("cannot compress an encrypted payload")
	}
	if c := p.Compression(); c != CompressionNone {
		return compressionErrorf("payload is already %s-compressed", c)
	}

	switch kind {
	case CompressionLZSS:
		data, err := lzss.Encode(p.data, p.extra)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCompression, err)
		}
		log.Debugf("LZSS compressed payload %#x -> %#x bytes", len(p.data), len(data))
		p.data = data
		p.extra = nil
	case CompressionLZFSE:
		if len(p.extra) > 0 {
			return compressionErrorf("extra data can only be stored with LZSS")
		}
		orig := p.data
		p.data = lzfse.EncodeBuffer(orig)
		if p.Compression() != CompressionLZFSE {
			p.data = orig
			return compressionErrorf("failed to LZFSE-compress payload")
		}
		log.Debugf("LZFSE compressed payload %#x -> %#x bytes", len(orig), len(p.data))
		p.lzfseSize = len(orig)
		p.hasLZFSESize = true
	}

	return nil
}

// Decompress decompresses an unencrypted LZSS or LZFSE payload. LZSS
// trailing data is moved to Extra.
func (p *IM4PData) Decompress() error {
	switch c := p.Compression(); c {
	case CompressionLZSS:
		plain, extra, err := lzss.Decode(p.data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCompression, err)
		}
		p.data = plain
		if len(extra) > 0 {
			p.extra = extra
		}
	case CompressionLZFSE:
		plain := lzfse.DecodeBuffer(p.data)
		if len(plain) == 0 {
			return compressionErrorf("failed to LZFSE-decompress payload")
		}
		if p.hasLZFSESize && len(plain) != p.lzfseSize {
			log.Warnf("LZFSE payload decompressed to %#x bytes, expected %#x", len(plain), p.lzfseSize)
		}
		p.data = plain
	case CompressionNone:
		return compressionErrorf("payload is not compressed")
	default:
		return compressionErrorf("cannot decompress a %s payload, decrypt it first", c)
	}
	return nil
}

// Decrypt AES-CBC decrypts the payload with kb and drops the keybags.
func (p *IM4PData) Decrypt(kb Keybag) error {
	if err := kb.Validate(); err != nil {
		return err
	}
	if len(p.data) == 0 {
		return cipherErrorf("payload is empty")
	}
	// CBC mode always works in whole blocks.
	if len(p.data)%aes.BlockSize != 0 {
		return cipherErrorf("payload size %#x is not a multiple of the block size", len(p.data))
	}

	block, err := aes.NewCipher(kb.Key)
	if err != nil {
		return fmt.Errorf("%w: failed to create AES cipher: %v", ErrCipher, err)
	}

	dec := make([]byte, len(p.data))
	cipher.NewCBCDecrypter(block, kb.IV).CryptBlocks(dec, p.data)

	p.data = dec
	p.keybags = nil

	return nil
}

// SetLZFSEPayloadSize records the uncompressed size of an LZFSE payload.
// The size cannot be recovered from ciphertext, so it can only be set once.
func (p *IM4PData) SetLZFSEPayloadSize(size int) error {
	if p.hasLZFSESize {
		return stateErrorf("LZFSE payload size is already set")
	}
	if size < 0 {
		return dataErrorf("invalid LZFSE payload size %d", size)
	}
	p.lzfseSize = size
	p.hasLZFSESize = true
	return nil
}

// LZFSEPayloadSize returns the uncompressed size of an LZFSE payload.
func (p *IM4PData) LZFSEPayloadSize() (int, error) {
	if p.hasLZFSESize {
		return p.lzfseSize, nil
	}
	switch c := p.Compression(); c {
	case CompressionLZFSE:
		plain := lzfse.DecodeBuffer(p.data)
		if len(plain) == 0 {
			return 0, compressionErrorf("failed to LZFSE-decompress payload")
		}
		return len(plain), nil
	case CompressionUnknown:
		return 0, stateErrorf("payload is encrypted and has no LZFSE size set")
	default:
		return 0, compressionErrorf("payload is %s, not LZFSE", c)
	}
}

// Output returns the payload bytes and, for encrypted payloads, the encoded
// KBAG blob. Neither may be modified.
func (p *IM4PData) Output() (data []byte, kbag []byte, err error) {
	if len(p.keybags) > 0 {
		if kbag, err = marshalKeybags(p.keybags); err != nil {
			return nil, nil, err
		}
	}
	return p.data, kbag, nil
}

// Clone returns a deep copy that can be mutated independently.
func (p *IM4PData) Clone() *IM4PData {
	c := *p
	c.data = bytes.Clone(p.data)
	c.extra = bytes.Clone(p.extra)
	c.keybags = make([]Keybag, len(p.keybags))
	for i, kb := range p.keybags {
		c.keybags[i] = Keybag{Type: kb.Type, IV: bytes.Clone(kb.IV), Key: bytes.Clone(kb.Key)}
	}
	return &c
}
