package img4

import (
	"bytes"
	"errors"
	"testing"

	"github.com/blacktop/img4/lzss"
)

func TestCompressionClassify(t *testing.T) {
	kb := testKeybag(PRODUCTION)

	tests := []struct {
		name    string
		payload func() *IM4PData
		want    Compression
	}{
		{
			name:    "raw",
			payload: func() *IM4PData { return &IM4PData{data: []byte("hello world")} },
			want:    CompressionNone,
		},
		{
			name:    "complzss",
			payload: func() *IM4PData { return &IM4PData{data: append([]byte("complzss"), make([]byte, 0x200)...)} },
			want:    CompressionLZSS,
		},
		{
			name:    "bvx2",
			payload: func() *IM4PData { return &IM4PData{data: []byte("bvx2\x00\x00\x00\x00bvx$")} },
			want:    CompressionLZFSE,
		},
		{
			name:    "bvx2 without end marker",
			payload: func() *IM4PData { return &IM4PData{data: []byte("bvx2\x00\x00\x00\x00")} },
			want:    CompressionNone,
		},
		{
			name:    "encrypted",
			payload: func() *IM4PData { return &IM4PData{data: make([]byte, 32), keybags: []Keybag{kb}} },
			want:    CompressionUnknown,
		},
		{
			name: "encrypted with lzfse size",
			payload: func() *IM4PData {
				return &IM4PData{data: make([]byte, 32), keybags: []Keybag{kb}, lzfseSize: 64, hasLZFSESize: true}
			},
			want: CompressionLZFSEEncrypted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.payload().Compression(); got != tt.want {
				t.Errorf("Compression() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLZSSWithExtra(t *testing.T) {
	plain := bytes.Repeat([]byte("kernelcache "), 0x1000)
	extra := generateTestData(0xC000)

	p, err := NewIM4PData(bytes.Clone(plain))
	if err != nil {
		t.Fatalf("NewIM4PData() error = %v", err)
	}
	if err := p.SetExtra(extra); err != nil {
		t.Fatalf("SetExtra() error = %v", err)
	}
	if err := p.Compress(CompressionLZSS); err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if got := p.Compression(); got != CompressionLZSS {
		t.Fatalf("Compression() = %s, want LZSS", got)
	}
	if p.Extra() != nil {
		t.Error("Extra() should be empty after compressing")
	}
	if !bytes.HasPrefix(p.Bytes(), lzss.Magic) {
		t.Error("payload is missing the complzss header")
	}
	if err := p.Compress(CompressionLZSS); !errors.Is(err, ErrCompression) {
		t.Errorf("Compress(twice) error = %v, want ErrCompression", err)
	}
	if err := p.SetExtra([]byte{1}); !errors.Is(err, ErrCompression) {
		t.Errorf("SetExtra(compressed) error = %v, want ErrCompression", err)
	}

	if err := p.Decompress(); err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if got := p.Compression(); got != CompressionNone {
		t.Errorf("Compression() = %s, want NONE", got)
	}
	if !bytes.Equal(p.Bytes(), plain) {
		t.Error("decompressed payload differs from original")
	}
	if !bytes.Equal(p.Extra(), extra) {
		t.Errorf("Extra() = %#x bytes, want %#x", len(p.Extra()), len(extra))
	}
}

func TestLZFSE(t *testing.T) {
	plain := bytes.Repeat([]byte("SEPOS firmware "), 0x2000)

	p, err := NewIM4PData(bytes.Clone(plain))
	if err != nil {
		t.Fatalf("NewIM4PData() error = %v", err)
	}
	if err := p.SetExtra([]byte("extra")); err != nil {
		t.Fatalf("SetExtra() error = %v", err)
	}
	if err := p.Compress(CompressionLZFSE); !errors.Is(err, ErrCompression) {
		t.Fatalf("Compress(LZFSE with extra) error = %v, want ErrCompression", err)
	}
	if err := p.SetExtra(nil); err != nil {
		t.Fatalf("SetExtra() error = %v", err)
	}

	if err := p.Compress(CompressionLZFSE); err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if got := p.Compression(); got != CompressionLZFSE {
		t.Fatalf("Compression() = %s, want LZFSE", got)
	}
	size, err := p.LZFSEPayloadSize()
	if err != nil {
		t.Fatalf("LZFSEPayloadSize() error = %v", err)
	}
	if size != len(plain) {
		t.Errorf("LZFSEPayloadSize() = %d, want %d", size, len(plain))
	}

	if err := p.Decompress(); err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(p.Bytes(), plain) {
		t.Error("decompressed payload differs from original")
	}
}

func TestDecrypt(t *testing.T) {
	kb := testKeybag(PRODUCTION)
	plain := generateTestData(0x100)
	enc := encryptCBC(t, kb, plain)

	p, err := NewIM4PData(enc, kb, testKeybag(DEVELOPMENT))
	if err != nil {
		t.Fatalf("NewIM4PData() error = %v", err)
	}
	if got := p.Compression(); got != CompressionUnknown {
		t.Errorf("Compression() = %s, want UNKNOWN", got)
	}
	if err := p.Decompress(); !errors.Is(err, ErrCompression) {
		t.Errorf("Decompress(encrypted) error = %v, want ErrCompression", err)
	}
	if err := p.Compress(CompressionLZSS); !errors.Is(err, ErrCompression) {
		t.Errorf("Compress(encrypted) error = %v, want ErrCompression", err)
	}

	prod, ok := p.Keybag(PRODUCTION)
	if !ok {
		t.Fatal("missing production keybag")
	}
	if err := p.Decrypt(prod); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if p.Encrypted() {
		t.Error("payload should not be encrypted after Decrypt")
	}
	if !bytes.Equal(p.Bytes(), plain) {
		t.Error("decrypted payload differs from original")
	}
	if got := p.Compression(); got != CompressionNone {
		t.Errorf("Compression() = %s, want NONE", got)
	}
}

func TestDecryptErrors(t *testing.T) {
	kb := testKeybag(PRODUCTION)

	tests := []struct {
		name string
		data []byte
		kb   Keybag
	}{
		{"unaligned", make([]byte, 17), kb},
		{"empty", nil, kb},
		{"bad key", make([]byte, 32), Keybag{Type: PRODUCTION, IV: kb.IV, Key: kb.Key[:16]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &IM4PData{data: tt.data, keybags: []Keybag{kb}}
			if err := p.Decrypt(tt.kb); !errors.Is(err, ErrCipher) {
				t.Errorf("Decrypt() error = %v, want ErrCipher", err)
			}
			if !p.Encrypted() {
				t.Error("failed Decrypt should leave keybags in place")
			}
		})
	}
}

func TestLZFSEPayloadSize(t *testing.T) {
	p, err := NewIM4PData(make([]byte, 32), testKeybag(PRODUCTION))
	if err != nil {
		t.Fatalf("NewIM4PData() error = %v", err)
	}
	if _, err := p.LZFSEPayloadSize(); !errors.Is(err, ErrState) {
		t.Errorf("LZFSEPayloadSize(unset) error = %v, want ErrState", err)
	}
	if err := p.SetLZFSEPayloadSize(0x4000); err != nil {
		t.Fatalf("SetLZFSEPayloadSize() error = %v", err)
	}
	if err := p.SetLZFSEPayloadSize(0x4000); !errors.Is(err, ErrState) {
		t.Errorf("SetLZFSEPayloadSize(twice) error = %v, want ErrState", err)
	}
	if got := p.Compression(); got != CompressionLZFSEEncrypted {
		t.Errorf("Compression() = %s, want LZFSE_ENCRYPTED", got)
	}
	if _, err := NewIM4PData(nil, testKeybag(PRODUCTION), testKeybag(PRODUCTION)); !errors.Is(err, ErrData) {
		t.Errorf("NewIM4PData(duplicate keybags) error = %v, want ErrData", err)
	}
}

func TestClone(t *testing.T) {
	p, err := NewIM4PData(generateTestData(64), testKeybag(PRODUCTION))
	if err != nil {
		t.Fatalf("NewIM4PData() error = %v", err)
	}
	c := p.Clone()
	c.data[0] ^= 0xff
	c.keybags[0].Key[0] ^= 0xff
	if p.data[0] == c.data[0] || p.keybags[0].Key[0] == c.keybags[0].Key[0] {
		t.Error("Clone() shares buffers with the original")
	}
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"lzss": CompressionLZSS, "LZFSE": CompressionLZFSE, "none": CompressionNone} {
		got, err := ParseCompression(name)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %s, %v", name, got, err)
		}
	}
	if _, err := ParseCompression("zstd"); !errors.Is(err, ErrCompression) {
		t.Errorf("ParseCompression(zstd) error = %v, want ErrCompression", err)
	}
}
