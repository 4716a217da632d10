package img4

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"
)

const (
	testChipID  = 0x8101
	testBoardID = 0x0c
	testECID    = 0x001a2b3c4d5e6f70
)

var (
	testAPNonce  = bytes.Repeat([]byte{0xa5}, 32)
	testSEPNonce = bytes.Repeat([]byte{0x5a}, 20)
	testDigests  = map[string][]byte{
		"krnl": bytes.Repeat([]byte{0x11}, 48),
		"dtre": bytes.Repeat([]byte{0x22}, 48),
		"ibot": bytes.Repeat([]byte{0x33}, 48),
	}
)

func generateTestData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func testKeybag(typ KeybagType) Keybag {
	iv := generateTestData(KeybagIVSize)
	key := generateTestData(KeybagKeySize)
	iv[0], key[0] = byte(typ), byte(typ)
	return Keybag{Type: typ, IV: iv, Key: key}
}

func encryptCBC(t *testing.T, kb Keybag, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(kb.Key)
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}
	enc := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, kb.IV).CryptBlocks(enc, plain)
	return enc
}

func mustStringValue(t *testing.T, s string) Value {
	t.Helper()
	v, err := StringValue(s)
	if err != nil {
		t.Fatalf("StringValue(%q) error = %v", s, err)
	}
	return v
}

func mustManifestProp(t *testing.T, name string, v Value) *Property[ManifestProperty] {
	t.Helper()
	p, err := NewProperty[ManifestProperty](name, v)
	if err != nil {
		t.Fatalf("NewProperty(%s) error = %v", name, err)
	}
	return p
}

func mustManifestGroup(t *testing.T, name string, members ...Member[ManifestProperty]) *ManifestGroup {
	t.Helper()
	g, err := NewPropertyGroup(name, members...)
	if err != nil {
		t.Fatalf("NewPropertyGroup(%s) error = %v", name, err)
	}
	return g
}

// newTestManifest builds an IM4M for chip/board signing digests, keyed by image fourcc
func newTestManifest(t *testing.T, chip, board uint64, digests map[string][]byte) *IM4M {
	t.Helper()

	manp := mustManifestGroup(t, manpMagic,
		mustManifestProp(t, PropChipID, UintValue(chip)),
		mustManifestProp(t, PropBoardID, UintValue(board)),
		mustManifestProp(t, PropECID, UintValue(testECID)),
		mustManifestProp(t, PropAPNonce, BytesValue(testAPNonce)),
		mustManifestProp(t, PropSEPNonce, BytesValue(testSEPNonce)),
		mustManifestProp(t, PropProductionMode, BoolValue(true)),
		mustManifestProp(t, PropSecurityMode, BoolValue(true)),
		mustManifestProp(t, PropSecurityDomain, IntValue(1)),
		mustManifestProp(t, "love", BytesValue([]byte("25.1.279.5.13,0"))),
	)

	var images []*ManifestGroup
	for _, name := range []string{"krnl", "dtre", "ibot"} {
		digest, ok := digests[name]
		if !ok {
			continue
		}
		images = append(images, mustManifestGroup(t, name,
			mustManifestProp(t, PropDigest, BytesValue(digest)),
			mustManifestProp(t, "EPRO", BoolValue(true)),
			mustManifestProp(t, "ESEC", BoolValue(true)),
		))
	}

	m, err := NewIM4M(manp, images, generateTestData(256), []byte{0x02, 0x01, 0x01})
	if err != nil {
		t.Fatalf("NewIM4M() error = %v", err)
	}
	return m
}

func newTestIM4P(t *testing.T, fourcc string, data []byte) *IM4P {
	t.Helper()
	payload, err := NewIM4PData(data)
	if err != nil {
		t.Fatalf("NewIM4PData() error = %v", err)
	}
	p, err := NewIM4P(fourcc, "KernelCacheBuilder_release-2238.10.3", payload)
	if err != nil {
		t.Fatalf("NewIM4P() error = %v", err)
	}
	return p
}
