package img4

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blacktop/img4/pkg/img4"
	"github.com/blacktop/img4/pkg/shsh"
	lzfse "github.com/blacktop/lzfse-cgo"
)

const (
	testIV  = "000102030405060708090a0b0c0d0e0f"
	testKey = "101112131415161718191a1b1c1d1e1f202122232425262728292a2b2c2d2e2f"
)

func TestParseKeybag(t *testing.T) {
	tests := []struct {
		name    string
		ivKey   string
		iv      string
		key     string
		wantNil bool
		wantErr bool
	}{
		{name: "none", wantNil: true},
		{name: "iv and key", iv: testIV, key: testKey},
		{name: "iv-key", ivKey: testIV + testKey},
		{name: "0x prefixed", iv: "0x" + testIV, key: "0x" + testKey},
		{name: "only iv", iv: testIV, wantErr: true},
		{name: "only key", key: testKey, wantErr: true},
		{name: "both forms", ivKey: testIV + testKey, iv: testIV, wantErr: true},
		{name: "short iv-key", ivKey: testIV, wantErr: true},
		{name: "short key", iv: testIV, key: testIV, wantErr: true},
		{name: "bad hex", iv: "zz", key: testKey, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kb, err := ParseKeybag(tt.ivKey, tt.iv, tt.key, img4.PRODUCTION)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKeybag() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (kb == nil) != tt.wantNil {
				t.Fatalf("ParseKeybag() = %v, wantNil %v", kb, tt.wantNil)
			}
			if kb != nil && (len(kb.IV) != img4.KeybagIVSize || len(kb.Key) != img4.KeybagKeySize || kb.Type != img4.PRODUCTION) {
				t.Errorf("ParseKeybag() = %+v", kb)
			}
		})
	}
}

func TestCreateAndExtractPayload(t *testing.T) {
	data := bytes.Repeat([]byte("kernelcache "), 0x100)
	extra := []byte("extra data")

	tests := []struct {
		name        string
		compression string
		extra       []byte
	}{
		{"none", "none", nil},
		{"lzss", "lzss", nil},
		{"lzss with extra", "lzss", extra},
		{"lzfse", "lzfse", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CreatePayload(&CreatePayloadConfig{
				Type:        "krnl",
				Description: "KernelCache",
				Data:        data,
				ExtraData:   tt.extra,
				Compression: tt.compression,
			})
			if err != nil {
				t.Fatalf("CreatePayload() error = %v", err)
			}
			if p.FourCC() != "krnl" || p.Description() != "KernelCache" {
				t.Errorf("CreatePayload() = %s/%s", p.FourCC(), p.Description())
			}

			got, gotExtra, err := ExtractPayload(p, nil, false)
			if err != nil {
				t.Fatalf("ExtractPayload() error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("ExtractPayload() returned different data")
			}
			if !bytes.Equal(gotExtra, tt.extra) {
				t.Errorf("ExtractPayload() extra = %q, want %q", gotExtra, tt.extra)
			}

			raw, _, err := ExtractPayload(p, nil, true)
			if err != nil {
				t.Fatalf("ExtractPayload(raw) error = %v", err)
			}
			if !bytes.Equal(raw, p.Payload.Bytes()) {
				t.Error("ExtractPayload(raw) should return the stored bytes")
			}
		})
	}

	if _, err := CreatePayload(&CreatePayloadConfig{Type: "krnl", Data: data, ExtraData: extra, Compression: "lzfse"}); err == nil {
		t.Error("CreatePayload(lzfse + extra) expected error")
	}
	if _, err := CreatePayload(&CreatePayloadConfig{Type: "krnl", Data: data, Compression: "zstd"}); err == nil {
		t.Error("CreatePayload(zstd) expected error")
	}
	if _, err := CreatePayload(&CreatePayloadConfig{Type: "kernel", Data: data}); err == nil {
		t.Error("CreatePayload(bad fourcc) expected error")
	}
}

func TestCreatePayloadFromLZFSE(t *testing.T) {
	data := bytes.Repeat([]byte("devicetree "), 0x100)

	p, err := CreatePayload(&CreatePayloadConfig{
		Type:        "dtre",
		Data:        lzfse.EncodeBuffer(data),
		Compression: "none",
	})
	if err != nil {
		t.Fatalf("CreatePayload() error = %v", err)
	}
	out, err := p.Output()
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	got, err := img4.ParseIM4P(out)
	if err != nil {
		t.Fatalf("ParseIM4P() error = %v", err)
	}
	if c := got.Payload.Compression(); c != img4.CompressionLZFSE {
		t.Fatalf("Compression() = %s, want LZFSE", c)
	}
	if size, err := got.Payload.LZFSEPayloadSize(); err != nil || size != len(data) {
		t.Errorf("LZFSEPayloadSize() = %#x, %v, want %#x", size, err, len(data))
	}

	plain, _, err := ExtractPayload(got, nil, false)
	if err != nil {
		t.Fatalf("ExtractPayload() error = %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Error("ExtractPayload() returned different data")
	}
}

func TestExtractEncryptedPayload(t *testing.T) {
	kb, err := ParseKeybag(testIV+testKey, "", "", img4.PRODUCTION)
	if err != nil {
		t.Fatalf("ParseKeybag() error = %v", err)
	}

	plain := bytes.Repeat([]byte{0x41}, 4*aes.BlockSize)
	block, err := aes.NewCipher(kb.Key)
	if err != nil {
		t.Fatalf("aes.NewCipher() error = %v", err)
	}
	enc := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, kb.IV).CryptBlocks(enc, plain)

	payload, err := img4.NewIM4PData(enc, *kb)
	if err != nil {
		t.Fatalf("NewIM4PData() error = %v", err)
	}
	p, err := img4.NewIM4P("ibot", "iBoot-8419.0.42", payload)
	if err != nil {
		t.Fatalf("NewIM4P() error = %v", err)
	}

	got, _, err := ExtractPayload(p, kb, false)
	if err != nil {
		t.Fatalf("ExtractPayload() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("ExtractPayload() did not decrypt the payload")
	}
	if !p.Payload.Encrypted() {
		t.Error("ExtractPayload() modified the IM4P")
	}

	still, _, err := ExtractPayload(p, nil, false)
	if err != nil {
		t.Fatalf("ExtractPayload(no key) error = %v", err)
	}
	if !bytes.Equal(still, enc) {
		t.Error("ExtractPayload(no key) should return the ciphertext")
	}

	plainIM4P, _ := img4.NewIM4P("ibot", "", nil)
	if _, _, err := ExtractPayload(plainIM4P, kb, false); err == nil {
		t.Error("ExtractPayload(unencrypted, key) expected error")
	}
}

func TestParseGenerator(t *testing.T) {
	nonce, err := ParseGenerator("0xbd34a880be0b53f3")
	if err != nil {
		t.Fatalf("ParseGenerator() error = %v", err)
	}
	if want := []byte{0xbd, 0x34, 0xa8, 0x80, 0xbe, 0x0b, 0x53, 0xf3}; !bytes.Equal(nonce, want) {
		t.Errorf("ParseGenerator() = %x, want %x", nonce, want)
	}
	if _, err := ParseGenerator("not a number"); err == nil {
		t.Error("ParseGenerator(garbage) expected error")
	}

	r, err := CreateRestoreInfo("0x1111111111111111")
	if err != nil {
		t.Fatalf("CreateRestoreInfo() error = %v", err)
	}
	if got, ok := r.BootNonce(); !ok || !bytes.Equal(got, bytes.Repeat([]byte{0x11}, 8)) {
		t.Errorf("BootNonce() = %x, %t", got, ok)
	}
}

func testIMG4(t *testing.T) *img4.IMG4 {
	t.Helper()

	chip, _ := img4.NewProperty[img4.ManifestProperty]("CHIP", img4.UintValue(0x8101))
	ecid, _ := img4.NewProperty[img4.ManifestProperty]("ECID", img4.UintValue(0x1a2b3c))
	manp, err := img4.NewPropertyGroup[img4.ManifestProperty]("MANP", chip, ecid)
	if err != nil {
		t.Fatalf("NewPropertyGroup() error = %v", err)
	}
	dgst, _ := img4.NewProperty[img4.ManifestProperty]("DGST", img4.BytesValue(bytes.Repeat([]byte{7}, 48)))
	krnl, err := img4.NewPropertyGroup[img4.ManifestProperty]("krnl", dgst)
	if err != nil {
		t.Fatalf("NewPropertyGroup() error = %v", err)
	}
	m, err := img4.NewIM4M(manp, []*img4.ManifestGroup{krnl}, []byte{0}, nil)
	if err != nil {
		t.Fatalf("NewIM4M() error = %v", err)
	}
	r, err := CreateRestoreInfo("0xbd34a880be0b53f3")
	if err != nil {
		t.Fatalf("CreateRestoreInfo() error = %v", err)
	}
	p, err := CreatePayload(&CreatePayloadConfig{Type: "krnl", Data: []byte("payload"), Compression: "none"})
	if err != nil {
		t.Fatalf("CreatePayload() error = %v", err)
	}
	return img4.NewIMG4(p, m, r)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestOpenComponents(t *testing.T) {
	i := testIMG4(t)
	data, err := i.Output()
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	path := writeFile(t, "kernel.img4", data)

	p, err := OpenPayload(path)
	if err != nil {
		t.Fatalf("OpenPayload() error = %v", err)
	}
	if !p.Equal(i.IM4P) {
		t.Error("OpenPayload() returned a different IM4P")
	}
	m, err := OpenManifest(path)
	if err != nil {
		t.Fatalf("OpenManifest() error = %v", err)
	}
	if !m.Equal(i.IM4M) {
		t.Error("OpenManifest() returned a different IM4M")
	}
	r, err := OpenRestoreInfo(path)
	if err != nil {
		t.Fatalf("OpenRestoreInfo() error = %v", err)
	}
	if !r.Equal(i.IM4R) {
		t.Error("OpenRestoreInfo() returned a different IM4R")
	}

	blob, err := shsh.FromIMG4(i)
	if err != nil {
		t.Fatalf("FromIMG4() error = %v", err)
	}
	plistData, err := blob.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	m, err = OpenManifest(writeFile(t, "ticket.shsh", plistData))
	if err != nil {
		t.Fatalf("OpenManifest(shsh) error = %v", err)
	}
	if !m.Equal(i.IM4M) {
		t.Error("OpenManifest(shsh) returned a different IM4M")
	}

	imp, _ := i.IM4P.Output()
	if _, err := OpenManifest(writeFile(t, "kernel.im4p", imp)); err == nil {
		t.Error("OpenManifest(im4p) expected error")
	}
	if _, err := OpenRestoreInfo(writeFile(t, "kernel.im4p", imp)); err == nil {
		t.Error("OpenRestoreInfo(im4p) expected error")
	}
}

func TestDumpSHSH(t *testing.T) {
	data, err := testIMG4(t).Output()
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	out := t.TempDir()

	fname, err := DumpSHSH(writeFile(t, "apticket.der", data), out)
	if err != nil {
		t.Fatalf("DumpSHSH() error = %v", err)
	}
	if filepath.Base(fname) != "1715004.dumped.shsh" {
		t.Errorf("DumpSHSH() = %s", fname)
	}
	dat, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("failed to read %s: %v", fname, err)
	}
	blob, err := shsh.Parse(dat)
	if err != nil {
		t.Fatalf("shsh.Parse() error = %v", err)
	}
	if !strings.EqualFold(blob.Generator, "0xbd34a880be0b53f3") {
		t.Errorf("Generator = %s", blob.Generator)
	}
}
