package img4

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/img4/internal/der"
)

func TestIMG4Compose(t *testing.T) {
	p := newTestIM4P(t, IM4P_KERNELCACHE, generateTestData(0x800))
	m := newTestManifest(t, testChipID, testBoardID, testDigests)

	tests := []struct {
		name string
		img  *IMG4
	}{
		{"payload with manifest", p.WithManifest(m)},
		{"manifest with payload", m.WithPayload(p)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.img.Output()
			if err != nil {
				t.Fatalf("Output() error = %v", err)
			}
			got, err := ParseIMG4(data)
			if err != nil {
				t.Fatalf("ParseIMG4() error = %v", err)
			}
			if got.IM4R != nil {
				t.Error("IM4R should be absent")
			}
			if !got.IM4P.Equal(p) {
				t.Error("decoded IM4P differs from original")
			}
			if !got.IM4M.Equal(m) {
				t.Error("decoded IM4M differs from original")
			}
			if !got.Equal(tt.img) {
				t.Error("decoded IMG4 differs from original")
			}
		})
	}
}

func TestIMG4WithRestoreInfo(t *testing.T) {
	r, err := NewIM4RWithBootNonce(generateTestData(8))
	if err != nil {
		t.Fatalf("NewIM4RWithBootNonce() error = %v", err)
	}
	img := NewIMG4(newTestIM4P(t, IM4P_IBOOT, generateTestData(0x40)), newTestManifest(t, testChipID, testBoardID, testDigests), r)

	data, err := img.Output()
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	got, err := ParseIMG4(data)
	if err != nil {
		t.Fatalf("ParseIMG4() error = %v", err)
	}
	if got.IM4R == nil || !got.IM4R.Equal(r) {
		t.Fatal("decoded IM4R differs from original")
	}
	again, err := got.Output()
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("re-encoded IMG4 differs from original")
	}
	if _, err := json.Marshal(got); err != nil {
		t.Errorf("json.Marshal() error = %v", err)
	}
}

func TestIMG4Errors(t *testing.T) {
	p := newTestIM4P(t, IM4P_KERNELCACHE, generateTestData(0x10))
	if _, err := NewIMG4(p, nil, nil).Output(); !errors.Is(err, ErrState) {
		t.Errorf("Output(no manifest) error = %v, want ErrState", err)
	}

	e := der.NewEncoder()
	e.Enter(der.Sequence)
	e.WriteString("IMG4")
	if err := p.encode(e); err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	e.Leave()
	noManifest, err := e.Bytes()
	if err != nil {
		t.Fatalf("failed to build fixture: %v", err)
	}
	var se *StructuralError
	if _, err := ParseIMG4(noManifest); !errors.As(err, &se) {
		t.Errorf("ParseIMG4(no manifest) error = %v, want *StructuralError", err)
	}
}

func TestDetect(t *testing.T) {
	p := newTestIM4P(t, IM4P_DEVICE_TREE, generateTestData(0x20))
	m := newTestManifest(t, testChipID, testBoardID, testDigests)
	r, _ := NewIM4RWithBootNonce(generateTestData(8))

	outputs := map[Type]Object{
		TypeIM4P: p,
		TypeIM4M: m,
		TypeIM4R: r,
		TypeIMG4: p.WithManifest(m),
	}
	for want, obj := range outputs {
		t.Run(want.String(), func(t *testing.T) {
			data, err := obj.Output()
			if err != nil {
				t.Fatalf("Output() error = %v", err)
			}
			typ, err := Detect(data)
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if typ != want {
				t.Errorf("Detect() = %s, want %s", typ, want)
			}
			got, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got.Type() != want {
				t.Errorf("Parse().Type() = %s, want %s", got.Type(), want)
			}
		})
	}

	if _, err := Detect([]byte{0x30, 0x06, 0x16, 0x04, 'I', 'M', '4', 'X'}); !errors.Is(err, ErrData) {
		t.Errorf("Detect(unknown) error = %v, want ErrData", err)
	}
	if obj, err := Parse([]byte("not der")); err == nil || obj != nil {
		t.Errorf("Parse(garbage) = %v, %v", obj, err)
	}
}

func TestOpen(t *testing.T) {
	data, err := newTestIM4P(t, IM4P_KERNELCACHE, generateTestData(0x20)).Output()
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "kernelcache.im4p")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	obj, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := obj.(*IM4P); !ok {
		t.Errorf("Open() returned %T, want *IM4P", obj)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Open(missing) expected error")
	}
}
