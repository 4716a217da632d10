package img4

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewKeybag(t *testing.T) {
	tests := []struct {
		name    string
		ivLen   int
		keyLen  int
		wantErr bool
	}{
		{"valid", 16, 32, false},
		{"short iv", 8, 32, true},
		{"iv one short", 15, 32, true},
		{"iv one long", 17, 32, true},
		{"aes128 key", 16, 16, true},
		{"key one short", 16, 31, true},
		{"key one long", 16, 33, true},
		{"long key", 16, 48, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kb, err := NewKeybag(generateTestData(tt.ivLen), generateTestData(tt.keyLen), PRODUCTION)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewKeybag() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrCipher) {
					t.Errorf("NewKeybag() error = %v, want ErrCipher", err)
				}
				return
			}
			if kb.Type != PRODUCTION {
				t.Errorf("Type = %s, want PRODUCTION", kb.Type)
			}
		})
	}
}

func TestKeybagsRoundtrip(t *testing.T) {
	kbags := []Keybag{testKeybag(PRODUCTION), testKeybag(DEVELOPMENT)}

	blob, err := marshalKeybags(kbags)
	if err != nil {
		t.Fatalf("marshalKeybags() error = %v", err)
	}
	got, err := parseKeybags(blob)
	if err != nil {
		t.Fatalf("parseKeybags() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d keybags, want 2", len(got))
	}
	for i := range kbags {
		if got[i].Type != kbags[i].Type || !bytes.Equal(got[i].IV, kbags[i].IV) || !bytes.Equal(got[i].Key, kbags[i].Key) {
			t.Errorf("keybag %d = %v, want %v", i, got[i], kbags[i])
		}
	}
}

func TestParseKeybagsErrors(t *testing.T) {
	dup, err := marshalKeybags([]Keybag{testKeybag(PRODUCTION), testKeybag(PRODUCTION)})
	if err != nil {
		t.Fatalf("marshalKeybags() error = %v", err)
	}
	if _, err := parseKeybags(dup); !errors.Is(err, ErrData) {
		t.Errorf("parseKeybags(duplicate) error = %v, want ErrData", err)
	}

	unknown, err := marshalKeybags([]Keybag{{Type: 7, IV: generateTestData(16), Key: generateTestData(32)}})
	if err != nil {
		t.Fatalf("marshalKeybags() error = %v", err)
	}
	if _, err := parseKeybags(unknown); !errors.Is(err, ErrData) {
		t.Errorf("parseKeybags(unknown type) error = %v, want ErrData", err)
	}

	short, err := marshalKeybags([]Keybag{{Type: PRODUCTION, IV: generateTestData(16), Key: generateTestData(16)}})
	if err != nil {
		t.Fatalf("marshalKeybags() error = %v", err)
	}
	if _, err := parseKeybags(short); !errors.Is(err, ErrData) {
		t.Errorf("parseKeybags(short key) error = %v, want ErrData", err)
	}
}

func TestKeybagOutput(t *testing.T) {
	kb := testKeybag(DEVELOPMENT)
	if !strings.Contains(kb.String(), "DEVELOPMENT") {
		t.Errorf("String() = %q, missing type", kb.String())
	}
	data, err := json.Marshal(kb)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"type":"dev"`) {
		t.Errorf("json = %s, missing short type", data)
	}
}
