package img4

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/blacktop/img4/internal/der"
)

const (
	KeybagIVSize  = 16
	KeybagKeySize = 32
)

// KeybagType is the key hierarchy a keybag was wrapped for
type KeybagType int

const (
	PRODUCTION  KeybagType = 1
	DEVELOPMENT KeybagType = 2
)

func (t KeybagType) String() string {
	switch t {
	case PRODUCTION:
		return "PRODUCTION"
	case DEVELOPMENT:
		return "DEVELOPMENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

func (t KeybagType) Short() string {
	switch t {
	case PRODUCTION:
		return "prod"
	case DEVELOPMENT:
		return "dev"
	default:
		return "unknown"
	}
}

// Keybag is an AES IV and key pair used to decrypt an IM4P payload
type Keybag struct {
	Type KeybagType
	IV   []byte
	Key  []byte
}

// NewKeybag returns a keybag after checking the IV and key lengths.
func NewKeybag(iv, key []byte, typ KeybagType) (*Keybag, error) {
	kb := &Keybag{Type: typ, IV: iv, Key: key}
	if err := kb.Validate(); err != nil {
		return nil, err
	}
	return kb, nil
}

// Validate checks the IV is 16 bytes and the key is 32 bytes.
func (k Keybag) Validate() error {
	if len(k.IV) != KeybagIVSize {
		return cipherErrorf("keybag IV must be %d bytes, got %d", KeybagIVSize, len(k.IV))
	}
	if len(k.Key) != KeybagKeySize {
		return cipherErrorf("keybag key must be %d bytes, got %d", KeybagKeySize, len(k.Key))
	}
	return nil
}

func (k Keybag) String() string {
	return fmt.Sprintf(
		"-\n"+
			"  type: %s\n"+
			"    iv: %x\n"+
			"   key: %x",
		k.Type.String(),
		k.IV,
		k.Key)
}

func (k Keybag) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Type string `json:"type,omitempty"`
		IV   string `json:"iv,omitempty"`
		Key  string `json:"key,omitempty"`
	}{
		Type: k.Type.Short(),
		IV:   hex.EncodeToString(k.IV),
		Key:  hex.EncodeToString(k.Key),
	})
}

// parseKeybags decodes a KBAG blob: SEQUENCE{ SEQUENCE{ INTEGER type, OCTET iv, OCTET key }... }
func parseKeybags(data []byte) ([]Keybag, error) {
	const op = "keybag"

	d := der.NewDecoder(data)
	if err := d.Enter(der.Sequence); err != nil {
		return nil, decodeError(op, err)
	}

	var kbags []Keybag
	for !d.EOF() {
		if err := d.Enter(der.Sequence); err != nil {
			return nil, decodeError(op, err)
		}
		typ, err := d.ReadInt()
		if err != nil {
			return nil, decodeError(op+" type", err)
		}
		iv, err := d.ReadBytes()
		if err != nil {
			return nil, decodeError(op+" iv", err)
		}
		key, err := d.ReadBytes()
		if err != nil {
			return nil, decodeError(op+" key", err)
		}
		if err := d.Leave(); err != nil {
			return nil, decodeError(op, err)
		}

		kb := Keybag{Type: KeybagType(typ), IV: iv, Key: key}
		if kb.Type != PRODUCTION && kb.Type != DEVELOPMENT {
			return nil, dataErrorf("unknown keybag type %d", typ)
		}
		if err := kb.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrData, err)
		}
		for _, other := range kbags {
			if other.Type == kb.Type {
				return nil, dataErrorf("duplicate %s keybag", kb.Type)
			}
		}
		kbags = append(kbags, kb)
	}

	if err := d.Leave(); err != nil {
		return nil, decodeError(op, err)
	}
	if !d.EOF() {
		return nil, dataErrorf("trailing data after keybags")
	}

	return kbags, nil
}

// marshalKeybags encodes keybags as a KBAG blob
func marshalKeybags(kbags []Keybag) ([]byte, error) {
	e := der.NewEncoder()
	e.Enter(der.Sequence)
	for _, kb := range kbags {
		e.Enter(der.Sequence)
		if err := e.WriteInt(int64(kb.Type)); err != nil {
			return nil, err
		}
		if err := e.WriteBytes(kb.IV); err != nil {
			return nil, err
		}
		if err := e.WriteBytes(kb.Key); err != nil {
			return nil, err
		}
		if err := e.Leave(); err != nil {
			return nil, err
		}
	}
	if err := e.Leave(); err != nil {
		return nil, err
	}
	return e.Bytes()
}
