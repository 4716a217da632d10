package img4

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/img4/internal/utils"
	"github.com/blacktop/img4/pkg/img4"
	"github.com/blacktop/img4/pkg/plist"
	"github.com/blacktop/img4/pkg/shsh"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// ParseKeybag builds a keybag from the --iv-key or --iv/--key flag values.
// It returns nil when no key material was given.
func ParseKeybag(ivKey, iv, key string, typ img4.KeybagType) (*img4.Keybag, error) {
	switch {
	case len(ivKey) == 0 && len(iv) == 0 && len(key) == 0:
		return nil, nil
	case len(ivKey) > 0 && (len(iv) > 0 || len(key) > 0):
		return nil, fmt.Errorf("cannot specify both --iv-key AND --iv/--key")
	case len(ivKey) > 0:
		raw, err := hex.DecodeString(strings.TrimPrefix(ivKey, "0x"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode --iv-key")
		}
		if len(raw) != img4.KeybagIVSize+img4.KeybagKeySize {
			return nil, fmt.Errorf("--iv-key must be %d hex characters, got %d", 2*(img4.KeybagIVSize+img4.KeybagKeySize), len(ivKey))
		}
		return img4.NewKeybag(raw[:img4.KeybagIVSize], raw[img4.KeybagIVSize:], typ)
	case len(iv) == 0 || len(key) == 0:
		return nil, fmt.Errorf("must specify either --iv-key OR --iv AND --key")
	}

	ivBytes, err := hex.DecodeString(strings.TrimPrefix(iv, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode --iv")
	}
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(key, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode --key")
	}
	return img4.NewKeybag(ivBytes, keyBytes, typ)
}

// ExtractPayload returns the payload of p decrypted with kb (if given) and
// decompressed unless raw is set, along with any trailing extra data.
// p itself is left untouched.
func ExtractPayload(p *img4.IM4P, kb *img4.Keybag, raw bool) (data, extra []byte, err error) {
	payload := p.Payload.Clone()

	if kb != nil {
		if !payload.Encrypted() {
			return nil, nil, fmt.Errorf("cannot decrypt unencrypted IM4P")
		}
		if err := payload.Decrypt(*kb); err != nil {
			return nil, nil, errors.Wrap(err, "failed to decrypt payload")
		}
		log.Debugf("decrypted %s payload with %s keybag", p.FourCC(), kb.Type)
	} else if payload.Encrypted() && !raw {
		utils.Indent(log.Warn, 2)("extracting encrypted IM4P payload")
		return payload.Bytes(), nil, nil
	}

	if !raw {
		switch payload.Compression() {
		case img4.CompressionLZSS, img4.CompressionLZFSE:
			if err := payload.Decompress(); err != nil {
				return nil, nil, errors.Wrapf(err, "failed to decompress %s payload", p.FourCC())
			}
		}
	}

	return payload.Bytes(), payload.Extra(), nil
}

// CreatePayloadConfig describes an IM4P to build
type CreatePayloadConfig struct {
	Type        string
	Description string
	Data        []byte
	ExtraData   []byte
	Compression string
	Keybags     []img4.Keybag
}

// CreatePayload builds an IM4P from conf, compressing the data if asked to.
func CreatePayload(conf *CreatePayloadConfig) (*img4.IM4P, error) {
	if len(conf.ExtraData) > 0 && !strings.EqualFold(conf.Compression, "lzss") {
		return nil, fmt.Errorf("--extra requires --compress 'lzss' to detect --extra data boundaries during extraction")
	}

	payload, err := img4.NewIM4PData(bytes.Clone(conf.Data), conf.Keybags...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create payload")
	}
	if len(conf.ExtraData) > 0 {
		if err := payload.SetExtra(conf.ExtraData); err != nil {
			return nil, errors.Wrap(err, "failed to set extra data")
		}
	}

	if len(conf.Compression) > 0 && !strings.EqualFold(conf.Compression, "none") {
		kind, err := img4.ParseCompression(conf.Compression)
		if err != nil {
			return nil, err
		}
		if err := payload.Compress(kind); err != nil {
			return nil, errors.Wrapf(err, "failed to %s compress payload", conf.Compression)
		}
	}

	return img4.NewIM4P(conf.Type, conf.Description, payload)
}

// OpenPayload reads an IM4P, or the IM4P inside an IMG4, from path.
func OpenPayload(path string) (*img4.IM4P, error) {
	obj, err := img4.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	switch o := obj.(type) {
	case *img4.IM4P:
		return o, nil
	case *img4.IMG4:
		if o.IM4P == nil {
			return nil, fmt.Errorf("IMG4 %s has no payload", path)
		}
		return o.IM4P, nil
	default:
		return nil, fmt.Errorf("%s is an %s, not an IM4P", path, obj.Type())
	}
}

// OpenManifest reads an IM4M from path. The file may be a bare IM4M, an
// IMG4 or an SHSH blob.
func OpenManifest(path string) (*img4.IM4M, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	obj, err := img4.Parse(data)
	if err != nil {
		blob, perr := shsh.Parse(data)
		if perr != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
		log.Debugf("reading manifest from SHSH blob %s", path)
		return blob.Manifest()
	}

	switch o := obj.(type) {
	case *img4.IM4M:
		return o, nil
	case *img4.IMG4:
		return o.IM4M, nil
	default:
		return nil, fmt.Errorf("%s is an %s, not an IM4M", path, obj.Type())
	}
}

// OpenRestoreInfo reads an IM4R, or the IM4R inside an IMG4, from path.
func OpenRestoreInfo(path string) (*img4.IM4R, error) {
	obj, err := img4.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	switch o := obj.(type) {
	case *img4.IM4R:
		return o, nil
	case *img4.IMG4:
		if o.IM4R == nil {
			return nil, fmt.Errorf("IMG4 %s has no restore info", path)
		}
		return o.IM4R, nil
	default:
		return nil, fmt.Errorf("%s is an %s, not an IM4R", path, obj.Type())
	}
}

// OpenBuildManifest reads a BuildManifest.plist.
func OpenBuildManifest(path string) (*plist.BuildManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return plist.ParseBuildManifest(data)
}

// ParseGenerator converts a generator such as 0xbd34a880be0b53f3 into the
// 8 byte boot nonce it stands for.
func ParseGenerator(generator string) ([]byte, error) {
	gen, err := cast.ToUint64E(generator)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid generator %q", generator)
	}
	nonce := make([]byte, img4.BootNonceSize)
	binary.BigEndian.PutUint64(nonce, gen)
	return nonce, nil
}

// CreateRestoreInfo builds an IM4R holding the boot nonce for generator.
func CreateRestoreInfo(generator string) (*img4.IM4R, error) {
	nonce, err := ParseGenerator(generator)
	if err != nil {
		return nil, err
	}
	return img4.NewIM4RWithBootNonce(nonce)
}

// DumpSHSH converts a raw IMG4 dump at path into an SHSH blob written to
// folder as <ECID>.dumped.shsh and returns the blob's path.
func DumpSHSH(path, folder string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	blob, err := shsh.ParseRAW(f)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse raw IMG4")
	}
	m, err := blob.Manifest()
	if err != nil {
		return "", errors.Wrap(err, "failed to parse APTicket")
	}
	ecid, ok := m.ECID()
	if !ok {
		return "", fmt.Errorf("APTicket has no ECID")
	}

	data, err := blob.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal SHSH blob")
	}

	fname := filepath.Join(folder, fmt.Sprintf("%d.dumped.shsh", ecid))
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return "", errors.Wrapf(err, "failed to create folder %s", folder)
	}
	utils.Indent(log.Info, 2)(fmt.Sprintf("Writing SHSH blob to %s", fname))
	if err := os.WriteFile(fname, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", fname)
	}
	return fname, nil
}
