package img4

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/img4/pkg/plist"
)

type im4pKBag struct {
	Name    string   `json:"name,omitempty"`
	Keybags []Keybag `json:"kbags,omitempty"`
}

// KeyBags are the keybags of every encrypted IM4P in an IPSW
type KeyBags struct {
	Version string
	Build   string
	Devices []string
	Files   []im4pKBag
}

func (kbs KeyBags) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Version string     `json:"version,omitempty"`
		Build   string     `json:"build,omitempty"`
		Devices []string   `json:"devices,omitempty"`
		Files   []im4pKBag `json:"files,omitempty"`
	}{
		Version: kbs.Version,
		Build:   kbs.Build,
		Devices: kbs.Devices,
		Files:   kbs.Files,
	})
}

func (kbs KeyBags) String() string {
	var sb strings.Builder
	if len(kbs.Version) > 0 {
		sb.WriteString(fmt.Sprintf("%s: %s (%s)\n", colorField("Version"), kbs.Version, kbs.Build))
	}
	if len(kbs.Devices) > 0 {
		sb.WriteString(fmt.Sprintf("%s: %s\n", colorField("Devices"), strings.Join(kbs.Devices, ", ")))
	}
	for _, f := range kbs.Files {
		sb.WriteString(fmt.Sprintf("%s\n", colorTitle(f.Name)))
		for _, kb := range f.Keybags {
			sb.WriteString(kb.String() + "\n")
		}
	}
	return sb.String()
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s within zip: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ParseZipKeyBags collects the keybags of the IM4Ps in an IPSW whose names
// match pattern (all .im4p files when empty).
func ParseZipKeyBags(files []*zip.File, pattern string) (*KeyBags, error) {
	rePattern := `.*im4p$`
	if len(pattern) > 0 {
		rePattern = pattern
	}
	re, err := regexp.Compile(rePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern %q: %w", pattern, err)
	}

	kbags := &KeyBags{}
	for _, f := range files {
		switch {
		case strings.HasSuffix(f.Name, "BuildManifest.plist") && !strings.Contains(f.Name, "Restore"):
			data, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			bm, err := plist.ParseBuildManifest(data)
			if err != nil {
				return nil, err
			}
			kbags.Version = bm.ProductVersion
			kbags.Build = bm.ProductBuildVersion
			kbags.Devices = bm.SupportedProductTypes
		case re.MatchString(f.Name):
			data, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			p, err := ParseIM4P(data)
			if err != nil {
				log.Errorf("failed to parse im4p %s: %v", f.Name, err)
				continue
			}
			if !p.Payload.Encrypted() { // kbags are optional
				continue
			}
			kbags.Files = append(kbags.Files, im4pKBag{
				Name:    filepath.Base(f.Name),
				Keybags: p.Payload.Keybags(),
			})
		}
	}

	return kbags, nil
}
