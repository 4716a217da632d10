package img4

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/img4/pkg/plist"
	"github.com/spf13/cast"
)

// Verdict is the result of checking an IM4M against a BuildManifest
type Verdict struct {
	Matched         bool   `json:"matched"`
	Index           int    `json:"index"` // index of the matching build identity
	DeviceClass     string `json:"device_class,omitempty"`
	BuildNumber     string `json:"build_number,omitempty"`
	RestoreBehavior string `json:"restore_behavior,omitempty"`
	Variant         string `json:"variant,omitempty"`
	// Rejections lists, per rejected identity index, the components whose
	// digest was missing from the manifest
	Rejections map[int][]string `json:"rejections,omitempty"`
}

// ManifestVerifier matches APTickets against the build identities of a
// BuildManifest
type ManifestVerifier struct {
	bm *plist.BuildManifest
}

// NewManifestVerifier returns a verifier for bm.
func NewManifestVerifier(bm *plist.BuildManifest) *ManifestVerifier {
	return &ManifestVerifier{bm: bm}
}

// Verify finds the first build identity for m's chip and board whose every
// component digest is present in m. Not finding one is not an error.
func (v *ManifestVerifier) Verify(m *IM4M) (*Verdict, error) {
	if m == nil {
		return nil, stateErrorf("no manifest to verify")
	}
	chipID, ok := m.ChipID()
	if !ok {
		return nil, dataErrorf("manifest has no %s", PropChipID)
	}
	boardID, ok := m.BoardID()
	if !ok {
		return nil, dataErrorf("manifest has no %s", PropBoardID)
	}

	verdict := &Verdict{Index: -1, Rejections: make(map[int][]string)}
	if v.bm == nil {
		return verdict, nil
	}

	for idx, identity := range v.bm.BuildIdentities {
		idChip, err := cast.ToUint64E(identity.ApChipID)
		if err != nil {
			log.Debugf("Skipping build identity %d: bad ApChipID %q: %v", idx, identity.ApChipID, err)
			continue
		}
		idBoard, err := cast.ToUint64E(identity.ApBoardID)
		if err != nil {
			log.Debugf("Skipping build identity %d: bad ApBoardID %q: %v", idx, identity.ApBoardID, err)
			continue
		}
		if idChip != chipID || idBoard != boardID {
			log.Debugf("Skipping build identity %d (%s)", idx, identity.Info.DeviceClass)
			continue
		}

		var missing []string
		for _, name := range identity.Components() {
			digest := identity.Manifest[name].Digest
			if len(digest) == 0 {
				log.Debugf("Component %s has no digest, skipping", name)
				continue
			}
			if !m.HasDigest(digest) {
				log.Debugf("No digest found for component %s in manifest", name)
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			verdict.Rejections[idx] = missing
			continue
		}

		verdict.Matched = true
		verdict.Index = idx
		verdict.DeviceClass = identity.Info.DeviceClass
		verdict.BuildNumber = identity.Info.BuildNumber
		verdict.RestoreBehavior = identity.Info.RestoreBehavior
		verdict.Variant = identity.Info.Variant
		return verdict, nil
	}

	return verdict, nil
}

// SoCName returns the processor name for an ApChipID, e.g. T8101.
func SoCName(chipID uint64) string {
	switch {
	case chipID >= 0x8720 && chipID <= 0x8960:
		return fmt.Sprintf("S5L%02x", chipID)
	case chipID >= 0x7002 && chipID <= 0x8002:
		return fmt.Sprintf("S%02x", chipID)
	default:
		return fmt.Sprintf("T%02x", chipID)
	}
}
