package plist

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/blacktop/go-plist"
	"github.com/go-viper/mapstructure/v2"
)

// BuildManifest is the BuildManifest.plist object found in IPSWs/OTAs
type BuildManifest struct {
	BuildIdentities       []BuildIdentity `plist:"BuildIdentities,omitempty" json:"build_identities,omitempty" mapstructure:"BuildIdentities,omitempty"`
	ManifestVersion       int             `plist:"ManifestVersion,omitempty" json:"manifest_version,omitempty" mapstructure:"ManifestVersion,omitempty"`
	ProductBuildVersion   string          `plist:"ProductBuildVersion,omitempty" json:"product_build_version,omitempty" mapstructure:"ProductBuildVersion,omitempty"`
	ProductVersion        string          `plist:"ProductVersion,omitempty" json:"product_version,omitempty" mapstructure:"ProductVersion,omitempty"`
	SupportedProductTypes []string        `plist:"SupportedProductTypes,omitempty" json:"supported_product_types,omitempty" mapstructure:"SupportedProductTypes,omitempty"`
}

func (b *BuildManifest) String() string {
	var out string
	out += "[BuildManifest]\n"
	out += "===============\n"
	out += fmt.Sprintf("  ManifestVersion:       %d\n", b.ManifestVersion)
	out += fmt.Sprintf("  ProductBuildVersion:   %s\n", b.ProductBuildVersion)
	out += fmt.Sprintf("  ProductVersion:        %s\n", b.ProductVersion)
	out += fmt.Sprintf("  SupportedProductTypes: %v\n", b.SupportedProductTypes)
	out += "  BuildIdentities:\n"
	for _, bID := range b.BuildIdentities {
		out += fmt.Sprintf("   -\n%s", bID.String())
	}
	return out
}

// BuildIdentity is one device/variant entry of a BuildManifest. Only the
// fields needed to match and verify an APTicket are modeled.
type BuildIdentity struct {
	ApBoardID        string                      `plist:"ApBoardID,omitempty" json:"ap_board_id,omitempty" mapstructure:"ApBoardID,omitempty"`
	ApChipID         string                      `plist:"ApChipID,omitempty" json:"ap_chip_id,omitempty" mapstructure:"ApChipID,omitempty"`
	ApSecurityDomain string                      `plist:"ApSecurityDomain,omitempty" json:"ap_security_domain,omitempty" mapstructure:"ApSecurityDomain,omitempty"`
	ApProductType    string                      `plist:"Ap,ProductType,omitempty" json:"ap_product_type,omitempty" mapstructure:"ApProductType,omitempty"`
	ApTarget         string                      `plist:"Ap,Target,omitempty" json:"ap_target,omitempty" mapstructure:"ApTarget,omitempty"`
	Info             IdentityInfo                `plist:"Info,omitempty" json:"info" mapstructure:"Info,omitempty"`
	Manifest         map[string]IdentityManifest `plist:"Manifest,omitempty" json:"manifest,omitempty" mapstructure:"Manifest,omitempty"`
}

func (i BuildIdentity) String() string {
	var out string
	if len(i.ApProductType) > 0 {
		out += fmt.Sprintf("    Ap,ProductType:          %s\n", i.ApProductType)
	}
	out += fmt.Sprintf("    ApBoardID:               %s\n", i.ApBoardID)
	out += fmt.Sprintf("    ApChipID:                %s\n", i.ApChipID)
	out += fmt.Sprintf("    ApSecurityDomain:        %s\n", i.ApSecurityDomain)
	out += fmt.Sprintf("    Info:\n%s", i.Info.String())
	out += "    Manifest:\n"
	for _, k := range i.Components() {
		if path := i.Manifest[k].Path(); len(path) > 0 {
			out += fmt.Sprintf("      %-34s%s\n", k+":", i.Manifest[k].String())
		}
	}
	return out
}

// Components returns the manifest component names in sorted order.
func (i BuildIdentity) Components() []string {
	names := make([]string, 0, len(i.Manifest))
	for name := range i.Manifest {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type IdentityInfo struct {
	BuildNumber     string `plist:"BuildNumber,omitempty" json:"build_number,omitempty" mapstructure:"BuildNumber,omitempty"`
	CodeName        string `plist:"BuildTrain,omitempty" json:"code_name,omitempty" mapstructure:"BuildTrain,omitempty"`
	DeviceClass     string `plist:"DeviceClass,omitempty" json:"device_class,omitempty" mapstructure:"DeviceClass,omitempty"`
	RestoreBehavior string `plist:"RestoreBehavior,omitempty" json:"restore_behavior,omitempty" mapstructure:"RestoreBehavior,omitempty"`
	Variant         string `plist:"Variant,omitempty" json:"variant,omitempty" mapstructure:"Variant,omitempty"`
}

func (i IdentityInfo) String() string {
	return fmt.Sprintf(
		"      BuildNumber:            %s\n"+
			"      CodeName:               %s\n"+
			"      DeviceClass:            %s\n"+
			"      RestoreBehavior:        %s\n"+
			"      Variant:                %s\n",
		i.BuildNumber,
		i.CodeName,
		i.DeviceClass,
		i.RestoreBehavior,
		i.Variant,
	)
}

type IdentityManifest struct {
	Digest      []byte         `plist:"Digest,omitempty" json:"digest,omitempty" mapstructure:"Digest,omitempty"`
	Name        *string        `plist:"Name,omitempty" json:"name,omitempty" mapstructure:"Name,omitempty"`
	BuildString *string        `plist:"BuildString,omitempty" json:"build_string,omitempty" mapstructure:"BuildString,omitempty"`
	Info        map[string]any `plist:"Info,omitempty" json:"info,omitempty" mapstructure:"Info,omitempty"`
	EPRO        *bool          `plist:"EPRO,omitempty" json:"epro,omitempty" mapstructure:"EPRO,omitempty"`
	ESEC        *bool          `plist:"ESEC,omitempty" json:"esec,omitempty" mapstructure:"ESEC,omitempty"`
	Trusted     *bool          `plist:"Trusted,omitempty" json:"trusted,omitempty" mapstructure:"Trusted,omitempty"`
}

// Path returns the component's path inside the IPSW, if any.
func (m IdentityManifest) Path() string {
	if path, ok := m.Info["Path"].(string); ok {
		return path
	}
	return ""
}

func (m IdentityManifest) String() string {
	var bs string
	if m.BuildString != nil && len(*m.BuildString) > 0 {
		bs = fmt.Sprintf(" (%s)", *m.BuildString)
	}
	return fmt.Sprintf("%s%s", m.Path(), bs)
}

// ParseBuildManifest parses the BuildManifest.plist
func ParseBuildManifest(data []byte) (*BuildManifest, error) {
	bm := &BuildManifest{}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(bm); err != nil {
		return nil, fmt.Errorf("failed to decode BuildManifest.plist: %w", err)
	}
	return bm, nil
}

// BuildManifestFromMap builds a BuildManifest from an already decoded
// property list, e.g. one produced by another plist or JSON decoder.
// Integer chip and board ids are accepted in place of their string form.
func BuildManifestFromMap(m map[string]any) (*BuildManifest, error) {
	bm := &BuildManifest{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.DecodeHookFuncType(identityKeysHook),
		WeaklyTypedInput: true,
		Result:           bm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create build manifest decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("failed to decode build manifest: %w", err)
	}
	return bm, nil
}

// identityKeysHook drops the comma from "Ap,ProductType" style keys, which
// mapstructure tags cannot express
func identityKeysHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(BuildIdentity{}) {
		return data, nil
	}
	m, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ReplaceAll(k, ",", "")] = v
	}
	return out, nil
}

func (b *BuildManifest) GetBuildIdentity(device string) (*BuildIdentity, error) {
	for _, bID := range b.BuildIdentities {
		if strings.EqualFold(bID.ApProductType, device) {
			return &bID, nil
		}
	}
	return nil, fmt.Errorf("failed to find build identity for device %s", device)
}
