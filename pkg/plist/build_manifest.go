package plist

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/blacktop/go-plist"
)

const (
	SystemOSCryptex = "Cryptex1,SystemOS"
	AppOSCryptex    = "Cryptex1,AppOS"
)

// BuildManifest is the BuildManifest.plist object found in restore bundles
type BuildManifest struct {
	BuildIdentities       []BuildIdentity `plist:"BuildIdentities,omitempty" json:"build_identities,omitempty"`
	ManifestVersion       int             `plist:"ManifestVersion,omitempty" json:"manifest_version,omitempty"`
	ProductBuildVersion   string          `plist:"ProductBuildVersion,omitempty" json:"product_build_version,omitempty"`
	ProductVersion        string          `plist:"ProductVersion,omitempty" json:"product_version,omitempty"`
	SupportedProductTypes []string        `plist:"SupportedProductTypes,omitempty" json:"supported_product_types,omitempty"`
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

type BuildIdentity struct {
	ApBoardID     string                      `plist:"ApBoardID,omitempty" json:"ap_board_id,omitempty"`
	ApChipID      string                      `plist:"ApChipID,omitempty" json:"ap_chip_id,omitempty"`
	ApProductType string                      `plist:"Ap,ProductType,omitempty" json:"ap_product_type,omitempty"`
	Info          IdentityInfo                `plist:"Info,omitempty" json:"info"`
	Manifest      map[string]IdentityManifest `plist:"Manifest,omitempty" json:"manifest,omitempty"`
}

func (i BuildIdentity) String() string {
	var out string
	out += fmt.Sprintf("    ApBoardID:       %s\n", i.ApBoardID)
	out += fmt.Sprintf("    ApChipID:        %s\n", i.ApChipID)
	out += fmt.Sprintf("    DeviceClass:     %s\n", i.Info.DeviceClass)
	out += fmt.Sprintf("    Variant:         %s\n", i.Info.Variant)
	out += "    Manifest:\n"
	for k, v := range i.Manifest {
		if path := v.Path(); len(path) > 0 {
			out += fmt.Sprintf("      %-34s%s\n", k+":", path)
		}
	}
	return out
}

// Path returns the bundle relative path of a manifest component.
func (i BuildIdentity) Path(component string) (string, bool) {
	m, ok := i.Manifest[component]
	if !ok {
		return "", false
	}
	path := m.Path()
	return path, len(path) > 0
}

type IdentityInfo struct {
	BuildNumber     string `plist:"BuildNumber,omitempty" json:"build_number,omitempty"`
	DeviceClass     string `plist:"DeviceClass,omitempty" json:"device_class,omitempty"`
	RestoreBehavior string `plist:"RestoreBehavior,omitempty" json:"restore_behavior,omitempty"`
	Variant         string `plist:"Variant,omitempty" json:"variant,omitempty"`
}

type IdentityManifest struct {
	Digest []byte         `plist:"Digest,omitempty" json:"digest,omitempty"`
	Info   map[string]any `plist:"Info,omitempty" json:"info,omitempty"`
}

// Path returns Info.Path or "" when it is missing or not a string.
func (m IdentityManifest) Path() string {
	if p, ok := m.Info["Path"].(string); ok {
		return p
	}
	return ""
}

// ParseBuildManifest parses the BuildManifest.plist
func ParseBuildManifest(data []byte) (*BuildManifest, error) {
	bm := &BuildManifest{}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(bm); err != nil {
		return nil, fmt.Errorf("failed to decode BuildManifest.plist: %w", err)
	}
	return bm, nil
}

// OpenBuildManifest reads and parses a BuildManifest.plist file.
func OpenBuildManifest(path string) (*BuildManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBuildManifest(data)
}

// CryptexPaths holds the disk image paths of the OS cryptexes.
type CryptexPaths struct {
	SystemOS string `json:"system_os"`
	AppOS    string `json:"app_os"`
}

// CryptexPaths returns the cryptex paths of the first build identity that
// names both the SystemOS and AppOS cryptexes.
func (b *BuildManifest) CryptexPaths() (CryptexPaths, error) {
	for _, bID := range b.BuildIdentities {
		sys, ok := bID.Path(SystemOSCryptex)
		if !ok {
			continue
		}
		app, ok := bID.Path(AppOSCryptex)
		if !ok {
			continue
		}
		return CryptexPaths{SystemOS: sys, AppOS: app}, nil
	}
	return CryptexPaths{}, fmt.Errorf("no build identity has both %s and %s", SystemOSCryptex, AppOSCryptex)
}

// ComponentPath returns the path of component from the first build identity
// that has one. When variant is set only identities whose Info.Variant
// contains it are considered.
func (b *BuildManifest) ComponentPath(component, variant string) (string, error) {
	for _, bID := range b.BuildIdentities {
		if len(variant) > 0 && !strings.Contains(bID.Info.Variant, variant) {
			continue
		}
		if path, ok := bID.Path(component); ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("failed to find %s in build manifest", component)
}
