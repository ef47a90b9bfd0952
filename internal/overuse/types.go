package overuse

import (
	"fmt"
	"math"
	"strings"
)

// ComponentType is the source of a package: the platform, the vendor image or
// an installed third-party app.
type ComponentType int

const (
	ComponentUnknown ComponentType = iota
	ComponentSystem
	ComponentVendor
	ComponentThirdParty
)

// Components lists the configurable component types in update order.
var Components = []ComponentType{ComponentSystem, ComponentVendor, ComponentThirdParty}

// String returns the component-level threshold name of the component.
func (c ComponentType) String() string {
	switch c {
	case ComponentSystem:
		return "SYSTEM"
	case ComponentVendor:
		return "VENDOR"
	case ComponentThirdParty:
		return "THIRD_PARTY"
	default:
		return "UNKNOWN"
	}
}

// ParseComponentType accepts the names returned by String, case-insensitively.
func ParseComponentType(s string) (ComponentType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SYSTEM":
		return ComponentSystem, nil
	case "VENDOR":
		return ComponentVendor, nil
	case "THIRD_PARTY", "THIRDPARTY", "THIRD-PARTY":
		return ComponentThirdParty, nil
	}
	return ComponentUnknown, fmt.Errorf("unknown component type %q", s)
}

// MarshalText encodes the component as its String name, so YAML and JSON
// configs carry "SYSTEM", "VENDOR" or "THIRD_PARTY".
func (c ComponentType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a name accepted by ParseComponentType.
func (c *ComponentType) UnmarshalText(b []byte) error {
	parsed, err := ParseComponentType(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ApplicationCategory groups packages that share category-specific thresholds.
type ApplicationCategory int

const (
	CategoryOthers ApplicationCategory = iota
	CategoryMaps
	CategoryMedia
)

// String returns the category name used in configs and thresholds.
func (a ApplicationCategory) String() string {
	switch a {
	case CategoryMaps:
		return "MAPS"
	case CategoryMedia:
		return "MEDIA"
	default:
		return "OTHERS"
	}
}

// categoryFromThresholdName maps the name of a category-specific threshold.
// Only MAPS and MEDIA carry thresholds.
func categoryFromThresholdName(name string) (ApplicationCategory, bool) {
	switch name {
	case "MAPS":
		return CategoryMaps, true
	case "MEDIA":
		return CategoryMedia, true
	}
	return CategoryOthers, false
}

// ParseApplicationCategory parses a category name case-insensitively.
//
// Parameters:
//   - s: "MAPS", "MEDIA" or "OTHERS"; empty means OTHERS
//
// Returns:
//   - ApplicationCategory: the parsed category
//   - error: set for any other name, with CategoryOthers returned
//
// Example:
//
//	cat, err := overuse.ParseApplicationCategory("maps") // CategoryMaps, nil
func ParseApplicationCategory(s string) (ApplicationCategory, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MAPS":
		return CategoryMaps, nil
	case "MEDIA":
		return CategoryMedia, nil
	case "OTHERS", "":
		return CategoryOthers, nil
	}
	return CategoryOthers, fmt.Errorf("unknown application category %q", s)
}

// MarshalText encodes the category as its String name.
func (a ApplicationCategory) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a name accepted by ParseApplicationCategory.
func (a *ApplicationCategory) UnmarshalText(b []byte) error {
	parsed, err := ParseApplicationCategory(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UidType tells whether a uid belongs to an installed application or to a
// native service.
type UidType int

const (
	UidUnknown UidType = iota
	UidApplication
	UidNative
)

// String returns "APPLICATION", "NATIVE" or "UNKNOWN".
func (u UidType) String() string {
	switch u {
	case UidApplication:
		return "APPLICATION"
	case UidNative:
		return "NATIVE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the uid type as its String name.
func (u UidType) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText decodes "APPLICATION", "NATIVE" or "UNKNOWN",
// case-insensitively. Empty means UNKNOWN.
func (u *UidType) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "APPLICATION":
		*u = UidApplication
	case "NATIVE":
		*u = UidNative
	case "UNKNOWN", "":
		*u = UidUnknown
	default:
		return fmt.Errorf("unknown uid type %q", b)
	}
	return nil
}

// PerStateBytes holds a byte count for each power state.
type PerStateBytes struct {
	Foreground int64 `yaml:"foreground" json:"foreground"`
	Background int64 `yaml:"background" json:"background"`
	GarageMode int64 `yaml:"garage_mode" json:"garage_mode"`
}

// DefaultThreshold is used when no configured threshold matches a package.
var DefaultThreshold = PerStateBytes{
	Foreground: math.MaxInt64,
	Background: math.MaxInt64,
	GarageMode: math.MaxInt64,
}

func (b PerStateBytes) positive() bool {
	return b.Foreground > 0 && b.Background > 0 && b.GarageMode > 0
}

// Add returns the per-state sum of b and o.
func (b PerStateBytes) Add(o PerStateBytes) PerStateBytes {
	return PerStateBytes{
		Foreground: b.Foreground + o.Foreground,
		Background: b.Background + o.Background,
		GarageMode: b.GarageMode + o.GarageMode,
	}
}

// PerStateThreshold names a threshold. The name is a component name for
// component-level thresholds, a package name for package-specific ones and a
// category name for category-specific ones.
type PerStateThreshold struct {
	Name               string        `yaml:"name" json:"name"`
	PerStateWriteBytes PerStateBytes `yaml:"per_state_write_bytes" json:"per_state_write_bytes"`
}

// AlertThreshold triggers a system-wide alert when the average write rate
// over DurationSeconds reaches WrittenBytesPerSecond.
type AlertThreshold struct {
	DurationSeconds       int64 `yaml:"duration_seconds" json:"duration_seconds"`
	WrittenBytesPerSecond int64 `yaml:"written_bytes_per_second" json:"written_bytes_per_second"`
}

// IoOveruseConfiguration is the I/O section of a component config.
type IoOveruseConfiguration struct {
	ComponentLevel  PerStateThreshold   `yaml:"component_level" json:"component_level"`
	PackageSpecific []PerStateThreshold `yaml:"package_specific,omitempty" json:"package_specific,omitempty"`
	// CategorySpecific is honored only in vendor configs.
	CategorySpecific []PerStateThreshold `yaml:"category_specific,omitempty" json:"category_specific,omitempty"`
	// SystemWide is honored only in system configs.
	SystemWide []AlertThreshold `yaml:"system_wide,omitempty" json:"system_wide,omitempty"`
}

// ResourceSpecificConfiguration is one resource section of a component
// config. I/O is the only resource.
type ResourceSpecificConfiguration struct {
	IoOveruse *IoOveruseConfiguration `yaml:"io_overuse,omitempty" json:"io_overuse,omitempty"`
}

// ResourceOveruseConfiguration is the overuse policy of one component.
type ResourceOveruseConfiguration struct {
	ComponentType         ComponentType                   `yaml:"component_type" json:"component_type"`
	SafeToKillPackages    []string                        `yaml:"safe_to_kill_packages,omitempty" json:"safe_to_kill_packages,omitempty"`
	VendorPackagePrefixes []string                        `yaml:"vendor_package_prefixes,omitempty" json:"vendor_package_prefixes,omitempty"`
	PackageMetadata       []PackageMetadata               `yaml:"package_metadata,omitempty" json:"package_metadata,omitempty"`
	ResourceSpecific      []ResourceSpecificConfiguration `yaml:"resource_specific" json:"resource_specific"`
}

// PackageMetadata assigns an application category to a package.
type PackageMetadata struct {
	PackageName string              `yaml:"package_name" json:"package_name"`
	AppCategory ApplicationCategory `yaml:"app_category" json:"app_category"`
}

// PackageInfo describes the package owning a uid.
type PackageInfo struct {
	Name          string              `json:"name"`
	UID           int32               `json:"uid"`
	UidType       UidType             `json:"uid_type"`
	ComponentType ComponentType       `json:"component_type"`
	AppCategory   ApplicationCategory `json:"app_category"`
}

// UserID returns the user owning the package uid.
func (p PackageInfo) UserID() int32 {
	return p.UID / perUserUIDRange
}

const perUserUIDRange = 100000
