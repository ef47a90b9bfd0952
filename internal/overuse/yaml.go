package overuse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFiles names the per-component files LoadDir reads.
var ConfigFiles = map[ComponentType]string{
	ComponentSystem:     "system.yaml",
	ComponentVendor:     "vendor.yaml",
	ComponentThirdParty: "third_party.yaml",
}

// Decode reads one YAML config. Unknown fields are rejected.
//
// Example:
//
//	component_type: VENDOR
//	vendor_package_prefixes: [com.vendor.]
//	resource_specific:
//	  - io_overuse:
//	      component_level:
//	        name: VENDOR
//	        per_state_write_bytes: {foreground: 1073741824, background: 536870912, garage_mode: 2147483648}
func Decode(r io.Reader) (ResourceOveruseConfiguration, error) {
	var cfg ResourceOveruseConfiguration
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode overuse config: %w", err)
	}
	return cfg, nil
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg ResourceOveruseConfiguration) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode overuse config: %w", err)
	}
	return enc.Close()
}

// LoadFile decodes the config at path and checks it declares the component
// its file name stands for.
func LoadFile(path string, want ComponentType) (ResourceOveruseConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ResourceOveruseConfiguration{}, err
	}
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.ComponentType != want {
		return cfg, fmt.Errorf("%s: declares %s, want %s: %w", path, cfg.ComponentType, want, ErrInvalidArgument)
	}
	return cfg, nil
}

// LoadDir reads the component files present in dir, ordered System, Vendor,
// ThirdParty. Missing files are skipped.
func LoadDir(dir string) ([]ResourceOveruseConfiguration, error) {
	var out []ResourceOveruseConfiguration
	for _, comp := range Components {
		cfg, err := LoadFile(filepath.Join(dir, ConfigFiles[comp]), comp)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
