package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transport type identifiers accepted in a network descriptor.
// "grpc" is the historical name of the streaming transport and maps to it.
const (
	TransportStream = "grpc"
	TransportHTTP   = "http"
	TransportA2A    = "a2a"
)

// DefaultWorkspace is used when the descriptor omits the workspace path
// and OPENAGENTS_WORKSPACE is not set.
const DefaultWorkspace = "./workspace"

// Descriptor is the network descriptor: the document that tells a network
// process what to call itself, which transports to bind, and which mods to
// load. It is parsed with yaml.v3 rather than viper because mod config maps
// are free-form and viper lowercases map keys.
type Descriptor struct {
	Name       string          `yaml:"name"`
	Mode       string          `yaml:"mode"`
	Host       string          `yaml:"host"`
	Transports []TransportSpec `yaml:"transports"`
	Mods       []ModSpec       `yaml:"mods"`
	Workspace  string          `yaml:"workspace"`
}

// TransportSpec declares one transport binding.
type TransportSpec struct {
	Type   string  `yaml:"type"`
	Config ModeMap `yaml:"config"`
}

// ModSpec declares one mod to load, by loader identifier.
type ModSpec struct {
	ID     string  `yaml:"id"`
	Config ModeMap `yaml:"config"`
}

// ModeMap is a free-form config block. Accessors tolerate the scalar types
// yaml.v3 produces (int, float64, bool, string, []any).
type ModeMap map[string]any

// String returns the string value for key, or def when absent or not a string.
func (m ModeMap) String(key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns the integer value for key, or def when absent or not numeric.
func (m ModeMap) Int(key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Bool returns the boolean value for key, or def when absent or not a bool.
func (m ModeMap) Bool(key string, def bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// StringSlice returns the string list for key, or nil when absent.
func (m ModeMap) StringSlice(key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// LoadDescriptor reads and validates a network descriptor from path.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading descriptor: %w", err)
	}
	return ParseDescriptor(data)
}

// ParseDescriptor parses and validates a network descriptor document.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("error parsing descriptor: %w", err)
	}

	if d.Mode == "" {
		d.Mode = "centralized"
	}
	if d.Host == "" {
		d.Host = "0.0.0.0"
	}
	if ws := os.Getenv("OPENAGENTS_WORKSPACE"); ws != "" {
		d.Workspace = ws
	}
	if d.Workspace == "" {
		d.Workspace = DefaultWorkspace
	}

	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("descriptor validation failed: %w", err)
	}
	return &d, nil
}

func (d *Descriptor) validate() error {
	var errs []string

	if d.Name == "" {
		errs = append(errs, "name is required")
	}
	if d.Mode != "centralized" {
		errs = append(errs, fmt.Sprintf("mode %q is not supported (only centralized)", d.Mode))
	}

	seen := make(map[string]bool)
	for i, t := range d.Transports {
		if t.Type == "" {
			errs = append(errs, fmt.Sprintf("transports[%d].type is required", i))
			continue
		}
		port := t.Config.Int("port", 0)
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("transports[%d] (%s): port must be between 1 and 65535", i, t.Type))
		}
	}

	for i, m := range d.Mods {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("mods[%d].id is required", i))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Sprintf("mods[%d]: duplicate mod id %q", i, m.ID))
		}
		seen[m.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
