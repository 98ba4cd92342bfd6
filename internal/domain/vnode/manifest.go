package vnode

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// ModeStrict rejects anything the loader does not understand.
const ModeStrict = "strict"

// Format selects the manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".toml":
		return FormatTOML, true
	}
	return "", false
}

// Manifest is the declarative description of a V-Node.
type Manifest struct {
	Name          string              `json:"name"`
	Version       string              `json:"version"`
	Mode          string              `json:"mode"`
	Runtime       Runtime             `json:"runtime"`
	Capabilities  []CapabilityRequest `json:"capabilities"`
	Storage       Storage             `json:"storage"`
	Observability Observability       `json:"observability"`
	Service       Service             `json:"service"`
	Restart       RestartPolicy       `json:"restart"`
}

// Runtime holds the entrypoint and resource ceilings.
type Runtime struct {
	Entrypoint    string  `yaml:"entrypoint" toml:"entrypoint" json:"entrypoint"`
	RequiredMemMB int     `yaml:"required_mem_mb" toml:"required_mem_mb" json:"required_mem_mb"`
	MaxCPUShare   float64 `yaml:"max_cpu_share" toml:"max_cpu_share" json:"max_cpu_share"`
}

// Storage lists mount declarations.
type Storage struct {
	Mounts []Mount `yaml:"mounts" toml:"mounts" json:"mounts,omitempty"`
}

// Mount is one path/source/options triple.
type Mount struct {
	Path    string `yaml:"path" toml:"path" json:"path"`
	Source  string `yaml:"source" toml:"source" json:"source"`
	Options string `yaml:"options" toml:"options" json:"options,omitempty"`
}

// Observability lists counters the V-Node may bump through MetricAdd.
type Observability struct {
	Metrics []string `yaml:"metrics" toml:"metrics" json:"metrics,omitempty"`
}

// Service controls the V-Node's own endpoint.
type Service struct {
	Advertise bool `yaml:"advertise" toml:"advertise" json:"advertise"`
	Capacity  int  `yaml:"capacity" toml:"capacity" json:"capacity,omitempty"`
}

// RestartPolicy bounds automatic restarts.
type RestartPolicy struct {
	MaxFailures int `yaml:"max_failures" toml:"max_failures" json:"max_failures,omitempty"`
}

// CapabilityRequest is one entry of the capabilities list: a bare tag, or
// a tag keyed to a resource.
type CapabilityRequest struct {
	Tag      string `json:"tag"`
	Resource string `json:"resource,omitempty"`
}

func (r CapabilityRequest) String() string {
	if r.Resource == "" {
		return r.Tag
	}
	return r.Tag + ": " + r.Resource
}

// Strict reports whether the manifest asked for strict admission.
func (m *Manifest) Strict() bool {
	return m.Mode == ModeStrict
}

// ServiceName is the endpoint the V-Node owns.
func (m *Manifest) ServiceName() string {
	return "svc://" + m.Name
}

// document is the on-disk shape. Capabilities stay untyped until
// normalized because entries mix bare strings and single-key tables.
type document struct {
	Name          string        `yaml:"name" toml:"name"`
	Version       string        `yaml:"version" toml:"version"`
	Mode          string        `yaml:"mode" toml:"mode"`
	Runtime       Runtime       `yaml:"runtime" toml:"runtime"`
	Capabilities  []any         `yaml:"capabilities" toml:"capabilities"`
	Storage       Storage       `yaml:"storage" toml:"storage"`
	Observability Observability `yaml:"observability" toml:"observability"`
	Service       Service       `yaml:"service" toml:"service"`
	Restart       RestartPolicy `yaml:"restart" toml:"restart"`
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// Parse decodes a manifest. A manifest that declares strict mode is decoded
// a second time with unknown fields disallowed.
func Parse(data []byte, format Format) (*Manifest, error) {
	doc, err := decode(data, format, false)
	if err != nil {
		return nil, err
	}
	if doc.Mode == ModeStrict {
		if doc, err = decode(data, format, true); err != nil {
			return nil, err
		}
	}

	caps, err := normalizeCapabilities(doc.Capabilities)
	if err != nil {
		return nil, err
	}
	m := Manifest{
		Name:          doc.Name,
		Version:       doc.Version,
		Mode:          doc.Mode,
		Runtime:       doc.Runtime,
		Capabilities:  caps,
		Storage:       doc.Storage,
		Observability: doc.Observability,
		Service:       doc.Service,
		Restart:       doc.Restart,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseFile reads and decodes the manifest at path.
func ParseFile(path string) (*Manifest, error) {
	format, ok := FormatFor(path)
	if !ok {
		return nil, ipcerr.New(ipcerr.ManifestRejected, "manifest_parse", "unsupported manifest extension %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data, format)
}

func decode(data []byte, format Format, strict bool) (*document, error) {
	const op = "manifest_parse"

	var doc document
	switch format {
	case FormatYAML:
		var opts []yaml.DecodeOption
		if strict {
			opts = append(opts, yaml.DisallowUnknownField())
		}
		if err := yaml.UnmarshalWithOptions(data, &doc, opts...); err != nil {
			return nil, ipcerr.Wrap(ipcerr.ManifestRejected, op, err)
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		if strict {
			dec.DisallowUnknownFields()
		}
		if err := dec.Decode(&doc); err != nil {
			return nil, ipcerr.Wrap(ipcerr.ManifestRejected, op, err)
		}
	default:
		return nil, ipcerr.New(ipcerr.ManifestRejected, op, "unknown manifest format %q", format)
	}
	return &doc, nil
}

func normalizeCapabilities(raw []any) ([]CapabilityRequest, error) {
	out := make([]CapabilityRequest, 0, len(raw))
	for i, entry := range raw {
		switch v := entry.(type) {
		case string:
			out = append(out, CapabilityRequest{Tag: strings.TrimSpace(v)})
		case map[string]any:
			if len(v) != 1 {
				return nil, rejected("capabilities[%d] must have exactly one key, got %d", i, len(v))
			}
			for tag, res := range v {
				s, ok := res.(string)
				if !ok {
					return nil, rejected("capabilities[%d] %s: resource must be a string", i, tag)
				}
				out = append(out, CapabilityRequest{Tag: strings.TrimSpace(tag), Resource: strings.TrimSpace(s)})
			}
		default:
			return nil, rejected("capabilities[%d] has unsupported type %T", i, entry)
		}
	}
	return out, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return rejected("name is required")
	}
	if !namePattern.MatchString(m.Name) {
		return rejected("name %q must be lowercase letters, digits and dashes", m.Name)
	}
	if m.Runtime.Entrypoint == "" {
		return rejected("runtime.entrypoint is required")
	}
	if m.Runtime.RequiredMemMB < 0 {
		return rejected("runtime.required_mem_mb must not be negative")
	}
	if m.Runtime.MaxCPUShare < 0 || m.Runtime.MaxCPUShare > 1 {
		return rejected("runtime.max_cpu_share must be within [0, 1]")
	}
	if m.Service.Capacity < 0 {
		return rejected("service.capacity must not be negative")
	}
	for i, mount := range m.Storage.Mounts {
		if mount.Path == "" || mount.Source == "" {
			return rejected("storage.mounts[%d] needs path and source", i)
		}
	}
	seen := make(map[string]struct{}, len(m.Observability.Metrics))
	for _, name := range m.Observability.Metrics {
		if _, dup := seen[name]; dup {
			return rejected("observability.metrics declares %q twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// DeclaresMetric reports whether name is listed under observability.metrics.
func (m *Manifest) DeclaresMetric(name string) bool {
	for _, declared := range m.Observability.Metrics {
		if declared == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Capabilities = append([]CapabilityRequest(nil), m.Capabilities...)
	c.Storage.Mounts = append([]Mount(nil), m.Storage.Mounts...)
	c.Observability.Metrics = append([]string(nil), m.Observability.Metrics...)
	return &c
}

func rejected(format string, args ...any) error {
	return ipcerr.New(ipcerr.ManifestRejected, "manifest_parse", format, args...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
