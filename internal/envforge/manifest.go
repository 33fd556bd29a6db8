package envforge

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the declarative environment specification. It lists the
// channels to resolve against, the constrained package set, optional extras
// appended at build time, and the runtime metadata baked into the image.
type Manifest struct {
	Name     string            `yaml:"name"`
	Base     string            `yaml:"base,omitempty"`
	Channels []string          `yaml:"channels"`
	Packages []string          `yaml:"packages"`
	Extras   []string          `yaml:"extras,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Prune    []string          `yaml:"prune,omitempty"`
	System   []string          `yaml:"system,omitempty"`

	// RuntimeOnly drops headers and static archives from every layer.
	RuntimeOnly bool `yaml:"runtime_only,omitempty"`
}

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseManifest decodes and validates a YAML environment manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate checks the manifest for structural problems before resolution.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest is missing a name")
	}
	if len(m.Packages) == 0 {
		return fmt.Errorf("manifest %s lists no packages", m.Name)
	}
	entries := append(append([]string{}, m.Packages...), m.Extras...)
	for _, spec := range entries {
		if strings.TrimSpace(spec) == "" {
			return fmt.Errorf("manifest %s has an empty package spec", m.Name)
		}
	}
	if _, err := parseDepSpecs(entries); err != nil {
		return fmt.Errorf("manifest %s has an unparsable package spec: %w", m.Name, err)
	}
	for key := range m.Env {
		if !envKeyRe.MatchString(key) {
			return fmt.Errorf("manifest %s has an invalid environment key: %q", m.Name, key)
		}
	}
	for _, pattern := range m.Prune {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("manifest %s has an empty prune pattern", m.Name)
		}
	}
	return nil
}

// Requested returns the constrained package specs to resolve, using the same
// grammar as package dependency lists so alternative groups ("a | b") survive
// into resolution. Extras are appended only when withExtras is set, mirroring
// the optional install list of the build arguments.
func (m *Manifest) Requested(withExtras bool) ([]DepSpec, error) {
	lines := append([]string{}, m.Packages...)
	if withExtras {
		lines = append(lines, m.Extras...)
	}
	parsed, err := parseDepSpecs(lines)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", m.Name, err)
	}
	var specs []DepSpec
	seen := make(map[string]bool)
	for _, spec := range parsed {
		if seen[spec.Name] {
			continue
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

// RuntimeEnv renders the manifest env map as sorted KEY=value pairs for the
// image config.
func (m *Manifest) RuntimeEnv() []string {
	if len(m.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m.Env))
	for k := range m.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m.Env[k])
	}
	return env
}
