package unit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	ulua "github.com/dshills/idleload/internal/unit/lua"
)

// ManifestFile is the manifest name inside a unit directory.
const ManifestFile = "unit.yaml"

// Manifest describes a directory unit.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Main        string   `yaml:"main"` // relative path of the Lua entry point, default init.lua
	Requires    []string `yaml:"requires"`

	Capabilities []string `yaml:"capabilities"`

	path string
}

// Validation errors.
var (
	ErrMissingName       = errors.New("manifest: name is required")
	ErrInvalidName       = errors.New("manifest: invalid unit name")
	ErrInvalidVersion    = errors.New("manifest: version must be valid semver")
	ErrInvalidMain       = errors.New("manifest: main must be a .lua file")
	ErrInvalidCapability = errors.New("manifest: invalid capability")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// ValidName reports whether s can name a unit.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// LoadManifest reads and validates a unit manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.path = filepath.Dir(path)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewManifestMinimal creates a manifest for a unit without unit.yaml.
func NewManifestMinimal(name, dir, main string) *Manifest {
	return &Manifest{
		Name:    name,
		Version: "0.0.0",
		Main:    main,
		path:    dir,
	}
}

func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		m.Main = "init.lua"
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
}

// Validate checks that the manifest is valid.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !ValidName(m.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, m.Name)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}
	if filepath.Ext(m.Main) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
	}
	for _, req := range m.Requires {
		if !ValidName(req) {
			return fmt.Errorf("%w: requires %q", ErrInvalidName, req)
		}
	}
	for _, c := range m.Capabilities {
		if _, err := ulua.ParseCapability(c); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidCapability, c)
		}
	}
	return nil
}

// Path returns the unit directory.
func (m *Manifest) Path() string {
	return m.path
}

// MainPath returns the full path to the Lua entry point.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.path, m.Main)
}
