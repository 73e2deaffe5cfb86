package unit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Loader discovers Lua units on the filesystem.
type Loader struct {
	paths      []string
	discovered map[string]*Info
}

// Info describes a discovered unit.
type Info struct {
	Name     string
	Path     string
	Manifest *Manifest
	Error    error
}

// NewLoader creates a loader for the given search paths. A leading "~" is
// expanded to the home directory.
func NewLoader(paths ...string) *Loader {
	expanded := make([]string, 0, len(paths))
	for _, p := range paths {
		expanded = append(expanded, ExpandHome(p))
	}
	return &Loader{
		paths:      expanded,
		discovered: make(map[string]*Info),
	}
}

// DefaultPaths returns the default unit search paths.
func DefaultPaths() []string {
	paths := make([]string, 0, 2)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "idleload", "units"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".idleload", "units"))
	}
	return paths
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Paths returns the search paths.
func (l *Loader) Paths() []string {
	return l.paths
}

// Discover scans every search path and returns the units found, sorted by
// name. Missing directories are ignored.
func (l *Loader) Discover() ([]*Info, error) {
	l.discovered = make(map[string]*Info)

	for _, basePath := range l.paths {
		if err := l.discoverInPath(basePath); err != nil {
			return nil, err
		}
	}

	units := make([]*Info, 0, len(l.discovered))
	for _, info := range l.discovered {
		units = append(units, info)
	}
	sort.Slice(units, func(i, j int) bool {
		return units[i].Name < units[j].Name
	})
	return units, nil
}

func (l *Loader) discoverInPath(basePath string) error {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading unit path %s: %w", basePath, err)
	}

	for _, entry := range entries {
		var info *Info
		if entry.IsDir() {
			info = inspectDir(entry.Name(), filepath.Join(basePath, entry.Name()))
		} else if filepath.Ext(entry.Name()) == ".lua" {
			name := strings.TrimSuffix(entry.Name(), ".lua")
			info = singleFile(name, basePath)
		} else {
			continue
		}

		// First path wins.
		if _, exists := l.discovered[info.Name]; !exists {
			l.discovered[info.Name] = info
		}
	}
	return nil
}

func singleFile(name, dir string) *Info {
	return &Info{
		Name:     name,
		Path:     dir,
		Manifest: NewManifestMinimal(name, dir, name+".lua"),
	}
}

// inspectDir examines a unit directory.
func inspectDir(name, path string) *Info {
	info := &Info{Name: name, Path: path}

	manifestPath := filepath.Join(path, ManifestFile)
	if _, err := os.Stat(manifestPath); err == nil {
		m, err := LoadManifest(manifestPath)
		if err != nil {
			info.Error = fmt.Errorf("invalid manifest: %w", err)
			return info
		}
		info.Manifest = m
		info.Name = m.Name
		return info
	}

	if _, err := os.Stat(filepath.Join(path, "init.lua")); err == nil {
		info.Manifest = NewManifestMinimal(name, path, "init.lua")
		return info
	}

	info.Error = ErrNoEntryPoint
	return info
}

// Find looks a unit up by name, scanning the search paths in order if it
// was not seen by the last Discover.
func (l *Loader) Find(name string) (*Info, error) {
	if info, ok := l.discovered[name]; ok {
		return info, nil
	}

	for _, basePath := range l.paths {
		dir := filepath.Join(basePath, name)
		if stat, err := os.Stat(dir); err == nil && stat.IsDir() {
			info := inspectDir(name, dir)
			if info.Name == name {
				l.discovered[name] = info
				return info, nil
			}
		}

		if _, err := os.Stat(filepath.Join(basePath, name+".lua")); err == nil {
			info := singleFile(name, basePath)
			l.discovered[name] = info
			return info, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
}
