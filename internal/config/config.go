package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/idleload/internal/config/loader"
	"github.com/dshills/idleload/internal/incremental"
	"github.com/dshills/idleload/internal/logging"
	"github.com/dshills/idleload/internal/unit"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "IDLELOAD_"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full application configuration.
type Config struct {
	Incremental Incremental `toml:"incremental" yaml:"incremental"`
	Units       Units       `toml:"units" yaml:"units"`
	Logging     Logging     `toml:"logging" yaml:"logging"`
	Metrics     Metrics     `toml:"metrics" yaml:"metrics"`

	path string
}

// Incremental configures deferred loading.
type Incremental struct {
	Enabled    bool     `toml:"enabled" yaml:"enabled"`
	FirstIdle  Duration `toml:"first_idle" yaml:"first_idle"`
	Idle       Duration `toml:"idle" yaml:"idle"`
	BusyPolicy string   `toml:"busy_policy" yaml:"busy_policy"`
	Groups     []Group  `toml:"group" yaml:"group"`
}

// Group is a named list of units queued together, in declaration order.
// Now makes a group added by a reload start loading at once instead of
// waiting for the next idle timer.
type Group struct {
	Name  string   `toml:"name" yaml:"name"`
	Units []string `toml:"units" yaml:"units"`
	Now   bool     `toml:"now,omitempty" yaml:"now,omitempty"`
}

// Units configures unit discovery.
type Units struct {
	Paths []string `toml:"paths" yaml:"paths"`
}

// Logging configures the log output.
type Logging struct {
	Level       string `toml:"level" yaml:"level"`
	File        string `toml:"file" yaml:"file"`
	BufferLines int    `toml:"buffer_lines" yaml:"buffer_lines"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Incremental: Incremental{
			Enabled:    true,
			FirstIdle:  Duration(incremental.DefaultFirstIdle),
			Idle:       Duration(incremental.DefaultIdle),
			BusyPolicy: incremental.BusyAbort.String(),
		},
		Units: Units{
			Paths: unit.DefaultPaths(),
		},
		Logging: Logging{
			Level:       "info",
			BufferLines: logging.DefaultMessageLines,
		},
	}
}

// DefaultPath returns ~/.config/idleload/config.toml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "idleload", "config.toml")
}

// Options control Load.
type Options struct {
	// FS reads the config file. Defaults to the OS.
	FS loader.FileSystem
	// Environ lists environment variables. Defaults to os.Environ.
	Environ func() []string
	// SkipEnv disables environment overrides.
	SkipEnv bool
}

// Load reads the file at path (missing is fine), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, Options{})
}

// LoadWithOptions is Load with injectable sources.
func LoadWithOptions(path string, opts Options) (*Config, error) {
	fl, err := loader.ForPath(opts.FS, path)
	if err != nil {
		return nil, err
	}
	data, err := fl.LoadFrom(path)
	if err != nil {
		return nil, err
	}

	if !opts.SkipEnv {
		env := loader.NewEnvLoader(EnvPrefix)
		if opts.Environ != nil {
			env = env.WithEnviron(opts.Environ)
		}
		overrides, err := env.Load()
		if err != nil {
			return nil, err
		}
		data = loader.DeepMerge(data, overrides)
	}

	cfg, err := FromMap(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// FromMap decodes a merged configuration map over the defaults and
// validates it.
func FromMap(data map[string]any) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		raw, err := yaml.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := c.Scheduler(); err != nil {
		return fmt.Errorf("%w: incremental: %v", ErrInvalid, err)
	}

	seen := make(map[string]bool)
	for i, g := range c.Incremental.Groups {
		if g.Name == "" {
			return fmt.Errorf("%w: incremental.group[%d]: name is required", ErrInvalid, i)
		}
		if seen[g.Name] {
			return fmt.Errorf("%w: incremental.group %q declared twice", ErrInvalid, g.Name)
		}
		seen[g.Name] = true
		for _, u := range g.Units {
			if !unit.ValidName(u) {
				return fmt.Errorf("%w: incremental.group %q: invalid unit name %q", ErrInvalid, g.Name, u)
			}
		}
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("%w: logging.level %q", ErrInvalid, c.Logging.Level)
	}
	if c.Logging.BufferLines < 0 {
		return fmt.Errorf("%w: logging.buffer_lines must not be negative", ErrInvalid)
	}
	return nil
}

// Scheduler converts the incremental section to a scheduler config.
func (c *Config) Scheduler() (incremental.Config, error) {
	policy, err := incremental.ParseBusyPolicy(c.Incremental.BusyPolicy)
	if err != nil {
		return incremental.Config{}, err
	}
	sc := incremental.Config{
		Enabled:    c.Incremental.Enabled,
		FirstIdle:  c.Incremental.FirstIdle.Std(),
		Idle:       c.Incremental.Idle.Std(),
		BusyPolicy: policy,
	}
	return sc, sc.Validate()
}

// QueuedUnits returns every unit of every group, in declaration order.
func (c *Config) QueuedUnits() []string {
	var units []string
	for _, g := range c.Incremental.Groups {
		units = append(units, g.Units...)
	}
	return units
}

// Group returns the named group.
func (c *Config) Group(name string) (Group, bool) {
	for _, g := range c.Incremental.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// NewGroups returns the groups of next that c does not declare.
func (c *Config) NewGroups(next *Config) []Group {
	var added []Group
	for _, g := range next.Incremental.Groups {
		if _, ok := c.Group(g.Name); !ok {
			added = append(added, g)
		}
	}
	return added
}

// Encode writes the configuration in the given format.
func (c *Config) Encode(w io.Writer, format loader.Format) error {
	var (
		out []byte
		err error
	)
	switch format {
	case loader.FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err = enc.Encode(c); err == nil {
			err = enc.Close()
		}
		out = buf.Bytes()
	default:
		out, err = toml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	_, err = w.Write(out)
	return err
}
