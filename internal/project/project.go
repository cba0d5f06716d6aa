// Package project reads a generated project's agentstack.json and resolves
// the framework, tool catalog directory and entrypoint path for it.
package project

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	FileName         = "agentstack.json"
	EnvPrefix        = "STACKPATCH"
	DefaultFramework = "crewai"
	DefaultToolsDir  = "tools"

	// SupportedVersions is the range of agentstack releases whose generated
	// entrypoints stackpatch knows how to edit.
	SupportedVersions = ">= 0.2.0"
)

var supported = semver.MustParse("0.2.0")

// ErrNotProject is returned by Load when dir has no agentstack.json.
var ErrNotProject = errors.New("not an agentstack project")

// Config is the resolved project configuration.
type Config struct {
	Dir          string
	Framework    string
	ToolsDir     string
	DefaultModel string
	Tools        []string
	// Version is the agentstack release that generated the project; nil
	// when agentstack.json does not record one.
	Version *semver.Version
}

// Option adjusts how Load resolves settings.
type Option func(*viper.Viper) error

// WithFlags binds the --framework and --tools-dir flags of fs, when present.
// A flag overrides the file and the environment only when set.
func WithFlags(fs *pflag.FlagSet) Option {
	return func(v *viper.Viper) error {
		for key, flag := range map[string]string{"framework": "framework", "tools_dir": "tools-dir"} {
			f := fs.Lookup(flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding --%s: %w", flag, err)
			}
		}
		return nil
	}
}

// Load reads dir/agentstack.json. STACKPATCH_* environment variables
// override file values, e.g. STACKPATCH_FRAMEWORK.
func Load(dir string, opts ...Option) (*Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(abs, FileName))
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("framework", DefaultFramework)
	v.SetDefault("tools_dir", DefaultToolsDir)
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w (no %s)", abs, ErrNotProject, FileName)
		}
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg := &Config{
		Dir:          abs,
		Framework:    v.GetString("framework"),
		ToolsDir:     v.GetString("tools_dir"),
		DefaultModel: v.GetString("default_model"),
		Tools:        v.GetStringSlice("tools"),
	}
	if !filepath.IsAbs(cfg.ToolsDir) {
		cfg.ToolsDir = filepath.Join(abs, cfg.ToolsDir)
	}
	if raw := v.GetString("agentstack_version"); raw != "" {
		cfg.Version, err = semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: agentstack_version %q: %w", FileName, raw, err)
		}
	}
	return cfg, nil
}

// Supported reports whether the project was generated by an agentstack
// release in SupportedVersions. Projects without a recorded version are
// assumed supported.
func (c *Config) Supported() bool {
	return c.Version == nil || !c.Version.LessThan(supported)
}

// EntrypointPath returns the absolute path of a framework's entrypoint.
func (c *Config) EntrypointPath(a interface{ Entrypoint() string }) string {
	return filepath.Join(c.Dir, filepath.FromSlash(a.Entrypoint()))
}

// HasTool reports whether name is recorded as installed.
func (c *Config) HasTool(name string) bool {
	return slices.Contains(c.Tools, name)
}

// AddTool records name as installed. It reports whether the list changed.
func (c *Config) AddTool(name string) bool {
	if c.HasTool(name) {
		return false
	}
	c.Tools = append(c.Tools, name)
	return true
}

// RemoveTool drops name from the installed list. It reports whether the
// list changed.
func (c *Config) RemoveTool(name string) bool {
	i := slices.Index(c.Tools, name)
	if i < 0 {
		return false
	}
	c.Tools = slices.Delete(c.Tools, i, i+1)
	return true
}

// SaveTools writes the installed tool list back to agentstack.json. Other
// keys in the file are kept; environment and flag overrides are not
// persisted.
func (c *Config) SaveTools() error {
	path := filepath.Join(c.Dir, FileName)
	w := viper.New()
	w.SetConfigFile(path)
	w.SetConfigType("json")
	if err := w.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", FileName, err)
	}
	tools := c.Tools
	if tools == nil {
		tools = []string{}
	}
	w.Set("tools", tools)
	if err := w.WriteConfig(); err != nil {
		return fmt.Errorf("writing %s: %w", FileName, err)
	}
	return nil
}
