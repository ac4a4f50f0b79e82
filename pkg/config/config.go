package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bendavis78/quilt/pkg/telemetry"
)

// DefaultFile is the configuration file looked up when --config is not given.
const DefaultFile = "quilt.yaml"

// Transports.
const (
	TransportSSH   = "ssh"
	TransportLocal = "local"
)

// SSH authentication methods.
const (
	AuthKey      = "key"
	AuthPassword = "password"
	AuthAgent    = "agent"
)

// Config is the run configuration read from quilt.yaml.
type Config struct {
	// Manifest is the quiltfile evaluated for every target.
	Manifest string `yaml:"manifest" validate:"required"`

	// Defaults are CUE or YAML files merged into the settings store in order.
	Defaults []string `yaml:"defaults"`

	// Templates is a directory overriding bundled resource templates.
	Templates string `yaml:"templates"`

	// Policies are Rego files or directories loaded into the policy engine.
	Policies []string `yaml:"policies"`

	// DisablePolicies names built-in or loaded policies to switch off.
	DisablePolicies []string `yaml:"disable_policies"`

	DryRun bool `yaml:"dry_run"`

	// Parallelism bounds how many targets converge at once.
	Parallelism int `yaml:"parallelism" validate:"gte=1"`

	// Timeout bounds manifest evaluation.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	Targets []Target `yaml:"targets" validate:"required,min=1,unique=Name,dive"`

	Telemetry telemetry.Config `yaml:"telemetry"`

	// Dir is the directory relative paths were resolved against.
	Dir string `yaml:"-"`
}

// Target is one host to converge.
type Target struct {
	Name      string `yaml:"name" validate:"required"`
	Transport string `yaml:"transport" validate:"oneof=ssh local"`

	Host string `yaml:"host" validate:"required_if=Transport ssh"`
	Port int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User string `yaml:"user"`

	Auth        string `yaml:"auth" validate:"omitempty,oneof=key password agent"`
	KeyFile     string `yaml:"key_file" validate:"required_if=Auth key"`
	PasswordEnv string `yaml:"password_env" validate:"required_if=Auth password"`

	// KnownHosts is checked unless Insecure is set.
	KnownHosts string `yaml:"known_hosts"`
	Insecure   bool   `yaml:"insecure"`

	// SudoPasswordEnv names the variable holding the sudo password; without
	// it sudo runs non-interactively.
	SudoPasswordEnv string `yaml:"sudo_password_env"`
}

// Address returns host:port for SSH targets.
func (t Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Manifest:    "quiltfile.star",
		Parallelism: 1,
		Timeout:     30 * time.Second,
		Telemetry:   telemetry.DefaultConfig(),
		Dir:         ".",
	}
}

// Load reads a .yaml, .yml or .cue configuration file, validates it and
// resolves relative paths against the file's directory.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(path, content)
	if err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.resolve(dir)
	return cfg, nil
}

// Parse decodes configuration content; the file name selects the format.
func Parse(filename string, content []byte) (*Config, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}

	var doc []byte
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cue":
		val, err := schema.Compile(filename, content)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		if doc, err = val.MarshalJSON(); err != nil {
			return nil, fmt.Errorf("%s: failed to export: %w", filename, err)
		}
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("%s: invalid YAML: %w", filename, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		if _, err := schema.Encode(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		doc = content
	default:
		return nil, fmt.Errorf("unsupported config file %s (expected .yaml, .yml or .cue)", filename)
	}

	cfg := Default()
	// JSON exported from CUE is valid YAML, so both formats decode here.
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Transport == "" {
			t.Transport = TransportSSH
		}
		if t.Transport != TransportSSH {
			continue
		}
		if t.Port == 0 {
			t.Port = 22
		}
		if t.Auth == "" {
			t.Auth = AuthAgent
		}
		if t.KnownHosts == "" && !t.Insecure {
			t.KnownHosts = "~/.ssh/known_hosts"
		}
	}
}

// Validate checks struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return c.Telemetry.Validate()
}

func (c *Config) resolve(dir string) {
	c.Dir = dir
	c.Manifest = resolvePath(dir, c.Manifest)
	c.Templates = resolvePath(dir, c.Templates)
	for i, p := range c.Defaults {
		c.Defaults[i] = resolvePath(dir, p)
	}
	for i, p := range c.Policies {
		c.Policies[i] = resolvePath(dir, p)
	}
	for i := range c.Targets {
		c.Targets[i].KeyFile = resolvePath(dir, c.Targets[i].KeyFile)
		c.Targets[i].KnownHosts = resolvePath(dir, c.Targets[i].KnownHosts)
	}
}

// resolvePath expands a leading ~ and makes relative paths absolute
// under dir. Empty paths stay empty.
func resolvePath(dir, path string) string {
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Select returns the targets named in names, in configuration order. An
// empty filter selects every target.
func (c *Config) Select(names []string) ([]Target, error) {
	if len(names) == 0 {
		return c.Targets, nil
	}
	var out []Target
	for _, t := range c.Targets {
		if slices.Contains(names, t.Name) {
			out = append(out, t)
		}
	}
	for _, name := range names {
		if !slices.ContainsFunc(out, func(t Target) bool { return t.Name == name }) {
			return nil, fmt.Errorf("unknown target %q", name)
		}
	}
	return out, nil
}

// Files returns the local files a run depends on besides the manifest.
func (c *Config) Files() []string {
	files := slices.Clone(c.Defaults)
	if c.Templates != "" {
		files = append(files, c.Templates)
	}
	return append(files, c.Policies...)
}
