// Package config loads the syncd runtime configuration from YAML.
//
// Loading fills defaults first, then checks struct tags with
// go-playground/validator and finally the cross-field rules no tag can
// express: connector names are unique and priorities only name configured
// connectors.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/syncd/internal/connector"
	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/schedule"
)

// validate is the shared validator instance.
var validate = validator.New()

// Config is the runtime configuration of syncd.
type Config struct {
	Store StoreConfig `yaml:"store"`

	// SchemaDir holds the CUE entity schemas.
	SchemaDir string `yaml:"schema_dir" validate:"required"`

	Connectors []connector.Config `yaml:"connectors" validate:"required,min=1,dive"`

	Scheduler schedule.Config `yaml:"scheduler"`

	// Priorities override the schema priorities, keyed by entity type.
	Priorities map[string]ir.Priority `yaml:"priorities,omitempty"`

	// Interval is the time between runs in serve mode.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// LockDir holds the per-connector run lock files.
	LockDir string `yaml:"lock_dir"`

	Backup BackupConfig `yaml:"backup"`
}

// StoreConfig locates the state store.
type StoreConfig struct {
	Path   string `yaml:"path"`
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite3 sqlite"`
}

// BackupConfig selects where backups go. S3 is used when Bucket is set.
type BackupConfig struct {
	Dir        string   `yaml:"dir"`
	Passphrase string   `yaml:"passphrase,omitempty"`
	S3         S3Config `yaml:"s3,omitempty"`
}

// S3Config configures the S3 backup sink. Empty keys fall back to the
// default AWS credential chain.
type S3Config struct {
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty" validate:"required_with=Bucket"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// DefaultInterval is the serve-mode interval when none is configured.
const DefaultInterval = 5 * time.Minute

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "syncd", "config.yaml")
}

// Default returns a configuration with every default filled in and no
// connectors.
func Default() *Config {
	return &Config{
		Store:     StoreConfig{Path: filepath.Join(xdg.DataHome, "syncd", "state.db"), Driver: "sqlite3"},
		Scheduler: schedule.DefaultConfig(),
		Interval:  DefaultInterval,
		LockDir:   filepath.Join(xdg.StateHome, "syncd", "locks"),
		Backup:    BackupConfig{Dir: filepath.Join(xdg.DataHome, "syncd", "backups")},
	}
}

// Load reads and validates the config file at path. Relative paths inside
// the file are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ir.NewConfigError("read config", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes and validates YAML config data.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ir.NewConfigError("parse config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.LockDir == "" {
		c.LockDir = d.LockDir
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = d.Backup.Dir
	}
	c.Scheduler = c.Scheduler.WithDefaults()
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p == ":memory:" {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Store.Path = abs(c.Store.Path)
	c.SchemaDir = abs(c.SchemaDir)
	c.LockDir = abs(c.LockDir)
	c.Backup.Dir = abs(c.Backup.Dir)
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			return ir.NewConfigError(strings.Join(msgs, "; "), err)
		}
		return ir.NewConfigError("validate config", err)
	}

	known := make(map[string]bool, len(c.Connectors))
	for _, cc := range c.Connectors {
		if known[cc.Name] {
			return ir.NewConfigError(fmt.Sprintf("duplicate connector %q", cc.Name), nil)
		}
		known[cc.Name] = true
	}

	for _, entityType := range sortedKeys(c.Priorities) {
		p := c.Priorities[entityType]
		check := func(where string, order []string) error {
			for _, name := range order {
				if !known[name] {
					return ir.NewConfigError(fmt.Sprintf("priorities.%s%s: unknown connector %q", entityType, where, name), nil)
				}
			}
			return nil
		}
		if err := check(".default", p.Default); err != nil {
			return err
		}
		for _, field := range sortedKeys(p.Fields) {
			if err := check(".fields."+field, p.Fields[field]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ConnectorNames returns the configured connector names in sorted order.
func (c *Config) ConnectorNames() []string {
	out := make([]string, len(c.Connectors))
	for i, cc := range c.Connectors {
		out[i] = cc.Name
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
