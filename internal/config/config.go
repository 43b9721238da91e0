// Package config holds the on-disk configuration and its viper binding.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/uvcad/cadsync/internal/codec"
	"github.com/uvcad/cadsync/internal/utils"
)

const (
	EnvPrefix      = "CADSYNC"
	configFileName = "config"

	DefaultWorkers          = 4
	DefaultMaxDeletes       = 50
	DefaultMaxDeletePercent = 30.0
	DefaultLogLevel         = "info"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDir  = filepath.Join(home, ".cadsync")
	DefaultConfigPath = filepath.Join(DefaultConfigDir, "config.json")
	DefaultDataDir    = DefaultConfigDir
)

var (
	ErrNoLocations = errors.New("config: no location configured, set local.root, cloud.bucket or share.path")
	ErrInvalid     = errors.New("config: invalid value")
)

type LocalConfig struct {
	Root       string `json:"root,omitempty" yaml:"root,omitempty" mapstructure:"root"`
	IgnoreFile string `json:"ignore_file,omitempty" yaml:"ignore_file,omitempty" mapstructure:"ignore_file"`
}

func (c LocalConfig) Enabled() bool {
	return c.Root != ""
}

type CloudConfig struct {
	Bucket    string `json:"bucket,omitempty" yaml:"bucket,omitempty" mapstructure:"bucket"`
	Prefix    string `json:"prefix,omitempty" yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty" mapstructure:"region"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty" mapstructure:"secret_key"`
}

func (c CloudConfig) Enabled() bool {
	return c.Bucket != ""
}

type ShareConfig struct {
	Path         string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
	RequireMount bool   `json:"require_mount,omitempty" yaml:"require_mount,omitempty" mapstructure:"require_mount"`
}

func (c ShareConfig) Enabled() bool {
	return c.Path != ""
}

// SafetyConfig holds the deletion guard ceilings.
type SafetyConfig struct {
	MaxDeletes       int     `json:"max_deletes" yaml:"max_deletes" mapstructure:"max_deletes"`
	MaxDeletePercent float64 `json:"max_delete_percent" yaml:"max_delete_percent" mapstructure:"max_delete_percent"`
}

type Config struct {
	DataDir  string       `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	LogLevel string       `json:"log_level,omitempty" yaml:"log_level,omitempty" mapstructure:"log_level"`
	Workers  int          `json:"workers" yaml:"workers" mapstructure:"workers"`
	Local    LocalConfig  `json:"local" yaml:"local" mapstructure:"local"`
	Cloud    CloudConfig  `json:"cloud" yaml:"cloud" mapstructure:"cloud"`
	Share    ShareConfig  `json:"share" yaml:"share" mapstructure:"share"`
	Safety   SafetyConfig `json:"safety" yaml:"safety" mapstructure:"safety"`
	Path     string       `json:"-" yaml:"-" mapstructure:"-"`
}

// SetDefaults registers every key so AutomaticEnv can resolve nested keys and Unmarshal sees them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("local.root", "")
	v.SetDefault("local.ignore_file", "")
	v.SetDefault("cloud.bucket", "")
	v.SetDefault("cloud.prefix", "")
	v.SetDefault("cloud.region", "")
	v.SetDefault("cloud.endpoint", "")
	v.SetDefault("cloud.access_key", "")
	v.SetDefault("cloud.secret_key", "")
	v.SetDefault("share.path", "")
	v.SetDefault("share.require_mount", false)
	v.SetDefault("safety.max_deletes", DefaultMaxDeletes)
	v.SetDefault("safety.max_delete_percent", DefaultMaxDeletePercent)
}

// NewViper returns a viper instance reading CADSYNC_* environment variables, `cloud.bucket`
// maps to CADSYNC_CLOUD_BUCKET.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile points v at path, or at the default search paths when path is empty, and reads it.
// A missing config file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultConfigDir)
		v.AddConfigPath(filepath.Join(home, ".config", "cadsync"))
		v.SetConfigName(configFileName)
	}
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
		slog.Debug("config file not found, using defaults and environment", "path", path)
	}
	return nil
}

// FromViper decodes the merged file, environment and flag values.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	if cfg.Path == "" {
		cfg.Path = DefaultConfigPath
	}
	return &cfg, nil
}

// Validate checks values and resolves paths to absolute form.
func (c *Config) Validate() error {
	var err error

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("%w: data dir: %w", ErrInvalid, err)
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("%w: config path: %w", ErrInvalid, err)
		}
	}

	if c.Local.Enabled() {
		if c.Local.Root, err = utils.ResolvePath(c.Local.Root); err != nil {
			return fmt.Errorf("%w: local root: %w", ErrInvalid, err)
		}
	}
	if c.Local.IgnoreFile != "" {
		if c.Local.IgnoreFile, err = utils.ResolvePath(c.Local.IgnoreFile); err != nil {
			return fmt.Errorf("%w: ignore file: %w", ErrInvalid, err)
		}
	}
	if c.Share.Enabled() {
		if c.Share.Path, err = utils.ResolvePath(c.Share.Path); err != nil {
			return fmt.Errorf("%w: share path: %w", ErrInvalid, err)
		}
	}
	if c.Local.Enabled() && c.Share.Enabled() && c.Local.Root == c.Share.Path {
		return fmt.Errorf("%w: local root and share path are the same directory", ErrInvalid)
	}

	if c.Cloud.Enabled() {
		c.Cloud.Prefix = strings.Trim(c.Cloud.Prefix, "/")
		if (c.Cloud.AccessKey == "") != (c.Cloud.SecretKey == "") {
			return fmt.Errorf("%w: cloud access_key and secret_key must be set together", ErrInvalid)
		}
	}

	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalid, c.Workers)
	}
	if c.Safety.MaxDeletes < 0 {
		return fmt.Errorf("%w: safety.max_deletes must not be negative, got %d", ErrInvalid, c.Safety.MaxDeletes)
	}
	if c.Safety.MaxDeletePercent < 0 || c.Safety.MaxDeletePercent > 100 {
		return fmt.Errorf("%w: safety.max_delete_percent must be within 0..100, got %g", ErrInvalid, c.Safety.MaxDeletePercent)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if !c.Local.Enabled() && !c.Cloud.Enabled() && !c.Share.Enabled() {
		return ErrNoLocations
	}
	return nil
}

// Save writes the config as JSON. Secrets are written as given; the file is created 0600.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.Path
	}
	if path == "" {
		path = DefaultConfigPath
	}
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := codec.EncodeJSON(f, c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Cloud.AccessKey != "" {
		cp.Cloud.AccessKey = utils.MaskSecret(cp.Cloud.AccessKey)
	}
	if cp.Cloud.SecretKey != "" {
		cp.Cloud.SecretKey = utils.MaskSecret(cp.Cloud.SecretKey)
	}
	return &cp
}

// ParseLogLevel accepts debug, info, warn and error. Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}
