// Package config consolidates cdpkit settings from defaults, a YAML file,
// the environment and command line flags, in that order of precedence.
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

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "CDPKIT_CONFIG"

// Defaults.
const (
	DefaultEndpoint          = "127.0.0.1:9222"
	DefaultPort              = 9222
	DefaultLogLevel          = "warn"
	DefaultTimeout           = 30 * time.Second
	DefaultNavigationTimeout = 30 * time.Second
	DefaultTraceBuffer       = 1000
)

var logLevels = []string{"trace", "debug", "info", "warn", "error"}

// Config holds every cdpkit setting. Unset fields are null so layers only
// override what they actually specify.
type Config struct {
	// Endpoint is a browser websocket URL or the host:port of its
	// remote debugging server.
	Endpoint null.String `yaml:"endpoint" envconfig:"CDPKIT_ENDPOINT"`
	// Launch starts a browser instead of connecting to Endpoint.
	Launch     null.Bool   `yaml:"launch" envconfig:"CDPKIT_LAUNCH"`
	Headless   null.Bool   `yaml:"headless" envconfig:"CDPKIT_HEADLESS"`
	Port       null.Int    `yaml:"port" envconfig:"CDPKIT_PORT"`
	ChromePath null.String `yaml:"chromePath" envconfig:"CDPKIT_CHROME"`

	LogLevel  null.String `yaml:"logLevel" envconfig:"CDPKIT_LOG_LEVEL"`
	LogFilter null.String `yaml:"logFilter" envconfig:"CDPKIT_LOG_FILTER"`

	Timeout           NullDuration `yaml:"timeout" envconfig:"CDPKIT_TIMEOUT"`
	NavigationTimeout NullDuration `yaml:"navigationTimeout" envconfig:"CDPKIT_NAVIGATION_TIMEOUT"`
	TraceBuffer       null.Int     `yaml:"traceBuffer" envconfig:"CDPKIT_TRACE_BUFFER"`
}

// Default returns the built-in defaults. Its fields are not marked valid so
// they never mask a value from another layer.
func Default() Config {
	return Config{
		Endpoint:          null.NewString(DefaultEndpoint, false),
		Launch:            null.NewBool(false, false),
		Headless:          null.NewBool(true, false),
		Port:              null.NewInt(DefaultPort, false),
		LogLevel:          null.NewString(DefaultLogLevel, false),
		Timeout:           NewNullDuration(DefaultTimeout, false),
		NavigationTimeout: NewNullDuration(DefaultNavigationTimeout, false),
		TraceBuffer:       null.NewInt(DefaultTraceBuffer, false),
	}
}

// Apply returns c overridden by every valid field of cfg.
func (c Config) Apply(cfg Config) Config {
	if cfg.Endpoint.Valid {
		c.Endpoint = cfg.Endpoint
	}
	if cfg.Launch.Valid {
		c.Launch = cfg.Launch
	}
	if cfg.Headless.Valid {
		c.Headless = cfg.Headless
	}
	if cfg.Port.Valid {
		c.Port = cfg.Port
	}
	if cfg.ChromePath.Valid {
		c.ChromePath = cfg.ChromePath
	}
	if cfg.LogLevel.Valid {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogFilter.Valid {
		c.LogFilter = cfg.LogFilter
	}
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.NavigationTimeout.Valid {
		c.NavigationTimeout = cfg.NavigationTimeout
	}
	if cfg.TraceBuffer.Valid {
		c.TraceBuffer = cfg.TraceBuffer
	}
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	level := strings.ToLower(c.LogLevel.String)
	if !slices.Contains(logLevels, level) {
		return fmt.Errorf("invalid log level %q, want one of %s", c.LogLevel.String, strings.Join(logLevels, ", "))
	}
	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout.Duration)
	}
	if c.NavigationTimeout.Duration <= 0 {
		return fmt.Errorf("navigation timeout must be positive, got %s", c.NavigationTimeout.Duration)
	}
	if c.TraceBuffer.Int64 <= 0 {
		return fmt.Errorf("trace buffer must be positive, got %d", c.TraceBuffer.Int64)
	}
	if c.Launch.Bool {
		if c.Port.Int64 < 0 || c.Port.Int64 > 65535 {
			return fmt.Errorf("invalid port %d", c.Port.Int64)
		}
		return nil
	}
	if c.Endpoint.String == "" {
		return errors.New("no endpoint configured, set --endpoint or use --launch")
	}
	return nil
}

// DefaultPath returns the config file used when none is given explicitly.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cdpkit", "config.yaml")
}

// ReadFile parses a YAML config file. A missing file yields an empty Config
// unless required is set.
func ReadFile(path string, required bool) (Config, error) {
	var conf Config
	if path == "" {
		return conf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return conf, nil
		}
		return conf, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, &conf); err != nil {
		return conf, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return conf, nil
}

// Parse decodes YAML into conf. Unknown keys are an error.
func Parse(data []byte, conf *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// FromEnv reads the CDPKIT_* variables through lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	var conf Config
	if err := envconfig.Process("", &conf, lookup); err != nil {
		return conf, fmt.Errorf("invalid environment: %w", err)
	}
	return conf, nil
}

// Consolidate builds the effective configuration: defaults, then the config
// file, then the environment, then flags. path may be empty, in which case
// $CDPKIT_CONFIG or DefaultPath is used if the file exists.
func Consolidate(path string, lookup func(string) (string, bool), flags Config) (Config, error) {
	required := path != ""
	if path == "" {
		if p, ok := lookup(EnvConfigPath); ok && p != "" {
			path, required = p, true
		} else {
			path = DefaultPath()
		}
	}

	file, err := ReadFile(path, required)
	if err != nil {
		return Config{}, err
	}
	env, err := FromEnv(lookup)
	if err != nil {
		return Config{}, err
	}

	conf := Default().Apply(file).Apply(env).Apply(flags)
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}
