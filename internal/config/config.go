// Package config loads termlink settings. Values come from, in increasing
// precedence: built-in defaults, ~/.termlink/config.yaml, TERMLINK_*
// environment variables, and command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting of the CLI.
type Config struct {
	// URL is the backend's websocket endpoint, e.g. wss://host/control.
	URL string `yaml:"url"`

	// Token is presented as a bearer token when dialling.
	Token string `yaml:"token"`

	// Insecure skips TLS certificate verification. Development only.
	Insecure bool `yaml:"insecure"`

	RetryDelay       time.Duration `yaml:"retry_delay"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	KeepAlive        time.Duration `yaml:"keepalive"`

	// Listen is the address of the web front end.
	Listen string `yaml:"listen"`

	// DataDir holds the session history database.
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		RetryDelay:       5 * time.Second,
		CallTimeout:      30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		KeepAlive:        30 * time.Second,
		Listen:           "127.0.0.1:8800",
		DataDir:          DefaultDataDir(),
		LogLevel:         "info",
	}
}

// DefaultDataDir returns ~/.termlink, or .termlink when the home directory
// is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".termlink"
	}
	return filepath.Join(home, ".termlink")
}

// DefaultPath returns the config file consulted when no path is given.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load returns the defaults overlaid with the file at path and then the
// environment. A missing file is not an error. An empty path means
// DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays TERMLINK_* variables. lookup is os.LookupEnv outside
// tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TERMLINK_URL"); ok {
		c.URL = v
	}
	if v, ok := lookup("TERMLINK_TOKEN"); ok {
		c.Token = v
	}
	if v, ok := lookup("TERMLINK_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("TERMLINK_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := lookup("TERMLINK_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := lookup("TERMLINK_INSECURE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TERMLINK_INSECURE: %w", err)
		}
		c.Insecure = b
	}
	for name, dst := range map[string]*time.Duration{
		"TERMLINK_RETRY_DELAY":  &c.RetryDelay,
		"TERMLINK_CALL_TIMEOUT": &c.CallTimeout,
	} {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks the settings needed to dial. The web front end and the
// history listing can run without a URL, so callers that dial must call
// ValidateDial as well.
func (c *Config) Validate() error {
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %s", c.RetryDelay)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative, got %s", c.CallTimeout)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative, got %s", c.HandshakeTimeout)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// ValidateDial checks URL in addition to Validate.
func (c *Config) ValidateDial() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.URL == "" {
		return errors.New("url is required (set it in the config file, TERMLINK_URL or --url)")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url: scheme must be ws or wss, got %q", u.Scheme)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
