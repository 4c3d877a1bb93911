package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/feedsync/internal/fetch"
	"github.com/ppiankov/feedsync/internal/netstate"
	"github.com/ppiankov/feedsync/internal/policy"
	"github.com/ppiankov/feedsync/internal/render"
)

const (
	AppName           = "feedsync"
	DefaultConfigFile = "config.yaml"
	DefaultFeedURL    = "http://stackoverflow.com/feeds/tag?tagnames=android&sort=newest"
	DefaultRetainDays = 30
	DefaultFormat     = "terminal"
	DefaultTimezone   = "Local"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	Network NetworkConfig `yaml:"network"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Display DisplayConfig `yaml:"display"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Privacy PrivacyConfig `yaml:"privacy"`
}

type FeedConfig struct {
	URL   string `yaml:"url"`
	Title string `yaml:"title"`
}

type NetworkConfig struct {
	// Preference is "Wi-Fi" or "Any".
	Preference     string   `yaml:"preference"`
	IncludeSummary bool     `yaml:"include_summary"`
	ProbeInterval  Duration `yaml:"probe_interval"`
	// Interfaces maps interface names to wifi, mobile or ethernet when
	// the name prefix heuristics guess wrong.
	Interfaces map[string]string `yaml:"interfaces"`
}

type FetchConfig struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
	MaxBytes       int64    `yaml:"max_bytes"`
	UserAgent      string   `yaml:"user_agent"`
	UserAgentEnv   string   `yaml:"user_agent_env"`
}

type DisplayConfig struct {
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	Timezone string `yaml:"timezone"`
}

type StorageConfig struct {
	Path       string `yaml:"path"`
	RetainDays int    `yaml:"retain_days"`
	Disabled   bool   `yaml:"disabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PrivacyConfig struct {
	Redact RedactConfig `yaml:"redact"`
}

type RedactConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Links    bool     `yaml:"links"`
	Patterns []string `yaml:"patterns"`
}

// DefaultDir is $XDG_CONFIG_HOME/feedsync.
func DefaultDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// DefaultStoragePath is $XDG_DATA_HOME/feedsync/feedsync.db.
func DefaultStoragePath() string {
	return filepath.Join(xdg.DataHome, AppName, AppName+".db")
}

// Default returns a config with every default applied, as if loaded from
// an empty file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads config.yaml from dir, applies defaults, resolves env vars, and validates.
func Load(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	path := filepath.Join(dir, DefaultConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Feed.URL == "" {
		cfg.Feed.URL = DefaultFeedURL
	}
	if cfg.Feed.Title == "" {
		cfg.Feed.Title = render.DefaultTitle
	}
	if cfg.Network.Preference == "" {
		cfg.Network.Preference = policy.WifiLabel
	}
	if cfg.Network.ProbeInterval.Duration == 0 {
		cfg.Network.ProbeInterval.Duration = netstate.DefaultProbeInterval
	}
	if cfg.Fetch.ConnectTimeout.Duration == 0 {
		cfg.Fetch.ConnectTimeout.Duration = fetch.DefaultConnectTimeout
	}
	if cfg.Fetch.ReadTimeout.Duration == 0 {
		cfg.Fetch.ReadTimeout.Duration = fetch.DefaultReadTimeout
	}
	if cfg.Fetch.RetryBackoff.Duration == 0 {
		cfg.Fetch.RetryBackoff.Duration = fetch.DefaultRetryBackoff
	}
	if cfg.Fetch.MaxBytes == 0 {
		cfg.Fetch.MaxBytes = fetch.DefaultMaxBytes
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = fetch.DefaultUserAgent
	}
	if cfg.Display.Format == "" {
		cfg.Display.Format = DefaultFormat
	}
	if cfg.Display.Timezone == "" {
		cfg.Display.Timezone = DefaultTimezone
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath()
	}
	if cfg.Storage.RetainDays == 0 {
		cfg.Storage.RetainDays = DefaultRetainDays
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

func resolveEnv(cfg *Config) {
	if cfg.Fetch.UserAgentEnv != "" {
		if ua := os.Getenv(cfg.Fetch.UserAgentEnv); ua != "" {
			cfg.Fetch.UserAgent = ua
		}
	}
}

func validate(cfg *Config) error {
	if err := validateFeedURL(cfg.Feed.URL); err != nil {
		return fmt.Errorf("feed.url: %w", err)
	}

	if _, err := policy.ParsePreference(cfg.Network.Preference); err != nil {
		return fmt.Errorf("network.preference: %w", err)
	}
	if cfg.Network.ProbeInterval.Duration < 0 {
		return errors.New("network.probe_interval: must be positive")
	}
	if _, err := cfg.InterfaceTypes(); err != nil {
		return fmt.Errorf("network.interfaces: %w", err)
	}

	if cfg.Fetch.ConnectTimeout.Duration < 0 || cfg.Fetch.ReadTimeout.Duration < 0 {
		return errors.New("fetch: timeouts must be positive")
	}
	if cfg.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries: %d is negative", cfg.Fetch.MaxRetries)
	}
	if cfg.Fetch.MaxBytes < 0 {
		return fmt.Errorf("fetch.max_bytes: %d is negative", cfg.Fetch.MaxBytes)
	}

	switch cfg.Display.Format {
	case "html", "markdown", "json", "terminal":
		// valid
	default:
		return fmt.Errorf("display.format: unknown format %q (want html, markdown, json or terminal)", cfg.Display.Format)
	}
	if _, err := time.LoadLocation(cfg.Display.Timezone); err != nil {
		return fmt.Errorf("display.timezone: %w", err)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q (want text or json)", cfg.Log.Format)
	}

	return nil
}

func validateFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// Preferences is the network policy snapshot described by this config.
// An invalid preference string yields Wi-Fi only.
func (c *Config) Preferences() policy.Preferences {
	pref, _ := policy.ParsePreference(c.Network.Preference)
	return policy.Preferences{Network: pref, IncludeSummary: c.Network.IncludeSummary}
}

// InterfaceTypes converts network.interfaces into probe overrides.
func (c *Config) InterfaceTypes() (map[string]netstate.NetworkType, error) {
	if len(c.Network.Interfaces) == 0 {
		return nil, nil
	}
	out := make(map[string]netstate.NetworkType, len(c.Network.Interfaces))
	for name, raw := range c.Network.Interfaces {
		t, err := netstate.ParseNetworkType(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

// FetcherConfig maps the fetch section onto fetch.Config.
func (c *Config) FetcherConfig() fetch.Config {
	return fetch.Config{
		ConnectTimeout: c.Fetch.ConnectTimeout.Duration,
		ReadTimeout:    c.Fetch.ReadTimeout.Duration,
		MaxBytes:       c.Fetch.MaxBytes,
		MaxRetries:     c.Fetch.MaxRetries,
		RetryBackoff:   c.Fetch.RetryBackoff.Duration,
		UserAgent:      c.Fetch.UserAgent,
	}
}

// Location resolves display.timezone. Validation has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Display.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
