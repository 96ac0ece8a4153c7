package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"slotcal/internal/availability"
	"slotcal/internal/ics"
)

// Environment variables that override the file.
const (
	EnvListen    = "SLOTCAL_LISTEN"
	EnvLogLevel  = "SLOTCAL_LOG_LEVEL"
	EnvRedisAddr = "SLOTCAL_REDIS_ADDR"
	EnvTimezone  = "SLOTCAL_DEFAULT_TIMEZONE"
)

// SourceConfig describes one external calendar feed to poll.
type SourceConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
	// TimeZone applies to floating times in the feed. Empty means
	// default_timezone.
	TimeZone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// CursorStoreConfig selects where feed cursors and busy entries live.
type CursorStoreConfig struct {
	// Kind is "memory", "file" or "redis".
	Kind      string `yaml:"kind" json:"kind"`
	Dir       string `yaml:"dir,omitempty" json:"dir,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisDB   int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
}

type PollConfig struct {
	// Concurrency bounds simultaneous fetches.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// RatePerSecond paces fetch starts across all sources.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// MaxBackoff caps the delay after repeated retriable failures.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// BusyPaddingConfig widens every busy block before it is subtracted.
type BusyPaddingConfig struct {
	Before time.Duration `yaml:"before" json:"before"`
	After  time.Duration `yaml:"after" json:"after"`
}

// FeedConfig controls outbound feed subscription URLs.
type FeedConfig struct {
	// PublicBaseURL is the externally visible origin, e.g.
	// "https://slots.example.com". Empty disables subscription URLs.
	PublicBaseURL string `yaml:"public_base_url,omitempty" json:"public_base_url,omitempty"`
	// Path is a template with a "{token}" placeholder.
	Path string `yaml:"path" json:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// DefaultTimezone is used for floating feed times and for exceptions
	// whose subject has no rule zone.
	DefaultTimezone string `yaml:"default_timezone" json:"default_timezone"`

	// RefreshCron is a standard five-field cron spec (e.g. "*/15 * * * *")
	// driving feed polls.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	MaxFeedBytes int64         `yaml:"max_feed_bytes" json:"max_feed_bytes"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// MaxRangeDays rejects slot windows longer than this many days.
	MaxRangeDays int `yaml:"max_range_days" json:"max_range_days"`
	// MaxSlots is the cap used when a request gives none.
	MaxSlots int `yaml:"max_slots" json:"max_slots"`
	// ExpandHorizonDays is how far ahead recurring feed events are expanded.
	ExpandHorizonDays int `yaml:"expand_horizon_days" json:"expand_horizon_days"`

	// ExceptionPrecedence is "available_wins" (default) or "unavailable_wins".
	ExceptionPrecedence string `yaml:"exception_precedence" json:"exception_precedence"`

	// RoleDefaults apply to "available" exceptions with no matching rule.
	RoleDefaults availability.Defaults `yaml:"role_defaults" json:"role_defaults"`
	BusyPadding  BusyPaddingConfig     `yaml:"busy_padding" json:"busy_padding"`
	Feed         FeedConfig            `yaml:"feed" json:"feed"`

	Sources     []SourceConfig    `yaml:"sources" json:"sources"`
	CursorStore CursorStoreConfig `yaml:"cursor_store" json:"cursor_store"`
	Poll        PollConfig        `yaml:"poll" json:"poll"`
	Log         LogConfig         `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "UTC"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.MaxFeedBytes <= 0 {
		c.MaxFeedBytes = 5_000_000
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.MaxRangeDays <= 0 {
		c.MaxRangeDays = availability.DefaultMaxRangeDays
	}
	if c.MaxSlots <= 0 {
		c.MaxSlots = availability.DefaultMaxSlots
	}
	if c.ExpandHorizonDays <= 0 {
		c.ExpandHorizonDays = 90
	}
	if c.ExceptionPrecedence == "" {
		c.ExceptionPrecedence = string(availability.AvailableWins)
	}
	if c.RoleDefaults == (availability.Defaults{}) {
		c.RoleDefaults = availability.DefaultRoleDefaults()
	}
	if c.Feed.Path == "" {
		c.Feed.Path = ics.DefaultFeedPath
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	if c.CursorStore.Kind == "" {
		c.CursorStore.Kind = "memory"
	}
	if c.CursorStore.Kind == "file" && c.CursorStore.Dir == "" {
		c.CursorStore.Dir = "./var/feeds"
	}
	if c.CursorStore.KeyPrefix == "" {
		c.CursorStore.KeyPrefix = "slotcal:feed:"
	}
	if c.Poll.Concurrency <= 0 {
		c.Poll.Concurrency = 4
	}
	if c.Poll.RatePerSecond <= 0 {
		c.Poll.RatePerSecond = 2
	}
	if c.Poll.MaxBackoff <= 0 {
		c.Poll.MaxBackoff = time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("default_timezone %q: %w", c.DefaultTimezone, err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("refresh %q: %w", c.RefreshCron, err)
	}
	if _, err := availability.ParsePrecedence(c.ExceptionPrecedence); err != nil {
		return err
	}
	if c.BusyPadding.Before < 0 || c.BusyPadding.After < 0 {
		return errors.New("busy_padding: durations must not be negative")
	}
	if c.Feed.PublicBaseURL != "" {
		if _, err := ics.FeedURL(c.Feed.PublicBaseURL, "check", c.Feed.Path); err != nil {
			return fmt.Errorf("feed: %w", err)
		}
	}
	switch c.CursorStore.Kind {
	case "memory", "file":
	case "redis":
		if c.CursorStore.RedisAddr == "" {
			return errors.New("cursor_store.redis_addr is required for kind redis")
		}
	default:
		return fmt.Errorf("cursor_store.kind %q: expected memory, file or redis", c.CursorStore.Kind)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("sources[%d]: id and url are required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.TimeZone != "" {
			if _, err := time.LoadLocation(s.TimeZone); err != nil {
				return fmt.Errorf("sources[%d].timezone %q: %w", i, s.TimeZone, err)
			}
		}
	}
	return nil
}

// LoadEnv reads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides file settings from SLOTCAL_* variables.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		c.CursorStore.RedisAddr = v
		c.CursorStore.Kind = "redis"
	}
	if v := strings.TrimSpace(os.Getenv(EnvTimezone)); v != "" {
		c.DefaultTimezone = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there with
//     0600 perms and returned.
//   - Otherwise the YAML is decoded and defaults are filled in.
//
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			err := Save(path, cfg)
			cfg.ApplyEnv()
			cfg.Normalize()
			return cfg, err
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.ApplyEnv()
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename, 0600).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".slotcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
