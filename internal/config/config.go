// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Session  SessionConfig  `yaml:"session"`
	Relay    RelayConfig    `yaml:"relay"`
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
	Server   ServerConfig   `yaml:"server"`
}

// StoreConfig selects the realtime store backend.
type StoreConfig struct {
	Driver        string        `yaml:"driver"` // memory, sqlite or mysql
	Path          string        `yaml:"path"`   // sqlite file
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	Database      string        `yaml:"database"`
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// CacheConfig selects the local fallback cache backend.
type CacheConfig struct {
	Backend   string `yaml:"backend"` // memory, sql or pebble
	Dir       string `yaml:"dir"`     // pebble directory
	Namespace string `yaml:"namespace"`
}

// SessionConfig holds session lifecycle timings.
type SessionConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	UnloadTimeout     time.Duration `yaml:"unload_timeout"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ReapSchedule      string        `yaml:"reap_schedule"`
}

// RelayConfig controls operator relaying.
type RelayConfig struct {
	Channel       string        `yaml:"channel"` // telegram, slack or discord
	Mode          string        `yaml:"mode"`    // poll or webhook (telegram only)
	AutoDesignate bool          `yaml:"auto_designate"`
	RecentWindow  time.Duration `yaml:"recent_window"`
	RateLimit     float64       `yaml:"rate_limit"` // notifications per second
	RateBurst     int           `yaml:"rate_burst"`
	ReplyRefs     int           `yaml:"reply_refs"`
}

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	BotToken      string        `yaml:"bot_token"`
	ChatID        string        `yaml:"chat_id"`
	APIBase       string        `yaml:"api_base"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	PollLimit     int           `yaml:"poll_limit"`
	WebhookSecret string        `yaml:"webhook_secret"`
}

// SlackConfig holds Slack credentials for the operator channel.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	AppToken  string `yaml:"app_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord credentials for the operator channel.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr       string        `yaml:"addr"`
	ClientTTL  time.Duration `yaml:"client_ttl"`
	MaxClients int           `yaml:"max_clients"`
	AdminToken string        `yaml:"admin_token"` // bearer token for /api/admin; empty leaves it open
	Welcome    string        `yaml:"welcome"`     // greeting shown when a new chat starts
}

// envOverrides maps environment variables onto secret fields.
var envOverrides = []struct {
	name  string
	field func(*Config) *string
}{
	{"TELEGRAM_BOT_TOKEN", func(c *Config) *string { return &c.Telegram.BotToken }},
	{"TELEGRAM_CHAT_ID", func(c *Config) *string { return &c.Telegram.ChatID }},
	{"TELEGRAM_WEBHOOK_SECRET", func(c *Config) *string { return &c.Telegram.WebhookSecret }},
	{"SLACK_BOT_TOKEN", func(c *Config) *string { return &c.Slack.BotToken }},
	{"SLACK_APP_TOKEN", func(c *Config) *string { return &c.Slack.AppToken }},
	{"DISCORD_BOT_TOKEN", func(c *Config) *string { return &c.Discord.BotToken }},
	{"SWITCHBOARD_DB_PASSWORD", func(c *Config) *string { return &c.Store.Password }},
	{"SWITCHBOARD_ADMIN_TOKEN", func(c *Config) *string { return &c.Server.AdminToken }},
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the configuration used when no file is present: an
// in-memory store and cache with Telegram credentials from the environment.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		// Defaults always validate; reaching here is a programming error.
		panic(err)
	}
	return cfg
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are applied before defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		if v, ok := lookup(o.name); ok && v != "" {
			*o.field(c) = v
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "switchboard.db"
	}
	if c.Store.Driver == "mysql" {
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
	}
	if c.Store.WatchInterval == 0 {
		c.Store.WatchInterval = time.Second
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Backend == "pebble" && c.Cache.Dir == "" {
		c.Cache.Dir = ".switchboard/cache"
	}
	if c.Cache.Namespace == "" {
		c.Cache.Namespace = "default"
	}

	if c.Session.InactivityTimeout == 0 {
		c.Session.InactivityTimeout = 30 * time.Minute
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = time.Minute
	}
	if c.Session.UnloadTimeout == 0 {
		c.Session.UnloadTimeout = 3 * time.Second
	}
	if c.Session.StaleAfter == 0 {
		c.Session.StaleAfter = 5 * time.Minute
	}
	if c.Session.ReapSchedule == "" {
		c.Session.ReapSchedule = "@every 1m"
	}

	if c.Relay.Channel == "" {
		c.Relay.Channel = "telegram"
	}
	if c.Relay.Mode == "" {
		c.Relay.Mode = "poll"
	}
	if c.Relay.RecentWindow == 0 {
		c.Relay.RecentWindow = 10 * time.Minute
	}
	if c.Relay.RateLimit == 0 {
		c.Relay.RateLimit = 1
	}
	if c.Relay.RateBurst == 0 {
		c.Relay.RateBurst = 20
	}
	if c.Relay.ReplyRefs == 0 {
		c.Relay.ReplyRefs = 1024
	}

	if c.Telegram.APIBase == "" {
		c.Telegram.APIBase = "https://api.telegram.org"
	}
	if c.Telegram.PollInterval == 0 {
		c.Telegram.PollInterval = 5 * time.Second
	}
	if c.Telegram.PollLimit == 0 {
		c.Telegram.PollLimit = 10
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ClientTTL == 0 {
		c.Server.ClientTTL = time.Hour
	}
	if c.Server.MaxClients == 0 {
		c.Server.MaxClients = 1024
	}
	if c.Server.Welcome == "" {
		c.Server.Welcome = "Hello! How can we help you today?"
	}
}

// validate checks that all fields are present and consistent. Missing
// credentials are not errors: the affected channel degrades to a no-op.
func (c *Config) validate() error {
	var errs []string
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Store.Database == "" {
			errs = append(errs, "store.database is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, mysql", c.Store.Driver))
	}
	switch c.Cache.Backend {
	case "memory", "pebble":
	case "sql":
		if c.Store.Driver == "memory" {
			errs = append(errs, "cache.backend sql requires a sqlite or mysql store")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.backend %q is not one of memory, sql, pebble", c.Cache.Backend))
	}
	if len(c.Cache.Namespace) > 64 {
		errs = append(errs, "cache.namespace must be at most 64 characters")
	}
	switch c.Relay.Channel {
	case "telegram", "slack", "discord":
	default:
		errs = append(errs, fmt.Sprintf("relay.channel %q is not one of telegram, slack, discord", c.Relay.Channel))
	}
	switch c.Relay.Mode {
	case "poll", "webhook":
	default:
		errs = append(errs, fmt.Sprintf("relay.mode %q is not one of poll, webhook", c.Relay.Mode))
	}
	for name, d := range map[string]time.Duration{
		"session.inactivity_timeout": c.Session.InactivityTimeout,
		"session.heartbeat_interval": c.Session.HeartbeatInterval,
		"session.unload_timeout":     c.Session.UnloadTimeout,
		"session.stale_after":        c.Session.StaleAfter,
		"relay.recent_window":        c.Relay.RecentWindow,
		"telegram.poll_interval":     c.Telegram.PollInterval,
		"store.watch_interval":       c.Store.WatchInterval,
		"server.client_ttl":          c.Server.ClientTTL,
	} {
		if d < 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.Telegram.PollLimit < 1 || c.Telegram.PollLimit > 100 {
		errs = append(errs, "telegram.poll_limit must be between 1 and 100")
	}
	if c.Relay.RateLimit < 0 {
		errs = append(errs, "relay.rate_limit must be positive")
	}
	if _, err := cron.ParseStandard(c.Session.ReapSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("session.reap_schedule: %v", err))
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TelegramConfigured reports whether both Telegram credentials are present.
func (c *Config) TelegramConfigured() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}
