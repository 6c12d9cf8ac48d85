package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/courier/internal/models"
)

// Config is the main configuration structure
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Campaign    CampaignConfig    `yaml:"campaign"`
	Series      SeriesConfig      `yaml:"series"`
	Pollers     PollersConfig     `yaml:"pollers"`
	Channels    ChannelsConfig    `yaml:"channels"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Records     RecordsConfig     `yaml:"records"`
	Pending     PendingConfig     `yaml:"pending"`
	Notify      NotifyConfig      `yaml:"notify"`
	Sentry      SentryConfig      `yaml:"sentry"`
	Personalize PersonalizeConfig `yaml:"personalize"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// EngineConfig contains engine state settings
type EngineConfig struct {
	Path           string        `yaml:"path"`            // bbolt database file
	ClaimTimeout   time.Duration `yaml:"claim_timeout"`   // Claims older than this are released (default: 30m)
	ReaperInterval time.Duration `yaml:"reaper_interval"` // How often stale claims are checked (default: 5m)
}

// CampaignConfig contains campaign processor settings
type CampaignConfig struct {
	Workers     int           `yaml:"workers"`
	SendTimeout time.Duration `yaml:"send_timeout"` // Per-recipient delivery timeout
}

// SeriesConfig contains series step settings
type SeriesConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// PollerConfig contains the schedule of one poller family
type PollerConfig struct {
	Disabled    bool          `yaml:"disabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// PollersConfig contains all poller families
type PollersConfig struct {
	Campaigns   PollerConfig `yaml:"campaigns"`
	Templates   PollerConfig `yaml:"templates"`
	Automations PollerConfig `yaml:"automations"`
	Series      PollerConfig `yaml:"series"`
	Broadcasts  PollerConfig `yaml:"broadcasts"`
}

// ChannelsConfig contains delivery adapter settings
type ChannelsConfig struct {
	// Sandbox replaces every adapter with one that only logs
	Sandbox  bool           `yaml:"sandbox"`
	Email    EmailConfig    `yaml:"email"`
	Twilio   TwilioConfig   `yaml:"twilio"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// EmailConfig contains relay settings
type EmailConfig struct {
	Host               string     `yaml:"host"`
	Port               int        `yaml:"port"`
	Username           string     `yaml:"username"`
	Password           string     `yaml:"password"`
	From               string     `yaml:"from"`
	FromName           string     `yaml:"from_name"`
	TLSMode            string     `yaml:"tls_mode"` // none, starttls, tls
	InsecureSkipVerify bool       `yaml:"insecure_skip_verify"`
	Hostname           string     `yaml:"hostname"`
	DKIM               DKIMConfig `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// TwilioConfig contains sms and voice provider settings
type TwilioConfig struct {
	AccountSID   string        `yaml:"account_sid"`
	AuthToken    string        `yaml:"auth_token"`
	From         string        `yaml:"from"`
	BaseURL      string        `yaml:"base_url"`
	AssistantURL string        `yaml:"assistant_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// TelegramConfig contains chat bot settings
type TelegramConfig struct {
	Token   string        `yaml:"token"`
	APIURL  string        `yaml:"api_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig contains per-channel delivery limits
type RateLimitConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	FlushInterval time.Duration          `yaml:"flush_interval"`
	Channels      map[string]LimitValues `yaml:"channels"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	PerSecond      float64 `yaml:"per_second"`
	Burst          int     `yaml:"burst"`
	MessagesPerDay int     `yaml:"messages_per_day"`
}

// RecordsConfig contains business database settings
type RecordsConfig struct {
	Driver      string `yaml:"driver"` // sqlite3, postgres
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// PendingConfig contains pending-action store settings
type PendingConfig struct {
	Backend  string        `yaml:"backend"` // bolt, redis
	RedisURL string        `yaml:"redis_url"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// NotifyConfig contains completion notification settings
type NotifyConfig struct {
	Backend string     `yaml:"backend"` // log, amqp, none
	AMQP    AMQPConfig `yaml:"amqp"`
}

// AMQPConfig contains broker settings
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// SentryConfig contains error reporting settings
type SentryConfig struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// PersonalizeConfig contains content personalization settings
type PersonalizeConfig struct {
	Mode     string        `yaml:"mode"` // template, http, none
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"` // Plain key or bcrypt hash
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`   // Optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load loads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func pollerDefaults(p *PollerConfig, interval time.Duration, concurrency int) {
	if p.Interval == 0 {
		p.Interval = interval
	}
	if p.Concurrency == 0 {
		p.Concurrency = concurrency
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Engine.Path == "" {
		c.Engine.Path = "/var/lib/courier/engine.db"
	}
	if c.Engine.ClaimTimeout == 0 {
		c.Engine.ClaimTimeout = 30 * time.Minute
	}
	if c.Engine.ReaperInterval == 0 {
		c.Engine.ReaperInterval = 5 * time.Minute
	}

	if c.Campaign.Workers == 0 {
		c.Campaign.Workers = 4
	}
	if c.Campaign.SendTimeout == 0 {
		c.Campaign.SendTimeout = 2 * time.Minute
	}

	if c.Series.MaxAttempts == 0 {
		c.Series.MaxAttempts = 3
	}
	if c.Series.RetryDelay == 0 {
		c.Series.RetryDelay = time.Hour
	}

	pollerDefaults(&c.Pollers.Campaigns, time.Minute, 2)
	pollerDefaults(&c.Pollers.Templates, time.Minute, 2)
	pollerDefaults(&c.Pollers.Automations, 15*time.Minute, 4)
	pollerDefaults(&c.Pollers.Series, 15*time.Minute, 4)
	pollerDefaults(&c.Pollers.Broadcasts, time.Minute, 1)

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Records.Driver == "" {
		c.Records.Driver = "sqlite3"
	}
	if c.Records.DSN == "" && c.Records.Driver == "sqlite3" {
		c.Records.DSN = "/var/lib/courier/records.db"
	}

	if c.Pending.Backend == "" {
		c.Pending.Backend = "bolt"
	}
	if c.Pending.TTL == 0 {
		c.Pending.TTL = 5 * time.Minute
	}

	if c.Notify.Backend == "" {
		c.Notify.Backend = "log"
	}

	if c.Personalize.Mode == "" {
		c.Personalize.Mode = "template"
	}
	if c.Personalize.Timeout == 0 {
		c.Personalize.Timeout = 10 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Engine.Path == "" {
		return fmt.Errorf("engine.path is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	switch c.Records.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid records.driver: %s (must be sqlite3 or postgres)", c.Records.Driver)
	}
	if c.Records.DSN == "" {
		return fmt.Errorf("records.dsn is required")
	}

	if c.Campaign.Workers < 1 {
		return fmt.Errorf("campaign.workers must be at least 1")
	}
	if c.Series.MaxAttempts < 1 {
		return fmt.Errorf("series.max_attempts must be at least 1")
	}

	if err := c.validatePollers(); err != nil {
		return err
	}

	if err := c.validateChannels(); err != nil {
		return err
	}

	if err := c.validateRateLimit(); err != nil {
		return err
	}

	switch c.Pending.Backend {
	case "bolt":
	case "redis":
		if c.Pending.RedisURL == "" {
			return fmt.Errorf("pending.redis_url is required when backend is redis")
		}
	default:
		return fmt.Errorf("invalid pending.backend: %s (must be bolt or redis)", c.Pending.Backend)
	}

	switch c.Notify.Backend {
	case "log", "none":
	case "amqp":
		if c.Notify.AMQP.URL == "" {
			return fmt.Errorf("notify.amqp.url is required when backend is amqp")
		}
	default:
		return fmt.Errorf("invalid notify.backend: %s (must be log, amqp, or none)", c.Notify.Backend)
	}

	switch c.Personalize.Mode {
	case "template", "none":
	case "http":
		if c.Personalize.Endpoint == "" {
			return fmt.Errorf("personalize.endpoint is required when mode is http")
		}
	default:
		return fmt.Errorf("invalid personalize.mode: %s (must be template, http, or none)", c.Personalize.Mode)
	}

	if c.Sentry.SampleRate < 0 || c.Sentry.SampleRate > 1 {
		return fmt.Errorf("sentry.sample_rate must be between 0 and 1")
	}

	if c.API.Enabled && c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required when the API is enabled")
	}

	return nil
}

func (c *Config) validatePollers() error {
	families := map[string]PollerConfig{
		"campaigns":   c.Pollers.Campaigns,
		"templates":   c.Pollers.Templates,
		"automations": c.Pollers.Automations,
		"series":      c.Pollers.Series,
		"broadcasts":  c.Pollers.Broadcasts,
	}
	for name, p := range families {
		if p.Interval < time.Second {
			return fmt.Errorf("pollers.%s.interval must be at least 1s", name)
		}
		if p.Concurrency < 1 {
			return fmt.Errorf("pollers.%s.concurrency must be at least 1", name)
		}
	}
	return nil
}

// validateChannels checks adapter settings. Missing credentials are not an
// error: the adapter then fails each delivery with a clear message.
func (c *Config) validateChannels() error {
	switch c.Channels.Email.TLSMode {
	case "", "none", "starttls", "tls":
	default:
		return fmt.Errorf("invalid channels.email.tls_mode: %s (must be none, starttls, or tls)", c.Channels.Email.TLSMode)
	}

	dkim := c.Channels.Email.DKIM
	if dkim.Enabled {
		if dkim.Selector == "" {
			return fmt.Errorf("channels.email.dkim.selector is required when DKIM is enabled")
		}
		if dkim.KeyFile == "" {
			return fmt.Errorf("channels.email.dkim.key_file is required when DKIM is enabled")
		}
		if dkim.Domain == "" {
			return fmt.Errorf("channels.email.dkim.domain is required when DKIM is enabled")
		}
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	for name, l := range c.RateLimit.Channels {
		if !models.Channel(name).Valid() {
			return fmt.Errorf("rate_limit.channels: unknown channel %q", name)
		}
		if l.PerSecond < 0 || l.Burst < 0 || l.MessagesPerDay < 0 {
			return fmt.Errorf("rate_limit.channels.%s: limits must not be negative", name)
		}
	}
	return nil
}
