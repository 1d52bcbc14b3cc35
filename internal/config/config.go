package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tg_events/internal/domain"
)

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Polling  PollingConfig  `yaml:"polling"`
	Media    MediaConfig    `yaml:"media"`
	HTTP     HTTPConfig     `yaml:"http"`
	LogLevel string         `yaml:"log_level"`
}

type TelegramConfig struct {
	LoginMode     domain.LoginMode `yaml:"login_mode"`
	BotToken      string           `yaml:"bot_token"`
	SessionString string           `yaml:"session_string"`
	Channels      ChannelList      `yaml:"channels"`
	PreviewURL    string           `yaml:"preview_url"`
	BotAPIURL     string           `yaml:"bot_api_url"`
	Timeout       time.Duration    `yaml:"timeout"`
}

// Credential returns the secret required by mode.
func (t TelegramConfig) Credential(mode domain.LoginMode) (string, error) {
	switch mode {
	case domain.LoginModeBot:
		if t.BotToken == "" {
			return "", fmt.Errorf("%w: bot_token is required in bot login mode", domain.ErrMissingCredential)
		}
		return t.BotToken, nil
	case domain.LoginModeUser:
		if t.SessionString == "" {
			return "", fmt.Errorf("%w: session_string is required in user login mode", domain.ErrMissingCredential)
		}
		return t.SessionString, nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownLoginMode, mode)
	}
}

// ChannelList is an ordered, de-duplicated list of channel handles. It
// decodes from a YAML sequence or a comma-separated string.
type ChannelList []string

func (c *ChannelList) UnmarshalYAML(value *yaml.Node) error {
	var raw []string
	switch value.Kind {
	case yaml.ScalarNode:
		raw = strings.Split(value.Value, ",")
	case yaml.SequenceNode:
		if err := value.Decode(&raw); err != nil {
			return err
		}
	default:
		return fmt.Errorf("channels: expected string or list at line %d", value.Line)
	}
	*c = NewChannelList(raw...)
	return nil
}

func NewChannelList(items ...string) ChannelList {
	seen := make(map[string]struct{}, len(items))
	out := make(ChannelList, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres, sqlite or empty for in-memory
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Path     string `yaml:"path"`
}

// Durable reports whether a persistent store is configured.
func (d DatabaseConfig) Durable() bool {
	return d.Driver != ""
}

func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

type PollingConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	PerChannelLimit      int           `yaml:"per_channel_limit"`
	PauseBetweenChannels time.Duration `yaml:"pause_between_channels"`
	PauseBetweenMessages time.Duration `yaml:"pause_between_messages"`
}

// SweepOptions returns the options scheduled sweeps run with.
func (p PollingConfig) SweepOptions() domain.SweepOptions {
	return domain.SweepOptions{
		PerChannelLimit:      p.PerChannelLimit,
		PauseBetweenChannels: p.PauseBetweenChannels,
		PauseBetweenMessages: p.PauseBetweenMessages,
	}
}

type MediaConfig struct {
	Root        string        `yaml:"root"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse expands environment references in data and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Config{Polling: PollingConfig{Enabled: true}}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Telegram.LoginMode == "" {
		c.Telegram.LoginMode = domain.LoginModeBot
	}
	if c.Telegram.PreviewURL == "" {
		c.Telegram.PreviewURL = "https://t.me"
	}
	if c.Telegram.BotAPIURL == "" {
		c.Telegram.BotAPIURL = "https://api.telegram.org"
	}
	if c.Telegram.Timeout == 0 {
		c.Telegram.Timeout = 30 * time.Second
	}
	if c.Database.Driver == "postgres" {
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "events.db"
	}
	if c.Redis.LockKey == "" {
		c.Redis.LockKey = "tg_events:sweep"
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 10 * time.Minute
	}
	if c.RabbitMQ.URL != "" {
		if c.RabbitMQ.Exchange == "" {
			c.RabbitMQ.Exchange = "tg_events"
		}
		if c.RabbitMQ.RoutingKey == "" {
			c.RabbitMQ.RoutingKey = "events"
		}
		if c.RabbitMQ.QueueName == "" {
			c.RabbitMQ.QueueName = "event_cards"
		}
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 2 * time.Second
	}
	if c.Polling.PerChannelLimit == 0 {
		c.Polling.PerChannelLimit = 5
	}
	if c.Polling.PauseBetweenChannels == 0 {
		c.Polling.PauseBetweenChannels = max(500*time.Millisecond, c.Polling.Interval/10)
	}
	if c.Polling.PauseBetweenMessages == 0 {
		c.Polling.PauseBetweenMessages = 50 * time.Millisecond
	}
	if c.Media.Root == "" {
		c.Media.Root = "media"
	}
	if c.Media.MaxAttempts == 0 {
		c.Media.MaxAttempts = 5
	}
	if c.Media.BaseDelay == 0 {
		c.Media.BaseDelay = 400 * time.Millisecond
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// PollingReady reports whether the background scheduler can start.
func (c *Config) PollingReady() bool {
	if !c.Polling.Enabled || len(c.Telegram.Channels) == 0 {
		return false
	}
	_, err := c.Telegram.Credential(c.Telegram.LoginMode)
	return err == nil
}
