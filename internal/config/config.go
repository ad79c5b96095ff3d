package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the server and CLI.
type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Log    LogConfig    `mapstructure:"log"`
	Feed   FeedConfig   `mapstructure:"feed"`
	Hub    HubConfig    `mapstructure:"hub"`
	Alerts AlertsConfig `mapstructure:"alerts"`
	Notify NotifyConfig `mapstructure:"notify"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	GRPC   GRPCConfig   `mapstructure:"grpc"`
}

type AppConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	Env             string        `mapstructure:"env"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type FeedConfig struct {
	Symbols      []string      `mapstructure:"symbols"`
	Venues       []string      `mapstructure:"venues"` // venue kinds, in polling order
	Interval     time.Duration `mapstructure:"interval"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`

	Mock      VenueConfig `mapstructure:"mock"`
	Binance   VenueConfig `mapstructure:"binance"`
	BinanceWS VenueConfig `mapstructure:"binance_ws"`
	Coinbase  VenueConfig `mapstructure:"coinbase"`
}

type VenueConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	Burst       int     `mapstructure:"burst"`
	FailureRate float64 `mapstructure:"failure_rate"`
}

// Venue returns the options for a venue kind.
func (f FeedConfig) Venue(kind string) VenueConfig {
	switch kind {
	case "mock":
		return f.Mock
	case "binance":
		return f.Binance
	case "binance_ws":
		return f.BinanceWS
	case "coinbase":
		return f.Coinbase
	default:
		return VenueConfig{}
	}
}

type HubConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type AlertsConfig struct {
	Workers      int `mapstructure:"workers"`
	QueueSize    int `mapstructure:"queue_size"`
	PriceWindow  int `mapstructure:"price_window"`
	HistoryLimit int `mapstructure:"history_limit"`
}

type NotifyConfig struct {
	DeliveryTimeout time.Duration  `mapstructure:"delivery_timeout"`
	Concurrency     int            `mapstructure:"concurrency"`
	SMTP            SMTPConfig     `mapstructure:"smtp"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

type SMTPConfig struct {
	Host      string   `mapstructure:"host"`
	Port      int      `mapstructure:"port"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	From      string   `mapstructure:"from"`
	DefaultTo []string `mapstructure:"default_to"`
}

type TelegramConfig struct {
	Token          string   `mapstructure:"token"`
	APIURL         string   `mapstructure:"api_url"`
	DefaultChatIDs []string `mapstructure:"default_chat_ids"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

var defaults = map[string]any{
	"app.http_addr":        ":8080",
	"app.env":              "local",
	"app.shutdown_timeout": 10 * time.Second,

	"log.level":  "info",
	"log.format": "json",

	"feed.symbols":       []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
	"feed.venues":        []string{"mock"},
	"feed.interval":      3 * time.Second,
	"feed.error_backoff": 5 * time.Second,
	"feed.fetch_timeout": 10 * time.Second,
	"feed.concurrency":   4,

	"feed.mock.base_url":           "",
	"feed.mock.rate_limit":         0.0,
	"feed.mock.burst":              0,
	"feed.mock.failure_rate":       0.0,
	"feed.binance.base_url":        "https://api.binance.com",
	"feed.binance.rate_limit":      10.0,
	"feed.binance.burst":           5,
	"feed.binance.failure_rate":    0.0,
	"feed.binance_ws.base_url":     "wss://stream.binance.com:9443",
	"feed.binance_ws.rate_limit":   0.0,
	"feed.binance_ws.burst":        0,
	"feed.binance_ws.failure_rate": 0.0,
	"feed.coinbase.base_url":       "https://api.exchange.coinbase.com",
	"feed.coinbase.rate_limit":     5.0,
	"feed.coinbase.burst":          2,
	"feed.coinbase.failure_rate":   0.0,

	"hub.interval": 2 * time.Second,

	"alerts.workers":       4,
	"alerts.queue_size":    1000,
	"alerts.price_window":  100,
	"alerts.history_limit": 1000,

	"notify.delivery_timeout":          10 * time.Second,
	"notify.concurrency":               32,
	"notify.smtp.host":                 "",
	"notify.smtp.port":                 587,
	"notify.smtp.username":             "",
	"notify.smtp.password":             "",
	"notify.smtp.from":                 "",
	"notify.smtp.default_to":           []string{},
	"notify.telegram.token":            "",
	"notify.telegram.api_url":          "https://api.telegram.org",
	"notify.telegram.default_chat_ids": []string{},

	"redis.enabled":  false,
	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,
	"redis.ttl":      time.Minute,

	"kafka.enabled": false,
	"kafka.brokers": []string{"localhost:9092"},
	"kafka.topic":   "alert_triggers",

	"grpc.addr": ":50051",
}

// Load reads configuration from .env, the environment, an optional file named by
// CONFIG_FILE and defaults, in that order of precedence (environment first), then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	// "feed.interval" -> FEED_INTERVAL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key := range defaults {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	cfg.Feed.Symbols = compact(cfg.Feed.Symbols)
	cfg.Feed.Venues = compact(cfg.Feed.Venues)
	cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)
	cfg.Notify.SMTP.DefaultTo = compact(cfg.Notify.SMTP.DefaultTo)
	cfg.Notify.Telegram.DefaultChatIDs = compact(cfg.Notify.Telegram.DefaultChatIDs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var knownVenues = map[string]bool{"mock": true, "binance": true, "binance_ws": true, "coinbase": true}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Feed.Symbols) == 0 {
		errs = append(errs, errors.New("feed.symbols cannot be empty"))
	}
	if len(c.Feed.Venues) == 0 {
		errs = append(errs, errors.New("feed.venues cannot be empty"))
	}
	for _, kind := range c.Feed.Venues {
		if !knownVenues[kind] {
			errs = append(errs, fmt.Errorf("feed.venues: unknown venue %q", kind))
		}
	}
	if c.Feed.Interval <= 0 || c.Feed.FetchTimeout <= 0 || c.Feed.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("feed durations must be positive"))
	}
	if c.Hub.Interval <= 0 {
		errs = append(errs, errors.New("hub.interval must be positive"))
	}
	if c.Alerts.PriceWindow <= 0 || c.Alerts.HistoryLimit <= 0 {
		errs = append(errs, errors.New("alerts.price_window and alerts.history_limit must be positive"))
	}
	if c.Notify.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("notify.delivery_timeout must be positive"))
	}
	if c.Notify.Concurrency <= 0 {
		errs = append(errs, errors.New("notify.concurrency must be positive"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka brokers and topic are required when kafka is enabled"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc.addr cannot be empty"))
	}

	return errors.Join(errs...)
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
