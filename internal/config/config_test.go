package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.App.HTTPAddr)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, cfg.Feed.Symbols)
	assert.Equal(t, []string{"mock"}, cfg.Feed.Venues)
	assert.Equal(t, 3*time.Second, cfg.Feed.Interval)
	assert.Equal(t, 5*time.Second, cfg.Feed.ErrorBackoff)
	assert.Equal(t, 10*time.Second, cfg.Feed.FetchTimeout)
	assert.Equal(t, 2*time.Second, cfg.Hub.Interval)
	assert.Equal(t, 100, cfg.Alerts.PriceWindow)
	assert.Equal(t, 1000, cfg.Alerts.HistoryLimit)
	assert.Equal(t, 10*time.Second, cfg.Notify.DeliveryTimeout)
	assert.Equal(t, 32, cfg.Notify.Concurrency)
	assert.Equal(t, "https://api.binance.com", cfg.Feed.Venue("binance").BaseURL)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FEED_SYMBOLS", "BTC/USDT, ADA/USDT,")
	t.Setenv("FEED_VENUES", "binance,coinbase")
	t.Setenv("FEED_INTERVAL", "1500ms")
	t.Setenv("FEED_BINANCE_RATE_LIMIT", "2.5")
	t.Setenv("NOTIFY_SMTP_HOST", "smtp.example.com")
	t.Setenv("NOTIFY_TELEGRAM_DEFAULT_CHAT_IDS", "123,456")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC/USDT", "ADA/USDT"}, cfg.Feed.Symbols)
	assert.Equal(t, []string{"binance", "coinbase"}, cfg.Feed.Venues)
	assert.Equal(t, 1500*time.Millisecond, cfg.Feed.Interval)
	assert.Equal(t, 2.5, cfg.Feed.Binance.RateLimit)
	assert.Equal(t, "smtp.example.com", cfg.Notify.SMTP.Host)
	assert.Equal(t, []string{"123", "456"}, cfg.Notify.Telegram.DefaultChatIDs)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
feed:
  symbols: [DOT/USDT]
  venues: [binance_ws]
hub:
  interval: 500ms
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"DOT/USDT"}, cfg.Feed.Symbols)
	assert.Equal(t, []string{"binance_ws"}, cfg.Feed.Venues)
	assert.Equal(t, 500*time.Millisecond, cfg.Hub.Interval)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no symbols", func(c *Config) { c.Feed.Symbols = nil }, "feed.symbols"},
		{"no venues", func(c *Config) { c.Feed.Venues = nil }, "feed.venues"},
		{"unknown venue", func(c *Config) { c.Feed.Venues = []string{"nyse"} }, "unknown venue"},
		{"zero interval", func(c *Config) { c.Feed.Interval = 0 }, "feed durations"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }, "kafka"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
		{"no grpc addr", func(c *Config) { c.GRPC.Addr = "" }, "grpc.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
