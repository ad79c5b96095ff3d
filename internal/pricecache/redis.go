package pricecache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"market-alerts/pkg/models"
)

const (
	keyPrefix     = "latest:"
	channelPrefix = "prices."
)

// RedisMirror copies every fresh tick into Redis so out-of-process readers can see
// the latest prices: a SET under latest:<symbol> and a PUBLISH on prices.<symbol>.
type RedisMirror struct {
	client  redis.UniversalClient
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisMirror(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{
		client:  client,
		ttl:     ttl,
		timeout: 2 * time.Second,
		logger:  logger.Named("redis_mirror"),
	}
}

// HandleTick writes the tick; failures are logged and never returned to the feed loop.
func (m *RedisMirror) HandleTick(tick models.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.Write(ctx, tick); err != nil {
		m.logger.Warn("Mirror write failed", zap.String("symbol", tick.Symbol), zap.Error(err))
	}
}

func (m *RedisMirror) Write(ctx context.Context, tick models.Tick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return err
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, keyPrefix+tick.Symbol, payload, m.ttl)
	pipe.Publish(ctx, channelPrefix+tick.Symbol, payload)
	_, err = pipe.Exec(ctx)
	return err
}

// Latest reads a mirrored tick back; ok is false when the key is absent.
func (m *RedisMirror) Latest(ctx context.Context, symbol string) (models.Tick, bool, error) {
	raw, err := m.client.Get(ctx, keyPrefix+symbol).Bytes()
	if err == redis.Nil {
		return models.Tick{}, false, nil
	}
	if err != nil {
		return models.Tick{}, false, err
	}

	var tick models.Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return models.Tick{}, false, err
	}
	return tick, true, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
