package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"market-alerts/internal/pricecache"
	"market-alerts/pkg/models"
)

// Connection is one live viewer. Send fails once the viewer is gone.
type Connection interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

const (
	MessageSnapshot = "snapshot"
	MessagePrices   = "prices"
	MessageAlert    = "alert"
)

// Message is the envelope pushed to viewers.
type Message struct {
	Type      string               `json:"type"`
	Prices    []models.Tick        `json:"prices,omitempty"`
	Alert     *models.TriggerEvent `json:"alert,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

type Config struct {
	Interval time.Duration // snapshot broadcast cadence
}

func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second}
}

// Hub keeps the set of live viewers and fans messages out to them. Slow or gone viewers
// are dropped; nothing a viewer does can stall a broadcast.
type Hub struct {
	cfg    Config
	cache  *pricecache.Cache
	conns  map[string]Connection
	mu     sync.RWMutex
	logger *zap.Logger

	broadcasts atomic.Int64
	delivered  atomic.Int64
	pruned     atomic.Int64
}

func New(cache *pricecache.Cache, cfg Config, logger *zap.Logger) *Hub {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Hub{
		cfg:    cfg,
		cache:  cache,
		conns:  make(map[string]Connection),
		logger: logger.Named("hub"),
	}
}

// Register admits conn and sends it the current cache contents. A failed welcome is
// logged; the connection stays registered until a broadcast finds it gone.
func (h *Hub) Register(conn Connection) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Debug("Viewer registered", zap.String("conn", conn.ID()), zap.Int("viewers", total))

	msg, err := encode(Message{Type: MessageSnapshot, Prices: h.cache.Snapshot(), Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("Failed to encode snapshot", zap.Error(err))
		return
	}
	if err := conn.Send(msg); err != nil {
		h.logger.Debug("Welcome snapshot not delivered", zap.String("conn", conn.ID()), zap.Error(err))
	}
}

// Unregister removes conn and closes it. Unknown or already removed connections are ignored.
func (h *Hub) Unregister(conn Connection) {
	h.mu.Lock()
	current, ok := h.conns[conn.ID()]
	if ok && current == conn {
		delete(h.conns, conn.ID())
	}
	h.mu.Unlock()

	if !ok || current != conn {
		return
	}
	conn.Close()
	h.logger.Debug("Viewer unregistered", zap.String("conn", conn.ID()))
}

// Broadcast sends msg to every registered viewer and prunes those whose send failed.
// It returns the number of successful deliveries.
func (h *Hub) Broadcast(msg []byte) int {
	h.mu.RLock()
	targets := make([]Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	var gone []Connection
	sent := 0
	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			gone = append(gone, conn)
			continue
		}
		sent++
	}

	for _, conn := range gone {
		h.Unregister(conn)
	}

	h.broadcasts.Add(1)
	h.delivered.Add(int64(sent))
	h.pruned.Add(int64(len(gone)))
	if len(gone) > 0 {
		h.logger.Debug("Pruned departed viewers", zap.Int("count", len(gone)))
	}
	return sent
}

// BroadcastSnapshot pushes the cache contents. It skips when there is nothing to send or
// nobody to send it to.
func (h *Hub) BroadcastSnapshot() int {
	if h.Count() == 0 {
		return 0
	}
	prices := h.cache.Snapshot()
	if len(prices) == 0 {
		return 0
	}

	msg, err := encode(Message{Type: MessagePrices, Prices: prices, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("Failed to encode prices", zap.Error(err))
		return 0
	}
	return h.Broadcast(msg)
}

// PublishTrigger pushes an alert to every viewer.
func (h *Hub) PublishTrigger(event *models.TriggerEvent) {
	msg, err := encode(Message{Type: MessageAlert, Alert: event, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("Failed to encode alert", zap.String("rule_id", event.RuleID), zap.Error(err))
		return
	}
	h.Broadcast(msg)
}

// Run broadcasts cache snapshots on the configured cadence until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.safeSnapshot()
		}
	}
}

func (h *Hub) safeSnapshot() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Snapshot broadcast panicked", zap.Any("panic", r))
		}
	}()
	h.BroadcastSnapshot()
}

// ConsumeTriggers forwards every event from triggers until the channel closes or ctx ends.
func (h *Hub) ConsumeTriggers(ctx context.Context, triggers <-chan *models.TriggerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-triggers:
			if !ok {
				return
			}
			h.PublishTrigger(event)
		}
	}
}

// CloseAll unregisters every viewer.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.Unregister(conn)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) GetStats() HubStats {
	return HubStats{
		Viewers:    h.Count(),
		Broadcasts: h.broadcasts.Load(),
		Delivered:  h.delivered.Load(),
		Pruned:     h.pruned.Load(),
	}
}

type HubStats struct {
	Viewers    int   `json:"viewers"`
	Broadcasts int64 `json:"broadcasts"`
	Delivered  int64 `json:"delivered"`
	Pruned     int64 `json:"pruned"`
}

func encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
