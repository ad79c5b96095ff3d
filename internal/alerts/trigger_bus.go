package alerts

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"market-alerts/pkg/models"
)

type TriggerSubscriber struct {
	ID          string
	TriggerChan chan *models.TriggerEvent
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewTriggerSubscriber(id string, bufferSize int) *TriggerSubscriber {
	ctx, cancel := context.WithCancel(context.Background())

	return &TriggerSubscriber{
		ID:          id,
		TriggerChan: make(chan *models.TriggerEvent, bufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (ts *TriggerSubscriber) Close() {
	ts.cancel()
	close(ts.TriggerChan)
}

// DropHandler observes a dropped trigger. subscriberID is empty when the bus itself was full.
// It runs on the publishing or distributing goroutine and must not call back into the bus.
type DropHandler func(subscriberID string, trigger *models.TriggerEvent)

// TriggerBus fans trigger events out to every subscriber. Publishing never blocks the
// engine: a full bus or a full subscriber buffer drops the event with a warning and
// reports it to the drop handler.
type TriggerBus struct {
	subscribers map[string]*TriggerSubscriber
	mu          sync.RWMutex
	triggerChan chan *models.TriggerEvent
	stopChan    chan struct{}
	running     bool
	wg          sync.WaitGroup
	logger      *zap.Logger
	onDrop      DropHandler

	published atomic.Int64
	dropped   atomic.Int64 // bus full or subscriber buffer full
}

func NewTriggerBus(logger *zap.Logger) *TriggerBus {
	return &TriggerBus{
		subscribers: make(map[string]*TriggerSubscriber),
		triggerChan: make(chan *models.TriggerEvent, 1000),
		stopChan:    make(chan struct{}),
		logger:      logger.Named("trigger_bus"),
	}
}

func (tb *TriggerBus) Start(ctx context.Context) error {
	tb.mu.Lock()
	if tb.running {
		tb.mu.Unlock()
		return nil
	}
	tb.running = true
	tb.mu.Unlock()

	tb.wg.Add(1)
	go tb.distributeTriggers(ctx)
	return nil
}

func (tb *TriggerBus) Stop() {
	tb.mu.Lock()
	if !tb.running {
		tb.mu.Unlock()
		return
	}
	tb.running = false
	close(tb.stopChan)
	tb.mu.Unlock()

	tb.wg.Wait()

	tb.mu.Lock()
	defer tb.mu.Unlock()
	for id, subscriber := range tb.subscribers {
		subscriber.Close()
		delete(tb.subscribers, id)
	}
}

func (tb *TriggerBus) OnDrop(fn DropHandler) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.onDrop = fn
}

func (tb *TriggerBus) Subscribe(subscriberID string, bufferSize int) *TriggerSubscriber {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if existing, exists := tb.subscribers[subscriberID]; exists {
		existing.Close()
	}

	subscriber := NewTriggerSubscriber(subscriberID, bufferSize)
	tb.subscribers[subscriberID] = subscriber

	return subscriber
}

func (tb *TriggerBus) Unsubscribe(subscriberID string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if subscriber, exists := tb.subscribers[subscriberID]; exists {
		subscriber.Close()
		delete(tb.subscribers, subscriberID)
	}
}

func (tb *TriggerBus) Publish(trigger *models.TriggerEvent) {
	select {
	case tb.triggerChan <- trigger:
		tb.published.Add(1)
	default:
		tb.dropped.Add(1)
		tb.logger.Warn("Dropping trigger, bus full",
			zap.String("rule_id", trigger.RuleID), zap.String("symbol", trigger.Symbol))

		tb.mu.RLock()
		onDrop := tb.onDrop
		tb.mu.RUnlock()
		if onDrop != nil {
			onDrop("", trigger)
		}
	}
}

func (tb *TriggerBus) GetSubscriberCount() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.subscribers)
}

func (tb *TriggerBus) distributeTriggers(ctx context.Context) {
	defer tb.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tb.stopChan:
			return
		case trigger := <-tb.triggerChan:
			tb.fanOutTrigger(trigger)
		}
	}
}

func (tb *TriggerBus) fanOutTrigger(trigger *models.TriggerEvent) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	for _, subscriber := range tb.subscribers {
		select {
		case subscriber.TriggerChan <- trigger:
		case <-subscriber.ctx.Done():
		default:
			tb.dropped.Add(1)
			tb.logger.Warn("Subscriber buffer full, trigger dropped",
				zap.String("subscriber", subscriber.ID), zap.String("rule_id", trigger.RuleID))
			if tb.onDrop != nil {
				tb.onDrop(subscriber.ID, trigger)
			}
		}
	}
}

func (tb *TriggerBus) GetStats() TriggerBusStats {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	return TriggerBusStats{
		Running:         tb.running,
		SubscriberCount: len(tb.subscribers),
		QueuedTriggers:  len(tb.triggerChan),
		Published:       tb.published.Load(),
		Dropped:         tb.dropped.Load(),
	}
}

type TriggerBusStats struct {
	Running         bool  `json:"running"`
	SubscriberCount int   `json:"subscriber_count"`
	QueuedTriggers  int   `json:"queued_triggers"`
	Published       int64 `json:"published"`
	Dropped         int64 `json:"dropped"`
}
