package pubsub

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"market-alerts/pkg/models"
)

// Subscriber receives ticks for the symbols it asked for; an empty set means every symbol.
type Subscriber struct {
	ID       string
	TickChan chan models.Tick
	symbols  map[string]bool
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewSubscriber(id string, symbols []string, bufferSize int) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())

	return &Subscriber{
		ID:       id,
		TickChan: make(chan models.Tick, bufferSize),
		symbols:  symbolSet(symbols),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Subscriber) Close() {
	s.cancel()
	close(s.TickChan)
}

func (s *Subscriber) IsInterestedIn(symbol string) bool {
	return len(s.symbols) == 0 || s.symbols[symbol]
}

// Broker fans price ticks out to streaming subscribers. Publish never blocks the feed:
// a full broker queue or subscriber buffer drops the tick.
type Broker struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	tickChan    chan models.Tick
	stopChan    chan struct{}
	running     bool
	wg          sync.WaitGroup
	logger      *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

func NewBroker(bufferSize int, logger *zap.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		tickChan:    make(chan models.Tick, bufferSize),
		stopChan:    make(chan struct{}),
		logger:      logger.Named("broker"),
	}
}

func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.distributeTicks(ctx)
	return nil
}

// Stop halts distribution and closes every subscriber channel.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopChan)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, subscriber := range b.subscribers {
		subscriber.Close()
		delete(b.subscribers, id)
	}
}

func (b *Broker) Subscribe(subscriberID string, symbols []string, bufferSize int) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, exists := b.subscribers[subscriberID]; exists {
		existing.Close()
	}

	subscriber := NewSubscriber(subscriberID, symbols, bufferSize)
	b.subscribers[subscriberID] = subscriber

	return subscriber
}

func (b *Broker) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscriber, exists := b.subscribers[subscriberID]; exists {
		subscriber.Close()
		delete(b.subscribers, subscriberID)
	}
}

// Publish matches datafeed.TickHandler.
func (b *Broker) Publish(tick models.Tick) {
	select {
	case b.tickChan <- tick:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
	}
}

func (b *Broker) GetSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) GetSubscriberCountForSymbol(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subscriber := range b.subscribers {
		if subscriber.IsInterestedIn(symbol) {
			count++
		}
	}
	return count
}

func (b *Broker) distributeTicks(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopChan:
			return
		case tick := <-b.tickChan:
			b.fanOutTick(tick)
		}
	}
}

func (b *Broker) fanOutTick(tick models.Tick) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, subscriber := range b.subscribers {
		if !subscriber.IsInterestedIn(tick.Symbol) {
			continue
		}
		select {
		case subscriber.TickChan <- tick:
		case <-subscriber.ctx.Done():
		default:
			b.dropped.Add(1)
			b.logger.Debug("Subscriber buffer full, tick dropped",
				zap.String("subscriber", subscriber.ID), zap.String("symbol", tick.Symbol))
		}
	}
}

func (b *Broker) UpdateSubscription(subscriberID string, symbols []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscriber, exists := b.subscribers[subscriberID]
	if !exists {
		return false
	}
	subscriber.symbols = symbolSet(symbols)
	return true
}

// GetActiveSymbols lists the symbols some subscriber explicitly asked for.
func (b *Broker) GetActiveSymbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := make(map[string]bool)
	for _, subscriber := range b.subscribers {
		for symbol := range subscriber.symbols {
			set[symbol] = true
		}
	}

	symbols := make([]string, 0, len(set))
	for symbol := range set {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (b *Broker) GetStats() BrokerStats {
	return BrokerStats{
		Subscribers: b.GetSubscriberCount(),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

type BrokerStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

func symbolSet(symbols []string) map[string]bool {
	set := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		set[symbol] = true
	}
	return set
}
