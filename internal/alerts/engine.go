package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"market-alerts/pkg/models"
)

// Publisher receives trigger events emitted by the engine.
type Publisher interface {
	Publish(trigger *models.TriggerEvent)
}

type Config struct {
	Workers     int // evaluation shards; one symbol always maps to the same shard
	QueueSize   int // per-shard tick buffer
	PriceWindow int // samples retained per symbol
}

func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   1000,
		PriceWindow: DefaultPriceWindow,
	}
}

// Engine evaluates rules against fresh ticks with edge-triggered semantics: a rule emits
// once when its condition becomes true and re-arms silently when it becomes false again.
type Engine struct {
	cfg       Config
	store     *Store
	history   *PriceHistory
	publisher Publisher
	logger    *zap.Logger

	shards  []chan models.Tick
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	evaluated atomic.Int64
	triggered atomic.Int64
	failures  atomic.Int64
	dropped   atomic.Int64
}

func NewEngine(store *Store, publisher Publisher, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	shards := make([]chan models.Tick, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan models.Tick, cfg.QueueSize)
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		history:   NewPriceHistory(cfg.PriceWindow),
		publisher: publisher,
		logger:    logger.Named("engine"),
		shards:    shards,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	for i, shard := range e.shards {
		e.wg.Add(1)
		go e.processTicks(ctx, i, shard)
	}

	e.logger.Info("Alert engine started", zap.Int("workers", len(e.shards)))
	return nil
}

// Stop cancels the shard workers and waits for them, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Alert engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessTick queues the tick on its symbol's shard. It never blocks the caller.
func (e *Engine) ProcessTick(tick models.Tick) {
	shard := e.shards[shardFor(tick.Symbol, len(e.shards))]

	select {
	case shard <- tick:
	default:
		e.dropped.Add(1)
		e.logger.Warn("Dropping tick, evaluation queue full", zap.String("symbol", tick.Symbol))
	}
}

func (e *Engine) processTicks(ctx context.Context, id int, ticks <-chan models.Tick) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("Shard stopped", zap.Int("shard", id), zap.Error(err))
			}
			return
		case tick := <-ticks:
			e.Evaluate(tick)
		}
	}
}

// Evaluate runs every enabled rule for the tick's symbol, applies state transitions,
// publishes the resulting events and finally records the price in the symbol's window.
func (e *Engine) Evaluate(tick models.Tick) []*models.TriggerEvent {
	rules := e.store.EnabledBySymbol(tick.Symbol)
	baseline := e.history.Baseline(tick.Symbol, tick.Price)

	var events []*models.TriggerEvent
	for _, rule := range rules {
		event, err := e.evaluateRule(rule, tick, baseline)
		if err != nil {
			e.failures.Add(1)
			e.logger.Warn("Rule evaluation failed",
				zap.String("rule_id", rule.ID),
				zap.String("symbol", rule.Symbol),
				zap.Error(err))
			continue
		}
		if event != nil {
			events = append(events, event)
		}
	}

	e.history.Record(tick.Symbol, tick.Price)
	e.evaluated.Add(1)

	for _, event := range events {
		e.triggered.Add(1)
		e.publisher.Publish(event)
	}
	return events
}

func (e *Engine) evaluateRule(rule *models.AlertRule, tick models.Tick, baseline float64) (event *models.TriggerEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic evaluating rule: %v", r)
		}
	}()

	hit, err := rule.Evaluate(tick.Price, baseline)
	if err != nil {
		return nil, err
	}

	switch {
	case hit && rule.Armed:
		if err := e.store.Transition(rule.ID, rule.Revision, false, time.Now()); err != nil {
			return nil, e.skipStale(rule, err)
		}
		event = models.NewTriggerEvent(rule, tick.Price, baseline)
		e.logger.Info("Alert triggered",
			zap.String("rule_id", rule.ID),
			zap.String("symbol", rule.Symbol),
			zap.Stringer("condition", rule.Condition),
			zap.Float64("threshold", rule.Threshold),
			zap.Float64("price", tick.Price),
			zap.Float64("baseline", baseline))
		return event, nil

	case !hit && !rule.Armed:
		if err := e.store.Transition(rule.ID, rule.Revision, true, time.Now()); err != nil {
			return nil, e.skipStale(rule, err)
		}
		e.logger.Debug("Alert re-armed", zap.String("rule_id", rule.ID), zap.Float64("price", tick.Price))
	}

	return nil, nil
}

// skipStale swallows transitions lost to a concurrent edit or removal; the next tick
// evaluates the current rule.
func (e *Engine) skipStale(rule *models.AlertRule, err error) error {
	if errors.Is(err, ErrStaleRule) || errors.Is(err, ErrRuleNotFound) {
		e.logger.Debug("Skipping stale rule snapshot", zap.String("rule_id", rule.ID), zap.Error(err))
		return nil
	}
	return err
}

func (e *Engine) PriceHistory() *PriceHistory {
	return e.history
}

func (e *Engine) GetStats() EngineStats {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	queued := 0
	for _, shard := range e.shards {
		queued += len(shard)
	}

	return EngineStats{
		Running:     running,
		Evaluated:   e.evaluated.Load(),
		Triggered:   e.triggered.Load(),
		Failures:    e.failures.Load(),
		Dropped:     e.dropped.Load(),
		QueuedTicks: queued,
	}
}

type EngineStats struct {
	Running     bool  `json:"running"`
	Evaluated   int64 `json:"evaluated"`
	Triggered   int64 `json:"triggered"`
	Failures    int64 `json:"failures"`
	Dropped     int64 `json:"dropped"`
	QueuedTicks int   `json:"queued_ticks"`
}

func shardFor(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}
