package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market-alerts/pkg/models"
)

// Recorder receives the outcome of every dispatched trigger.
type Recorder interface {
	Append(record models.HistoryRecord)
}

type Config struct {
	DeliveryTimeout time.Duration // bound on one channel's Deliver
	Concurrency     int           // triggers dispatched in parallel by Run
}

func DefaultConfig() Config {
	return Config{DeliveryTimeout: 10 * time.Second, Concurrency: 32}
}

// ErrDropped marks deliveries that were never attempted because the trigger overflowed
// the dispatch backlog.
var ErrDropped = errors.New("dropped: dispatch backlog full")

// Result tallies one dispatch. Unavailable channels are counted apart from failures.
type Result struct {
	Delivered   int
	Failed      int
	Unavailable int
	Deliveries  []models.DeliveryResult
}

// Dispatcher delivers each trigger on its channels independently. A channel that errors,
// times out or panics never affects its siblings; nothing is retried.
type Dispatcher struct {
	cfg       Config
	renderer  *Renderer
	notifiers map[models.Channel]Notifier
	logger    *zap.Logger

	reported map[models.Channel]bool
	mu       sync.Mutex

	dispatched  atomic.Int64
	delivered   atomic.Int64
	failed      atomic.Int64
	unavailable atomic.Int64
}

func NewDispatcher(cfg Config, renderer *Renderer, logger *zap.Logger, notifiers ...Notifier) *Dispatcher {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if renderer == nil {
		renderer = NewRenderer()
	}

	byChannel := make(map[models.Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		byChannel[n.Channel()] = n
	}

	return &Dispatcher{
		cfg:       cfg,
		renderer:  renderer,
		notifiers: byChannel,
		logger:    logger.Named("dispatcher"),
		reported:  make(map[models.Channel]bool),
	}
}

// Resolve expands the event's channel set into concrete channels in dispatch order.
// "all" means log and console plus every channel the rule has recipients for.
func (d *Dispatcher) Resolve(ev *models.TriggerEvent) []models.Channel {
	want := make(map[models.Channel]bool)
	for _, ch := range ev.Channels {
		if ch != models.ChannelAll {
			want[ch] = true
			continue
		}
		want[models.ChannelLog] = true
		want[models.ChannelConsole] = true
		for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelChatBot} {
			if len(ev.Recipients[ch]) > 0 {
				want[ch] = true
			}
		}
	}
	if len(want) == 0 {
		want[models.ChannelLog] = true
	}

	channels := make([]models.Channel, 0, len(want))
	for _, ch := range models.DeliverableChannels {
		if want[ch] {
			channels = append(channels, ch)
		}
	}
	return channels
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.TriggerEvent) Result {
	channels := d.Resolve(ev)

	msg, err := d.renderer.Render(ev)
	if err != nil {
		d.logger.Error("Render failed, sending plain message", zap.String("rule_id", ev.RuleID), zap.Error(err))
		escaped := html.EscapeString(ev.Message)
		msg = Message{Subject: ev.Symbol + " alert", Text: ev.Message, HTML: escaped, Markup: escaped, Event: ev}
	}

	deliveries := make([]models.DeliveryResult, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deliveries[i] = d.deliver(ctx, ch, msg, ev.Recipients[ch])
		}()
	}
	wg.Wait()

	result := Result{Deliveries: deliveries}
	for _, dr := range deliveries {
		switch dr.Status {
		case models.DeliveryDelivered:
			result.Delivered++
		case models.DeliveryFailed:
			result.Failed++
		case models.DeliveryUnavailable:
			result.Unavailable++
		}
	}

	d.dispatched.Add(1)
	d.delivered.Add(int64(result.Delivered))
	d.failed.Add(int64(result.Failed))
	d.unavailable.Add(int64(result.Unavailable))

	d.logger.Debug("Trigger dispatched",
		zap.String("rule_id", ev.RuleID),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed),
		zap.Int("unavailable", result.Unavailable))
	return result
}

func (d *Dispatcher) deliver(ctx context.Context, ch models.Channel, msg Message, recipients []string) (res models.DeliveryResult) {
	res = models.DeliveryResult{Channel: ch}
	defer func() {
		if r := recover(); r != nil {
			res = d.failure(ch, fmt.Errorf("notifier panicked: %v", r))
		}
		res.At = time.Now()
	}()

	n, ok := d.notifiers[ch]
	if !ok {
		return d.unavailableResult(ch, fmt.Errorf("%w: no notifier for %s", ErrUnavailable, ch))
	}
	if err := n.Available(); err != nil {
		return d.unavailableResult(ch, err)
	}

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	if err := n.Deliver(dctx, msg, recipients); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return d.unavailableResult(ch, err)
		}
		return d.failure(ch, err)
	}

	res.Status = models.DeliveryDelivered
	return res
}

func (d *Dispatcher) failure(ch models.Channel, err error) models.DeliveryResult {
	d.logger.Warn("Delivery failed", zap.String("channel", string(ch)), zap.Error(err))
	return models.DeliveryResult{Channel: ch, Status: models.DeliveryFailed, Error: err.Error()}
}

// unavailableResult logs the condition the first time it is seen for a channel only.
func (d *Dispatcher) unavailableResult(ch models.Channel, err error) models.DeliveryResult {
	d.mu.Lock()
	first := !d.reported[ch]
	d.reported[ch] = true
	d.mu.Unlock()

	if first {
		d.logger.Warn("Channel unavailable", zap.String("channel", string(ch)), zap.Error(err))
	}
	return models.DeliveryResult{Channel: ch, Status: models.DeliveryUnavailable, Error: err.Error()}
}

// Run dispatches triggers until ctx ends or the channel closes, up to Concurrency at a
// time, so a channel stuck until its timeout delays only the triggers it is delivering.
// Each outcome is recorded when recorder is non-nil. Run waits for in-flight dispatches
// before returning.
func (d *Dispatcher) Run(ctx context.Context, triggers <-chan *models.TriggerEvent, recorder Recorder) {
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-triggers:
			if !ok {
				return
			}
			g.Go(func() error {
				result := d.Dispatch(ctx, ev)
				if recorder != nil {
					recorder.Append(models.HistoryRecord{Event: ev, Deliveries: result.Deliveries})
				}
				return nil
			})
		}
	}
}

// RecordDropped records a trigger that never reached Run as failed on every channel it
// would have used.
func (d *Dispatcher) RecordDropped(ev *models.TriggerEvent, recorder Recorder) {
	channels := d.Resolve(ev)
	deliveries := make([]models.DeliveryResult, 0, len(channels))
	now := time.Now()
	for _, ch := range channels {
		deliveries = append(deliveries, models.DeliveryResult{
			Channel: ch,
			Status:  models.DeliveryFailed,
			Error:   ErrDropped.Error(),
			At:      now,
		})
	}

	d.dispatched.Add(1)
	d.failed.Add(int64(len(deliveries)))
	d.logger.Warn("Trigger dropped before dispatch", zap.String("rule_id", ev.RuleID), zap.String("symbol", ev.Symbol))

	if recorder != nil {
		recorder.Append(models.HistoryRecord{Event: ev, Deliveries: deliveries})
	}
}

func (d *Dispatcher) GetStats() DispatcherStats {
	return DispatcherStats{
		Dispatched:  d.dispatched.Load(),
		Delivered:   d.delivered.Load(),
		Failed:      d.failed.Load(),
		Unavailable: d.unavailable.Load(),
	}
}

type DispatcherStats struct {
	Dispatched  int64 `json:"dispatched"`
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
	Unavailable int64 `json:"unavailable"`
}
