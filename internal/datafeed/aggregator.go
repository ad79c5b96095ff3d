package datafeed

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market-alerts/internal/pricecache"
	"market-alerts/pkg/models"
)

// TickHandler is called for every fresh tick after it has been cached.
type TickHandler func(models.Tick)

type Config struct {
	Symbols        []string
	Venues         []VenueSpec
	Interval       time.Duration // pause between sweeps
	ErrorBackoff   time.Duration // pause after a failed sweep
	FetchTimeout   time.Duration // bound on a single FetchTick
	ConnectTimeout time.Duration
	Concurrency    int // venues swept in parallel
}

func DefaultConfig() Config {
	return Config{
		Symbols:        []string{"BTC/USDT", "ETH/USDT"},
		Venues:         []VenueSpec{{Name: "mock", Kind: "mock"}},
		Interval:       3 * time.Second,
		ErrorBackoff:   5 * time.Second,
		FetchTimeout:   10 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Concurrency:    4,
	}
}

// Aggregator polls every venue for every symbol, writes fresh ticks to the price cache and
// hands them to the registered handlers. A failing venue or symbol never stops the loop.
//
// Venues are not kept apart: ticks for one symbol from every venue interleave into a single
// stream, so the cache holds the latest tick from whichever venue answered last and percent
// rules compare consecutive ticks that may come from different venues. Publishing is
// serialized per symbol, so handlers for a symbol never overlap and each sees the cache
// holding its own tick.
type Aggregator struct {
	cfg      Config
	cache    *pricecache.Cache
	registry *Registry
	logger   *zap.Logger

	venues   []Venue
	handlers []TickHandler
	mu       sync.RWMutex

	symbolLocks sync.Map // symbol -> *sync.Mutex

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	sweeps  atomic.Int64
	fetched atomic.Int64
	failed  atomic.Int64
	panics  atomic.Int64
}

func NewAggregator(cfg Config, cache *pricecache.Cache, registry *Registry, logger *zap.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if registry == nil {
		registry = DefaultRegistry()
	}

	return &Aggregator{
		cfg:      cfg,
		cache:    cache,
		registry: registry,
		logger:   logger.Named("aggregator"),
	}
}

// AddVenue registers an already constructed venue alongside the configured ones.
func (a *Aggregator) AddVenue(v Venue) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.venues = append(a.venues, v)
}

// OnTick registers a handler. Handlers run in registration order on the sweeping goroutine.
func (a *Aggregator) OnTick(h TickHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

// Initialize builds the configured venues. Venues that fail to build or connect are
// excluded; ErrNoVenues is returned when none remain.
func (a *Aggregator) Initialize(ctx context.Context) error {
	for _, spec := range a.cfg.Venues {
		log := a.logger.With(zap.String("venue", spec.Name), zap.String("kind", spec.Kind))

		venue, err := a.registry.Build(spec, a.cfg.Symbols, a.logger)
		if err != nil {
			log.Warn("Venue excluded", zap.Error(err))
			continue
		}

		if c, ok := venue.(Connector); ok {
			connectCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
			err := c.Connect(connectCtx)
			cancel()
			if err != nil {
				log.Warn("Venue excluded, connect failed", zap.Error(err))
				closeVenue(venue)
				continue
			}
		}

		a.AddVenue(venue)
		log.Info("Venue ready")
	}

	a.mu.RLock()
	n := len(a.venues)
	a.mu.RUnlock()

	if n == 0 {
		return ErrNoVenues
	}
	a.logger.Info("Aggregator initialized", zap.Int("venues", n), zap.Strings("symbols", a.cfg.Symbols))
	return nil
}

// Run sweeps until ctx is cancelled, then returns nil.
func (a *Aggregator) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		wait := a.cfg.Interval
		if err := a.Sweep(ctx); err != nil {
			a.logger.Error("Sweep failed, backing off", zap.Duration("backoff", a.cfg.ErrorBackoff), zap.Error(err))
			wait = a.cfg.ErrorBackoff
		}
		timer.Reset(wait)
	}
}

// Sweep runs one pass over all venues: venues in parallel, symbols of a venue in order.
// Only a recovered panic makes it return an error; fetch failures are logged and skipped.
func (a *Aggregator) Sweep(ctx context.Context) error {
	a.mu.RLock()
	venues := append([]Venue(nil), a.venues...)
	a.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)

	for _, venue := range venues {
		g.Go(func() error {
			return a.sweepVenue(ctx, venue)
		})
	}

	err := g.Wait()
	a.sweeps.Add(1)
	return err
}

func (a *Aggregator) sweepVenue(ctx context.Context, venue Venue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.panics.Add(1)
			err = fmt.Errorf("venue %s panicked: %v", venue.Name(), r)
		}
	}()

	for _, symbol := range a.cfg.Symbols {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
		tick, err := venue.FetchTick(fetchCtx, symbol)
		cancel()

		if err != nil {
			a.failed.Add(1)
			a.logger.Warn("Fetch failed",
				zap.String("venue", venue.Name()),
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}

		a.publish(venue, symbol, tick)
	}
	return nil
}

func (a *Aggregator) publish(venue Venue, symbol string, tick models.Tick) {
	if tick.Symbol == "" {
		tick.Symbol = symbol
	}
	if tick.Source == "" {
		tick.Source = venue.Name()
	}
	if tick.ObservedAt.IsZero() {
		tick.ObservedAt = time.Now()
	}

	a.mu.RLock()
	handlers := a.handlers
	a.mu.RUnlock()

	lock := a.symbolLock(tick.Symbol)
	lock.Lock()
	defer lock.Unlock()

	a.cache.Set(tick)
	a.fetched.Add(1)

	for i, h := range handlers {
		a.callHandler(i, h, tick)
	}
}

func (a *Aggregator) symbolLock(symbol string) *sync.Mutex {
	if l, ok := a.symbolLocks.Load(symbol); ok {
		return l.(*sync.Mutex)
	}
	l, _ := a.symbolLocks.LoadOrStore(symbol, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (a *Aggregator) callHandler(i int, h TickHandler, tick models.Tick) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Tick handler panicked",
				zap.Int("handler", i), zap.String("symbol", tick.Symbol), zap.Any("panic", r))
		}
	}()
	h(tick)
}

// GetPrice reads the cache; it never reaches a venue.
func (a *Aggregator) GetPrice(symbol string) (models.Tick, bool) {
	return a.cache.Get(symbol)
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.running = true

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Run(ctx)
	}()

	a.logger.Info("Aggregator started", zap.Duration("interval", a.cfg.Interval))
	return nil
}

// Stop cancels the loop, waits for the in-flight sweep bounded by ctx and closes venues.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.cancel()
	venues := append([]Venue(nil), a.venues...)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, v := range venues {
		closeVenue(v)
	}
	a.logger.Info("Aggregator stopped")
	return nil
}

func closeVenue(v Venue) {
	if c, ok := v.(io.Closer); ok {
		c.Close()
	}
}

func (a *Aggregator) Stats() AggregatorStats {
	a.mu.RLock()
	names := make([]string, 0, len(a.venues))
	for _, v := range a.venues {
		names = append(names, v.Name())
	}
	running := a.running
	a.mu.RUnlock()

	return AggregatorStats{
		Running: running,
		Venues:  names,
		Sweeps:  a.sweeps.Load(),
		Fetched: a.fetched.Load(),
		Failed:  a.failed.Load(),
		Panics:  a.panics.Load(),
		Cached:  a.cache.Len(),
	}
}

type AggregatorStats struct {
	Running bool     `json:"running"`
	Venues  []string `json:"venues"`
	Sweeps  int64    `json:"sweeps"`
	Fetched int64    `json:"fetched"`
	Failed  int64    `json:"failed"`
	Panics  int64    `json:"panics"`
	Cached  int      `json:"cached"`
}
