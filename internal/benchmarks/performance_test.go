package benchmarks

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-alerts/internal/alerts"
	"market-alerts/internal/hub"
	"market-alerts/internal/notify"
	"market-alerts/internal/pricecache"
	"market-alerts/internal/pubsub"
	"market-alerts/pkg/models"
)

var symbols = []string{"BTC/USDT", "ETH/USDT", "ADA/USDT", "SOL/USDT", "DOT/USDT", "MATIC/USDT", "AVAX/USDT", "LINK/USDT"}

func addRules(b testing.TB, store *alerts.Store, symbol string, condition models.Condition, threshold float64, n int) {
	for i := 0; i < n; i++ {
		rule := models.NewAlertRule(symbol, condition, threshold, []models.Channel{models.ChannelLog}, nil)
		if _, err := store.Add(rule); err != nil {
			b.Fatal(err)
		}
	}
}

// alternating flips between a price above and below the threshold so every other tick
// produces an armed->triggered transition.
func alternating(i int) float64 {
	if i%2 == 0 {
		return 60000.0
	}
	return 40000.0
}

func BenchmarkAlertEngineEvaluate(b *testing.B) {
	store := alerts.NewStore()
	engine := alerts.NewEngine(store, alerts.NewTriggerBus(zap.NewNop()), alerts.DefaultConfig(), zap.NewNop())
	addRules(b, store, "BTC/USDT", models.ConditionAbove, 50000, 1000)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		engine.Evaluate(models.NewTick("BTC/USDT", "bench", alternating(i)))
	}
}

func BenchmarkAlertEngineProcessTick(b *testing.B) {
	store := alerts.NewStore()
	triggerBus := alerts.NewTriggerBus(zap.NewNop())
	engine := alerts.NewEngine(store, triggerBus, alerts.DefaultConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggerBus.Start(ctx)
	engine.Start(ctx)
	defer engine.Stop(ctx)

	addRules(b, store, "BTC/USDT", models.ConditionAbove, 50000, 1000)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		engine.ProcessTick(models.NewTick("BTC/USDT", "bench", 60000.0))
	}
}

func BenchmarkPubSubBroker(b *testing.B) {
	broker := pubsub.NewBroker(1000, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker.Start(ctx)
	defer broker.Stop()

	numSubscribers := 100
	for i := 0; i < numSubscribers; i++ {
		broker.Subscribe(uuid.New().String(), []string{"BTC/USDT", "ETH/USDT"}, 1000)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		broker.Publish(models.NewTick("BTC/USDT", "bench", 60000.0))
	}
}

func BenchmarkConcurrentAlertProcessing(b *testing.B) {
	store := alerts.NewStore()
	triggerBus := alerts.NewTriggerBus(zap.NewNop())
	engine := alerts.NewEngine(store, triggerBus, alerts.DefaultConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggerBus.Start(ctx)
	engine.Start(ctx)
	defer engine.Stop(ctx)

	for _, symbol := range symbols {
		addRules(b, store, symbol, models.ConditionAbove, 1000, 100)
	}

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			for _, symbol := range symbols {
				engine.ProcessTick(models.NewTick(symbol, "bench", 2000.0))
			}
		}
	})
}

func BenchmarkHighVolumeTickProcessing(b *testing.B) {
	broker := pubsub.NewBroker(1000, zap.NewNop())
	store := alerts.NewStore()
	triggerBus := alerts.NewTriggerBus(zap.NewNop())
	engine := alerts.NewEngine(store, triggerBus, alerts.DefaultConfig(), zap.NewNop())
	cache := pricecache.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker.Start(ctx)
	triggerBus.Start(ctx)
	engine.Start(ctx)
	defer engine.Stop(ctx)
	defer broker.Stop()

	numSubscribers := 50
	numRulesPerSymbol := 200

	for i := 0; i < numSubscribers; i++ {
		broker.Subscribe(uuid.New().String(), symbols, 1000)
	}
	for _, symbol := range symbols {
		addRules(b, store, symbol, models.ConditionAbove, 1000, numRulesPerSymbol)
	}

	b.ResetTimer()
	b.ReportAllocs()

	var wg sync.WaitGroup

	for i := 0; i < b.N; i++ {
		wg.Add(len(symbols))
		for _, symbol := range symbols {
			go func(sym string) {
				defer wg.Done()
				tick := models.NewTick(sym, "bench", 2000.0)
				cache.Set(tick)
				broker.Publish(tick)
				engine.ProcessTick(tick)
			}(symbol)
		}
		wg.Wait()
	}
}

type discardConn struct{ id string }

func (c *discardConn) ID() string           { return c.id }
func (c *discardConn) Send(msg []byte) error { return nil }
func (c *discardConn) Close() error          { return nil }

func BenchmarkHubBroadcastSnapshot(b *testing.B) {
	cache := pricecache.New()
	for _, symbol := range symbols {
		cache.Set(models.NewTick(symbol, "bench", 100))
	}

	h := hub.New(cache, hub.DefaultConfig(), zap.NewNop())
	for i := 0; i < 500; i++ {
		h.Register(&discardConn{id: fmt.Sprintf("viewer-%d", i)})
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		h.BroadcastSnapshot()
	}
}

func BenchmarkDispatch(b *testing.B) {
	dispatcher := notify.NewDispatcher(notify.DefaultConfig(), notify.NewRenderer(), zap.NewNop(),
		notify.NewLogNotifier(zap.NewNop()),
		notify.NewConsoleNotifier(io.Discard),
	)
	rule := models.NewAlertRule("BTC/USDT", models.ConditionAbove, 50000, []models.Channel{models.ChannelAll}, nil)
	ev := models.NewTriggerEvent(rule, 50500, 49500)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		dispatcher.Dispatch(context.Background(), ev)
	}
}

func BenchmarkMemoryEfficiency(b *testing.B) {
	store := alerts.NewStore()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		rule := models.NewAlertRule("BTC/USDT", models.ConditionAbove, 50000, nil, nil)
		store.Add(rule)

		for _, r := range store.EnabledBySymbol("BTC/USDT") {
			_, _ = r.Evaluate(60000.0, 59000.0)
		}
	}
}

func BenchmarkLatency(b *testing.B) {
	store := alerts.NewStore()
	triggerBus := alerts.NewTriggerBus(zap.NewNop())
	engine := alerts.NewEngine(store, triggerBus, alerts.DefaultConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggerBus.Start(ctx)
	engine.Start(ctx)
	defer engine.Stop(ctx)

	addRules(b, store, "BTC/USDT", models.ConditionAbove, 50000, 1)
	subscriber := triggerBus.Subscribe(uuid.New().String(), 100)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		start := time.Now()

		engine.ProcessTick(models.NewTick("BTC/USDT", "bench", 60000.0))

		select {
		case <-subscriber.TriggerChan:
			b.ReportMetric(float64(time.Since(start).Nanoseconds()), "trigger-ns")
		case <-time.After(100 * time.Millisecond):
			b.Fatal("Timeout waiting for alert trigger")
		}

		// Re-arm outside the timed section.
		b.StopTimer()
		engine.ProcessTick(models.NewTick("BTC/USDT", "bench", 40000.0))
		waitEvaluated(engine, int64(2*(i+1)))
		b.StartTimer()
	}
}

func waitEvaluated(engine *alerts.Engine, n int64) {
	deadline := time.Now().Add(time.Second)
	for engine.GetStats().Evaluated < n && time.Now().Before(deadline) {
		time.Sleep(50 * time.Microsecond)
	}
}
