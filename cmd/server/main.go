package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"market-alerts/internal/alerts"
	"market-alerts/internal/config"
	"market-alerts/internal/datafeed"
	"market-alerts/internal/export"
	rulesvc "market-alerts/internal/grpc"
	"market-alerts/internal/hub"
	"market-alerts/internal/logging"
	"market-alerts/internal/notify"
	"market-alerts/internal/pricecache"
	"market-alerts/internal/pubsub"
	"market-alerts/pkg/models"
)

const triggerBuffer = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting market alert server", zap.String("env", cfg.App.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := pricecache.New()
	broker := pubsub.NewBroker(1000, logger)
	triggerBus := alerts.NewTriggerBus(logger)
	store := alerts.NewStore()
	history := alerts.NewHistory(cfg.Alerts.HistoryLimit)
	engine := alerts.NewEngine(store, triggerBus, alerts.Config{
		Workers:     cfg.Alerts.Workers,
		QueueSize:   cfg.Alerts.QueueSize,
		PriceWindow: cfg.Alerts.PriceWindow,
	}, logger)

	aggregator := datafeed.NewAggregator(feedConfig(cfg.Feed), cache, datafeed.DefaultRegistry(), logger)
	aggregator.OnTick(engine.ProcessTick)
	aggregator.OnTick(broker.Publish)

	var mirror *pricecache.RedisMirror
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		mirror = pricecache.NewRedisMirror(rdb, cfg.Redis.TTL, logger)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := mirror.Ping(pingCtx); err != nil {
			logger.Warn("Redis unreachable, mirror writes will fail until it recovers",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		pingCancel()
		aggregator.OnTick(mirror.HandleTick)
	}

	dispatcher := notify.NewDispatcher(
		notify.Config{DeliveryTimeout: cfg.Notify.DeliveryTimeout, Concurrency: cfg.Notify.Concurrency},
		notify.NewRenderer(),
		logger,
		notify.NewLogNotifier(logger),
		notify.NewConsoleNotifier(os.Stdout),
		notify.NewEmailNotifier(notify.SMTPConfig(cfg.Notify.SMTP)),
		notify.NewChatNotifier(notify.TelegramConfig(cfg.Notify.Telegram), nil),
	)

	wsHub := hub.New(cache, hub.Config{Interval: cfg.Hub.Interval}, logger)

	logger.Info("Starting services...")

	if err := broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	if err := triggerBus.Start(ctx); err != nil {
		return fmt.Errorf("start trigger bus: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start alert engine: %w", err)
	}

	// Triggers the dispatcher never sees still land in history as failed deliveries.
	triggerBus.OnDrop(func(subscriberID string, ev *models.TriggerEvent) {
		if subscriberID == "" || subscriberID == "dispatcher" {
			dispatcher.RecordDropped(ev, history)
		}
	})
	dispatchSub := triggerBus.Subscribe("dispatcher", triggerBuffer)
	go dispatcher.Run(ctx, dispatchSub.TriggerChan, history)

	hubSub := triggerBus.Subscribe("hub", triggerBuffer)
	go wsHub.ConsumeTriggers(ctx, hubSub.TriggerChan)
	go wsHub.Run(ctx)

	var exporter *export.KafkaExporter
	if cfg.Kafka.Enabled {
		exporter = export.NewKafkaExporter(export.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		exportSub := triggerBus.Subscribe("kafka", triggerBuffer)
		go exporter.Run(ctx, exportSub.TriggerChan)
	}

	if err := aggregator.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize market feed: %w", err)
	}
	if err := aggregator.Start(ctx); err != nil {
		return fmt.Errorf("start market feed: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPC.Addr, err)
	}
	grpcServer := rulesvc.NewServer(rulesvc.NewRuleServer(store, history, triggerBus, broker, cache, logger), logger)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHub.ServeWSHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{
			"feed":        aggregator.Stats(),
			"engine":      engine.GetStats(),
			"trigger_bus": triggerBus.GetStats(),
			"broker":      broker.GetStats(),
			"hub":         wsHub.GetStats(),
			"dispatcher":  dispatcher.GetStats(),
			"rules":       store.Count(),
			"history":     history.Len(),
		}
		if exporter != nil {
			stats["export"] = exporter.GetStats()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	httpServer := &http.Server{Addr: cfg.App.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.Strings("symbols", cfg.Feed.Symbols),
		zap.Strings("venues", cfg.Feed.Venues))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	wsHub.CloseAll()

	if err := aggregator.Stop(shutdownCtx); err != nil {
		logger.Warn("Market feed shutdown", zap.Error(err))
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Warn("Alert engine shutdown", zap.Error(err))
	}

	// Closing subscriber channels ends the trigger and price streams so GracefulStop can return.
	triggerBus.Stop()
	broker.Stop()
	stopGRPC(shutdownCtx, grpcServer.GracefulStop, grpcServer.Stop)
	cancel()

	if exporter != nil {
		if err := exporter.Close(); err != nil {
			logger.Warn("Kafka writer close", zap.Error(err))
		}
	}
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			logger.Warn("Redis close", zap.Error(err))
		}
	}

	logger.Info("Server stopped")
	return nil
}

func stopGRPC(ctx context.Context, graceful, force func()) {
	done := make(chan struct{})
	go func() {
		graceful()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		force()
	}
}

func feedConfig(fc config.FeedConfig) datafeed.Config {
	cfg := datafeed.Config{
		Symbols:      fc.Symbols,
		Interval:     fc.Interval,
		ErrorBackoff: fc.ErrorBackoff,
		FetchTimeout: fc.FetchTimeout,
		Concurrency:  fc.Concurrency,
	}
	for _, kind := range fc.Venues {
		vc := fc.Venue(kind)
		cfg.Venues = append(cfg.Venues, datafeed.VenueSpec{
			Name:        kind,
			Kind:        kind,
			BaseURL:     vc.BaseURL,
			RateLimit:   vc.RateLimit,
			Burst:       vc.Burst,
			FailureRate: vc.FailureRate,
		})
	}
	return cfg
}
