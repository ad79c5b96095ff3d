package export

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"market-alerts/pkg/models"
)

// Writer is the subset of *kafka.Writer the exporter needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds an async batching writer for the trigger topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
}

// KafkaExporter publishes every trigger to Kafka keyed by symbol, so one symbol's
// triggers stay ordered within a partition.
type KafkaExporter struct {
	writer Writer
	logger *zap.Logger

	exported atomic.Int64
	failed   atomic.Int64
}

func NewKafkaExporter(writer Writer, logger *zap.Logger) *KafkaExporter {
	return &KafkaExporter{
		writer: writer,
		logger: logger.Named("export"),
	}
}

// Run exports triggers until ctx is cancelled or the channel closes.
func (e *KafkaExporter) Run(ctx context.Context, triggers <-chan *models.TriggerEvent) {
	e.logger.Info("Trigger exporter started")
	defer e.logger.Info("Trigger exporter stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case trigger, ok := <-triggers:
			if !ok {
				return
			}
			e.Export(ctx, trigger)
		}
	}
}

// Export writes one trigger. Failures are logged and counted, never retried.
func (e *KafkaExporter) Export(ctx context.Context, trigger *models.TriggerEvent) {
	payload, err := json.Marshal(trigger)
	if err != nil {
		e.failed.Add(1)
		e.logger.Error("JSON Marshal Error", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return
	}

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(trigger.Symbol),
		Value: payload,
		Time:  trigger.TriggeredAt,
	})
	if err != nil {
		e.failed.Add(1)
		e.logger.Error("Kafka Write Error",
			zap.String("trigger_id", trigger.ID),
			zap.String("symbol", trigger.Symbol),
			zap.Error(err))
		return
	}

	e.exported.Add(1)
	e.logger.Debug("Exported trigger", zap.String("trigger_id", trigger.ID), zap.String("symbol", trigger.Symbol))
}

// Close flushes buffered messages.
func (e *KafkaExporter) Close() error {
	return e.writer.Close()
}

func (e *KafkaExporter) GetStats() ExporterStats {
	return ExporterStats{
		Exported: e.exported.Load(),
		Failed:   e.failed.Load(),
	}
}

type ExporterStats struct {
	Exported int64 `json:"exported"`
	Failed   int64 `json:"failed"`
}
