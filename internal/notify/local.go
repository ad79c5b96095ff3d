package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"market-alerts/pkg/models"
)

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("alerts")}
}

func (n *LogNotifier) Channel() models.Channel { return models.ChannelLog }

func (n *LogNotifier) Available() error { return nil }

func (n *LogNotifier) Deliver(_ context.Context, msg Message, _ []string) error {
	fields := []zap.Field{zap.String("text", msg.Text)}
	if ev := msg.Event; ev != nil {
		fields = append(fields,
			zap.String("rule_id", ev.RuleID),
			zap.String("symbol", ev.Symbol),
			zap.Float64("price", ev.CurrentPrice),
			zap.Float64("change_percent", ev.ChangePercent))
	}
	n.logger.Warn(msg.Subject, fields...)
	return nil
}

// ConsoleNotifier prints alerts to a writer, stdout by default.
type ConsoleNotifier struct {
	w  io.Writer
	mu sync.Mutex
}

func NewConsoleNotifier(w io.Writer) *ConsoleNotifier {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleNotifier{w: w}
}

func (n *ConsoleNotifier) Channel() models.Channel { return models.ChannelConsole }

func (n *ConsoleNotifier) Available() error { return nil }

func (n *ConsoleNotifier) Deliver(_ context.Context, msg Message, _ []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, err := fmt.Fprintf(n.w, "%s\n%s\n\n", msg.Subject, msg.Text)
	return err
}
