package datafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market-alerts/pkg/models"
)

const (
	defaultBinanceStreamURL = "wss://stream.binance.com:9443"
	reconnectMinBackoff     = 500 * time.Millisecond
	reconnectMaxBackoff     = 30 * time.Second
)

// BinanceStreamVenue subscribes to Binance 24hr ticker streams and serves the latest
// tick per symbol from memory.
type BinanceStreamVenue struct {
	name      string
	streamURL string
	symbols   map[string]string // BTCUSDT -> BTC/USDT
	dialer    *websocket.Dialer
	logger    *zap.Logger

	latest map[string]models.Tick
	mu     sync.RWMutex

	conn   *websocket.Conn
	connMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// binanceStreamTicker maps the 24hrTicker payload. Keys that differ only in case are all
// declared so encoding/json never folds "C" (close time) into "c" (close price).
type binanceStreamTicker struct {
	EventType     string          `json:"e"`
	EventTime     int64           `json:"E"`
	Symbol        string          `json:"s"`
	PriceChange   decimal.Decimal `json:"p"`
	ChangePercent decimal.Decimal `json:"P"`
	Close         decimal.Decimal `json:"c"`
	CloseTime     int64           `json:"C"`
	High          decimal.Decimal `json:"h"`
	Low           decimal.Decimal `json:"l"`
	LastTradeID   int64           `json:"L"`
	Volume        decimal.Decimal `json:"v"`
}

func NewBinanceStreamVenue(spec VenueSpec, symbols []string, logger *zap.Logger) *BinanceStreamVenue {
	streamURL := spec.BaseURL
	if streamURL == "" {
		streamURL = defaultBinanceStreamURL
	}
	name := spec.Name
	if name == "" {
		name = "binance_ws"
	}

	index := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		base, quote := splitSymbol(symbol)
		index[base+quote] = symbol
	}

	return &BinanceStreamVenue{
		name:      name,
		streamURL: strings.TrimRight(streamURL, "/"),
		symbols:   index,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:    logger.Named("binance_ws").With(zap.String("venue", name)),
		latest:    make(map[string]models.Tick),
	}
}

func (b *BinanceStreamVenue) Name() string { return b.name }

func (b *BinanceStreamVenue) streamsURL() string {
	streams := make([]string, 0, len(b.symbols))
	for pair := range b.symbols {
		streams = append(streams, strings.ToLower(pair)+"@ticker")
	}
	return fmt.Sprintf("%s/ws/%s", b.streamURL, strings.Join(streams, "/"))
}

// Connect dials once with ctx and then keeps the subscription alive in the background
// until Close.
func (b *BinanceStreamVenue) Connect(ctx context.Context) error {
	if len(b.symbols) == 0 {
		return errors.New("no symbols to subscribe")
	}

	conn, err := b.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", b.name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.connMu.Lock()
	b.conn = conn
	b.cancel = cancel
	b.done = make(chan struct{})
	b.connMu.Unlock()

	go b.run(runCtx, conn)
	return nil
}

func (b *BinanceStreamVenue) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := b.streamsURL()
	b.logger.Info("Connecting to ticker stream", zap.String("url", wsURL))

	conn, _, err := b.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (b *BinanceStreamVenue) run(ctx context.Context, conn *websocket.Conn) {
	defer close(b.done)

	for {
		err := b.readMessages(conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("Ticker stream interrupted, reconnecting", zap.Error(err))

		backoff := reconnectMinBackoff
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			next, err := b.dial(ctx)
			if err == nil {
				conn = next
				break
			}
			b.logger.Warn("Reconnect failed", zap.Duration("backoff", backoff), zap.Error(err))
			backoff = min(backoff*2, reconnectMaxBackoff)
		}

		b.connMu.Lock()
		if ctx.Err() != nil {
			b.connMu.Unlock()
			conn.Close()
			return
		}
		b.conn = conn
		b.connMu.Unlock()
	}
}

func (b *BinanceStreamVenue) readMessages(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg binanceStreamTicker
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("Skipping undecodable message", zap.Error(err))
			continue
		}
		b.processTicker(msg)
	}
}

func (b *BinanceStreamVenue) processTicker(msg binanceStreamTicker) {
	symbol, ok := b.symbols[strings.ToUpper(msg.Symbol)]
	if !ok || !msg.Close.IsPositive() {
		return
	}

	observed := time.Now()
	if msg.EventTime > 0 {
		observed = time.UnixMilli(msg.EventTime)
	}

	tick := models.Tick{
		Symbol:        symbol,
		Price:         msg.Close.InexactFloat64(),
		High:          msg.High.InexactFloat64(),
		Low:           msg.Low.InexactFloat64(),
		Volume:        msg.Volume.InexactFloat64(),
		PercentChange: msg.ChangePercent.InexactFloat64(),
		Source:        b.name,
		ObservedAt:    observed,
	}

	b.mu.Lock()
	b.latest[symbol] = tick
	b.mu.Unlock()
}

// FetchTick returns the most recent streamed tick; it never touches the network.
func (b *BinanceStreamVenue) FetchTick(ctx context.Context, symbol string) (models.Tick, error) {
	if err := ctx.Err(); err != nil {
		return models.Tick{}, err
	}

	b.mu.RLock()
	tick, ok := b.latest[symbol]
	b.mu.RUnlock()

	if !ok {
		return models.Tick{}, fmt.Errorf("%s: %s: %w", b.name, symbol, ErrNoData)
	}
	return tick, nil
}

func (b *BinanceStreamVenue) Close() error {
	b.connMu.Lock()
	cancel, conn, done := b.cancel, b.conn, b.done
	b.cancel = nil
	if cancel != nil {
		cancel()
	}
	b.connMu.Unlock()

	if cancel == nil {
		return nil
	}
	if conn != nil {
		conn.Close()
	}
	<-done
	return nil
}
