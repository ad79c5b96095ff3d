package datafeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		in          string
		base, quote string
	}{
		{"BTC/USDT", "BTC", "USDT"},
		{"eth-usd", "ETH", "USD"},
		{"SOL_USDC", "SOL", "USDC"},
		{"ADA", "ADA", "USDT"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			base, quote := splitSymbol(tt.in)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.quote, quote)
		})
	}
}

func TestBinanceVenue_FetchTick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"50500.10","highPrice":"51000","lowPrice":"49000",
			"volume":"1234.5","priceChangePercent":"-1.25","closeTime":1700000000000}`))
	}))
	defer srv.Close()

	venue := NewBinanceVenue(VenueSpec{BaseURL: srv.URL}, srv.Client())
	tick, err := venue.FetchTick(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	assert.Equal(t, "BTC/USDT", tick.Symbol)
	assert.Equal(t, 50500.10, tick.Price)
	assert.Equal(t, 51000.0, tick.High)
	assert.Equal(t, -1.25, tick.PercentChange)
	assert.Equal(t, "binance", tick.Source)
	assert.Equal(t, time.UnixMilli(1700000000000), tick.ObservedAt)
}

func TestBinanceVenue_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	venue := NewBinanceVenue(VenueSpec{Name: "bn", BaseURL: srv.URL}, srv.Client())
	_, err := venue.FetchTick(context.Background(), "NOPE/USDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "bn")
}

func TestBinanceVenue_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	venue := NewBinanceVenue(VenueSpec{BaseURL: srv.URL}, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := venue.FetchTick(ctx, "BTC/USDT")
	assert.Error(t, err)
}

func TestCoinbaseVenue_FetchTick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/ETH-USD/stats", r.URL.Path)
		w.Write([]byte(`{"open":"4000","high":"4300","low":"3900","last":"4200","volume":"99.5"}`))
	}))
	defer srv.Close()

	venue := NewCoinbaseVenue(VenueSpec{BaseURL: srv.URL, RateLimit: 100, Burst: 1}, srv.Client())
	tick, err := venue.FetchTick(context.Background(), "ETH/USD")
	require.NoError(t, err)

	assert.Equal(t, 4200.0, tick.Price)
	assert.Equal(t, 99.5, tick.Volume)
	assert.InDelta(t, 5.0, tick.PercentChange, 1e-9)
	assert.Equal(t, "coinbase", tick.Source)
}

func TestCoinbaseVenue_ZeroLastIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"open":"0","last":"0"}`))
	}))
	defer srv.Close()

	_, err := NewCoinbaseVenue(VenueSpec{BaseURL: srv.URL}, srv.Client()).FetchTick(context.Background(), "X/USD")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestMockVenue(t *testing.T) {
	venue := NewMockVenue("sim", []string{"BTC/USDT"}, 0)

	for i := 0; i < 50; i++ {
		tick, err := venue.FetchTick(context.Background(), "BTC/USDT")
		require.NoError(t, err)
		assert.Greater(t, tick.Price, 0.0)
		assert.GreaterOrEqual(t, tick.High, tick.Price)
		assert.LessOrEqual(t, tick.Low, tick.Price)
	}

	tick, err := venue.FetchTick(context.Background(), "NEW/USDT")
	require.NoError(t, err, "unknown symbols are seeded on demand")
	assert.Greater(t, tick.Price, 0.0)

	_, err = NewMockVenue("down", nil, 1).FetchTick(context.Background(), "BTC/USDT")
	assert.Error(t, err)
}

func TestBinanceStreamVenue(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/ws/"))
		assert.Contains(t, r.URL.Path, "btcusdt@ticker")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT",
			"p":"-12.5","P":"-0.25","c":"50500.10","C":1700000000999,"h":"51000","l":"49000","L":42,"v":"10"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"24hrTicker","s":"DOGEUSDT","c":"0.1"}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	venue := NewBinanceStreamVenue(VenueSpec{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")},
		[]string{"BTC/USDT"}, zap.NewNop())

	_, err := venue.FetchTick(context.Background(), "BTC/USDT")
	assert.ErrorIs(t, err, ErrNoData, "nothing streamed before connect")

	require.NoError(t, venue.Connect(context.Background()))
	defer venue.Close()

	require.Eventually(t, func() bool {
		_, err := venue.FetchTick(context.Background(), "BTC/USDT")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	tick, err := venue.FetchTick(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 50500.10, tick.Price, "close time must not overwrite close price")
	assert.Equal(t, -0.25, tick.PercentChange)
	assert.Equal(t, time.UnixMilli(1700000000000), tick.ObservedAt)

	_, err = venue.FetchTick(context.Background(), "DOGE/USDT")
	assert.ErrorIs(t, err, ErrNoData, "unsubscribed symbols are ignored")
}

func TestBinanceStreamVenue_ConnectFailure(t *testing.T) {
	venue := NewBinanceStreamVenue(VenueSpec{BaseURL: "ws://127.0.0.1:1"}, []string{"BTC/USDT"}, zap.NewNop())
	assert.Error(t, venue.Connect(context.Background()))
	assert.NoError(t, venue.Close())
}
