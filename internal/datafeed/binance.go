package datafeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"market-alerts/pkg/models"
)

const defaultBinanceURL = "https://api.binance.com"

// BinanceVenue polls the Binance 24hr ticker REST endpoint.
type BinanceVenue struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// binanceTicker is the subset of /api/v3/ticker/24hr we use. Binance encodes numbers as
// strings; decimal accepts both forms.
type binanceTicker struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	Volume             decimal.Decimal `json:"volume"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	CloseTime          int64           `json:"closeTime"`
}

func NewBinanceVenue(spec VenueSpec, client *http.Client) *BinanceVenue {
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = defaultBinanceURL
	}
	name := spec.Name
	if name == "" {
		name = "binance"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &BinanceVenue{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: newLimiter(spec.RateLimit, spec.Burst),
	}
}

func (b *BinanceVenue) Name() string { return b.name }

func (b *BinanceVenue) FetchTick(ctx context.Context, symbol string) (models.Tick, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return models.Tick{}, err
	}

	base, quote := splitSymbol(symbol)
	endpoint := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", b.baseURL, url.QueryEscape(base+quote))

	var t binanceTicker
	if err := getJSON(ctx, b.client, endpoint, &t); err != nil {
		return models.Tick{}, fmt.Errorf("%s: %w", b.name, err)
	}
	if !t.LastPrice.IsPositive() {
		return models.Tick{}, fmt.Errorf("%s: %s: %w", b.name, symbol, ErrNoData)
	}

	observed := time.Now()
	if t.CloseTime > 0 {
		observed = time.UnixMilli(t.CloseTime)
	}

	return models.Tick{
		Symbol:        symbol,
		Price:         t.LastPrice.InexactFloat64(),
		High:          t.HighPrice.InexactFloat64(),
		Low:           t.LowPrice.InexactFloat64(),
		Volume:        t.Volume.InexactFloat64(),
		PercentChange: t.PriceChangePercent.InexactFloat64(),
		Source:        b.name,
		ObservedAt:    observed,
	}, nil
}

// newLimiter paces REST venues. A non-positive rate disables pacing.
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
