package datafeed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"market-alerts/pkg/models"
)

const defaultCoinbaseURL = "https://api.exchange.coinbase.com"

// CoinbaseVenue polls the Coinbase Exchange product stats endpoint.
type CoinbaseVenue struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

type coinbaseStats struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Last   decimal.Decimal `json:"last"`
	Volume decimal.Decimal `json:"volume"`
}

func NewCoinbaseVenue(spec VenueSpec, client *http.Client) *CoinbaseVenue {
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = defaultCoinbaseURL
	}
	name := spec.Name
	if name == "" {
		name = "coinbase"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CoinbaseVenue{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: newLimiter(spec.RateLimit, spec.Burst),
	}
}

func (c *CoinbaseVenue) Name() string { return c.name }

func (c *CoinbaseVenue) FetchTick(ctx context.Context, symbol string) (models.Tick, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.Tick{}, err
	}

	base, quote := splitSymbol(symbol)
	endpoint := fmt.Sprintf("%s/products/%s-%s/stats", c.baseURL, base, quote)

	var s coinbaseStats
	if err := getJSON(ctx, c.client, endpoint, &s); err != nil {
		return models.Tick{}, fmt.Errorf("%s: %w", c.name, err)
	}
	if !s.Last.IsPositive() {
		return models.Tick{}, fmt.Errorf("%s: %s: %w", c.name, symbol, ErrNoData)
	}

	var change float64
	if s.Open.IsPositive() {
		change = s.Last.Sub(s.Open).Div(s.Open).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	return models.Tick{
		Symbol:        symbol,
		Price:         s.Last.InexactFloat64(),
		High:          s.High.InexactFloat64(),
		Low:           s.Low.InexactFloat64(),
		Volume:        s.Volume.InexactFloat64(),
		PercentChange: change,
		Source:        c.name,
		ObservedAt:    time.Now(),
	}, nil
}

