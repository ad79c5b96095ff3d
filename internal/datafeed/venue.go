package datafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"market-alerts/pkg/models"
)

var (
	// ErrNoData means the venue has not observed the symbol yet.
	ErrNoData = errors.New("no data for symbol")
	// ErrNoVenues is fatal: the aggregator has nothing to poll.
	ErrNoVenues = errors.New("no venue adapters available")
)

// Venue is one upstream market. FetchTick must honour ctx and never block past it.
type Venue interface {
	Name() string
	FetchTick(ctx context.Context, symbol string) (models.Tick, error)
}

// Connector is implemented by venues that hold a long-lived connection.
type Connector interface {
	Connect(ctx context.Context) error
}

// VenueSpec describes one configured venue.
type VenueSpec struct {
	Name        string
	Kind        string
	BaseURL     string
	RateLimit   float64 // requests per second, REST venues
	Burst       int
	FailureRate float64 // mock only
}

// splitSymbol turns "BTC/USDT" into ("BTC", "USDT"). A bare symbol is quoted in USDT.
func splitSymbol(symbol string) (string, string) {
	for _, sep := range []string{"/", "-", "_"} {
		if base, quote, ok := strings.Cut(symbol, sep); ok {
			return strings.ToUpper(base), strings.ToUpper(quote)
		}
	}
	return strings.ToUpper(symbol), "USDT"
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
