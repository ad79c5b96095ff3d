package datafeed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"market-alerts/pkg/models"
)

// MockVenue simulates a venue with a random walk per symbol.
type MockVenue struct {
	name        string
	prices      map[string]*mockSeries
	failureRate float64
	rng         *rand.Rand
	mu          sync.Mutex
}

type mockSeries struct {
	open, high, low, last, volume float64
}

// Realistic starting prices in USD; unknown symbols start between $1 and $100.
var initialPrices = map[string]float64{
	"BTC":   110000.00,
	"ETH":   4200.00,
	"ADA":   0.65,
	"SOL":   180.00,
	"DOT":   8.50,
	"MATIC": 1.20,
	"AVAX":  45.00,
	"LINK":  18.50,
}

func NewMockVenue(name string, symbols []string, failureRate float64) *MockVenue {
	m := &MockVenue{
		name:        name,
		prices:      make(map[string]*mockSeries),
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, symbol := range symbols {
		m.seed(symbol)
	}
	return m
}

func (m *MockVenue) Name() string { return m.name }

func (m *MockVenue) seed(symbol string) *mockSeries {
	base, _ := splitSymbol(symbol)
	price, ok := initialPrices[base]
	if !ok {
		price = 1.00 + m.rng.Float64()*99.00
	}
	s := &mockSeries{open: price, high: price, low: price, last: price}
	m.prices[symbol] = s
	return s
}

func (m *MockVenue) FetchTick(ctx context.Context, symbol string) (models.Tick, error) {
	if err := ctx.Err(); err != nil {
		return models.Tick{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failureRate > 0 && m.rng.Float64() < m.failureRate {
		return models.Tick{}, fmt.Errorf("%s: simulated outage for %s", m.name, symbol)
	}

	s, ok := m.prices[symbol]
	if !ok {
		s = m.seed(symbol)
	}

	// Move between 0.1% and 2% of the current price in either direction.
	maxChange := s.last * 0.02
	minChange := s.last * 0.001
	change := minChange + m.rng.Float64()*(maxChange-minChange)
	if m.rng.Float64() < 0.5 {
		change = -change
	}

	s.last += change
	if s.last < 0.01 {
		s.last = 0.01
	}
	s.high = max(s.high, s.last)
	s.low = min(s.low, s.last)
	s.volume += m.rng.Float64() * 10

	return models.Tick{
		Symbol:        symbol,
		Price:         s.last,
		High:          s.high,
		Low:           s.low,
		Volume:        s.volume,
		PercentChange: (s.last - s.open) / s.open * 100,
		Source:        m.name,
		ObservedAt:    time.Now(),
	}, nil
}
