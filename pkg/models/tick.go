package models

import "time"

// Tick represents one normalized price observation for a symbol from one venue
type Tick struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Volume        float64   `json:"volume"`
	PercentChange float64   `json:"percent_change"`
	Source        string    `json:"source"`
	ObservedAt    time.Time `json:"observed_at"`
}

// NewTick creates a price-only tick observed now
func NewTick(symbol, source string, price float64) Tick {
	return Tick{
		Symbol:     symbol,
		Price:      price,
		High:       price,
		Low:        price,
		Source:     source,
		ObservedAt: time.Now(),
	}
}
