package alerts

import (
	"sync"

	"market-alerts/pkg/models"
)

const (
	DefaultPriceWindow  = 100
	DefaultHistoryLimit = 1000
)

// PriceHistory keeps a bounded window of recent prices per symbol.
type PriceHistory struct {
	capacity int
	series   map[string]*Ring[float64]
	mu       sync.Mutex
}

func NewPriceHistory(capacity int) *PriceHistory {
	if capacity <= 0 {
		capacity = DefaultPriceWindow
	}
	return &PriceHistory{
		capacity: capacity,
		series:   make(map[string]*Ring[float64]),
	}
}

// Baseline returns the most recent price recorded before this tick, or current when the
// window is empty. Percent rules therefore measure tick-to-tick moves, not the move since the
// oldest sample in the window; the window is kept for inspection only. A slow drift split
// into steps each under the threshold never fires.
func (h *PriceHistory) Baseline(symbol string, current float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.series[symbol]; ok {
		if p, ok := r.Newest(); ok {
			return p
		}
	}
	return current
}

func (h *PriceHistory) Record(symbol string, price float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.series[symbol]
	if !ok {
		r = NewRing[float64](h.capacity)
		h.series[symbol] = r
	}
	r.Push(price)
}

// Window returns the retained prices for symbol, oldest first.
func (h *PriceHistory) Window(symbol string) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.series[symbol]
	if !ok {
		return nil
	}
	return r.Slice()
}

// History is the bounded audit log of dispatched triggers.
type History struct {
	records *Ring[models.HistoryRecord]
	mu      sync.RWMutex
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryLimit
	}
	return &History{records: NewRing[models.HistoryRecord](capacity)}
}

func (h *History) Append(record models.HistoryRecord) {
	h.mu.Lock()
	h.records.Push(record)
	h.mu.Unlock()
}

// List returns records newest first, optionally restricted to one rule. limit <= 0 means no limit.
func (h *History) List(ruleID string, limit int) []models.HistoryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.HistoryRecord, 0)
	for i := h.records.Len() - 1; i >= 0; i-- {
		rec := h.records.At(i)
		if ruleID != "" && (rec.Event == nil || rec.Event.RuleID != ruleID) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.records.Len()
}
