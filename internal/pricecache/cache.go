package pricecache

import (
	"sort"
	"sync"

	"market-alerts/pkg/models"
)

// Cache holds the latest tick per symbol. Entries are replaced whole, never merged.
type Cache struct {
	ticks map[string]models.Tick
	mu    sync.RWMutex
}

func New() *Cache {
	return &Cache{
		ticks: make(map[string]models.Tick),
	}
}

func (c *Cache) Set(tick models.Tick) {
	c.mu.Lock()
	c.ticks[tick.Symbol] = tick
	c.mu.Unlock()
}

func (c *Cache) Get(symbol string) (models.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tick, ok := c.ticks[symbol]
	return tick, ok
}

// Snapshot returns every cached tick ordered by symbol.
func (c *Cache) Snapshot() []models.Tick {
	c.mu.RLock()
	ticks := make([]models.Tick, 0, len(c.ticks))
	for _, tick := range c.ticks {
		ticks = append(ticks, tick)
	}
	c.mu.RUnlock()

	sort.Slice(ticks, func(i, j int) bool {
		return ticks[i].Symbol < ticks[j].Symbol
	})
	return ticks
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ticks)
}
