package datafeed

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Factory builds a venue for the configured symbols.
type Factory func(spec VenueSpec, symbols []string, logger *zap.Logger) (Venue, error)

// Registry maps venue kinds to their factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every built-in venue kind.
func DefaultRegistry() *Registry {
	client := &http.Client{Timeout: 10 * time.Second}

	r := NewRegistry()
	r.Register("mock", func(spec VenueSpec, symbols []string, _ *zap.Logger) (Venue, error) {
		return NewMockVenue(nameOr(spec.Name, "mock"), symbols, spec.FailureRate), nil
	})
	r.Register("binance", func(spec VenueSpec, _ []string, _ *zap.Logger) (Venue, error) {
		return NewBinanceVenue(spec, client), nil
	})
	r.Register("coinbase", func(spec VenueSpec, _ []string, _ *zap.Logger) (Venue, error) {
		return NewCoinbaseVenue(spec, client), nil
	})
	r.Register("binance_ws", func(spec VenueSpec, symbols []string, logger *zap.Logger) (Venue, error) {
		return NewBinanceStreamVenue(spec, symbols, logger), nil
	})
	return r
}

func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

func (r *Registry) Build(spec VenueSpec, symbols []string, logger *zap.Logger) (Venue, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown venue kind %q", spec.Kind)
	}
	return factory(spec, symbols, logger)
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
