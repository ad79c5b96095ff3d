// Package testutil holds hand-written fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"market-alerts/pkg/models"
)

// FakeVenue serves scripted prices per symbol. A symbol with no script fails.
type FakeVenue struct {
	name   string
	prices map[string][]float64
	fail   error
	panics bool
	calls  atomic.Int64
	mu     sync.Mutex
}

func NewFakeVenue(name string) *FakeVenue {
	return &FakeVenue{name: name, prices: make(map[string][]float64)}
}

// WithPrices queues prices for symbol; the last one repeats once the queue drains.
func (f *FakeVenue) WithPrices(symbol string, prices ...float64) *FakeVenue {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = append(f.prices[symbol], prices...)
	return f
}

// FailWith makes every fetch return err.
func (f *FakeVenue) FailWith(err error) *FakeVenue {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
	return f
}

// Panicking makes every fetch panic.
func (f *FakeVenue) Panicking() *FakeVenue {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics = true
	return f
}

func (f *FakeVenue) Name() string { return f.name }

func (f *FakeVenue) Calls() int64 { return f.calls.Load() }

func (f *FakeVenue) FetchTick(ctx context.Context, symbol string) (models.Tick, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return models.Tick{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.panics {
		panic(fmt.Sprintf("%s exploded", f.name))
	}
	if f.fail != nil {
		return models.Tick{}, f.fail
	}

	queue := f.prices[symbol]
	if len(queue) == 0 {
		return models.Tick{}, fmt.Errorf("%s: no price scripted for %s", f.name, symbol)
	}
	price := queue[0]
	if len(queue) > 1 {
		f.prices[symbol] = queue[1:]
	}
	return models.NewTick(symbol, f.name, price), nil
}

var ErrConnectionClosed = errors.New("connection closed")

// MockConnection records what a viewer would have received.
type MockConnection struct {
	id       string
	messages [][]byte
	failSend bool
	closed   bool
	closes   int
	mu       sync.Mutex
}

func NewMockConnection(id string) *MockConnection {
	return &MockConnection{id: id}
}

// Failing makes every Send return an error, like a departed viewer.
func (c *MockConnection) Failing() *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = true
	return c
}

func (c *MockConnection) ID() string { return c.id }

func (c *MockConnection) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failSend || c.closed {
		return ErrConnectionClosed
	}
	c.messages = append(c.messages, append([]byte(nil), msg...))
	return nil
}

func (c *MockConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

func (c *MockConnection) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.messages...)
}

func (c *MockConnection) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// TriggerRecorder collects published trigger events.
type TriggerRecorder struct {
	events []*models.TriggerEvent
	mu     sync.Mutex
}

func (r *TriggerRecorder) Publish(ev *models.TriggerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *TriggerRecorder) Events() []*models.TriggerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.TriggerEvent(nil), r.events...)
}
