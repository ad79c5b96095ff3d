package notify

import (
	"context"
	"errors"

	"market-alerts/pkg/models"
)

// ErrUnavailable marks a channel whose configuration is absent. It is a permanent state,
// reported once, and distinct from a failed delivery.
var ErrUnavailable = errors.New("channel unavailable")

// Message is one trigger rendered for every channel family.
type Message struct {
	Subject string
	Text    string // log and console
	HTML    string // email alternative part
	Markup  string // chat, Telegram HTML subset
	Event   *models.TriggerEvent
}

// Notifier delivers rendered messages over one channel.
type Notifier interface {
	Channel() models.Channel
	// Available reports ErrUnavailable (wrapped) when the channel cannot be used at all.
	Available() error
	Deliver(ctx context.Context, msg Message, recipients []string) error
}
