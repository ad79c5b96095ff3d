package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Condition int

const (
	ConditionUnspecified Condition = iota
	ConditionAbove
	ConditionBelow
	ConditionChangeUp
	ConditionChangeDown
)

func (c Condition) String() string {
	switch c {
	case ConditionAbove:
		return "above"
	case ConditionBelow:
		return "below"
	case ConditionChangeUp:
		return "change_up_percent"
	case ConditionChangeDown:
		return "change_down_percent"
	default:
		return "unknown"
	}
}

func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Condition) UnmarshalText(text []byte) error {
	parsed, err := ParseCondition(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// IsPercent reports whether the condition compares against the price history baseline.
func (c Condition) IsPercent() bool {
	return c == ConditionChangeUp || c == ConditionChangeDown
}

func ParseCondition(s string) (Condition, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "above", ">", "gt":
		return ConditionAbove, nil
	case "below", "<", "lt":
		return ConditionBelow, nil
	case "change_up_percent", "change_up", "up":
		return ConditionChangeUp, nil
	case "change_down_percent", "change_down", "down":
		return ConditionChangeDown, nil
	default:
		return ConditionUnspecified, fmt.Errorf("unknown condition %q", s)
	}
}

// Channel is a notification channel kind. ChannelAll is a selector, not a deliverable channel.
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelConsole Channel = "console"
	ChannelEmail   Channel = "email"
	ChannelChatBot Channel = "chatbot"
	ChannelAll     Channel = "all"
)

// DeliverableChannels lists every concrete channel in dispatch order.
var DeliverableChannels = []Channel{ChannelLog, ChannelConsole, ChannelEmail, ChannelChatBot}

func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "log":
		return ChannelLog, nil
	case "console":
		return ChannelConsole, nil
	case "email", "mail":
		return ChannelEmail, nil
	case "chatbot", "chat", "telegram":
		return ChannelChatBot, nil
	case "all":
		return ChannelAll, nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

// AlertRule is a user-defined condition on one symbol.
//
// Armed is true while the condition is not satisfied; the engine flips it to false when it
// emits a trigger and back to true on the first tick where the condition no longer holds.
// Revision increases on every user edit so a state change computed from an older copy
// can be refused.
type AlertRule struct {
	ID              string               `json:"id"`
	Symbol          string               `json:"symbol"`
	Condition       Condition            `json:"condition"`
	Threshold       float64              `json:"threshold"`
	Channels        []Channel            `json:"channels"`
	Recipients      map[Channel][]string `json:"recipients,omitempty"`
	Note            string               `json:"note,omitempty"`
	Enabled         bool                 `json:"enabled"`
	Armed           bool                 `json:"armed"`
	Revision        uint64               `json:"revision"`
	CreatedAt       time.Time            `json:"created_at"`
	LastTriggeredAt *time.Time           `json:"last_triggered_at,omitempty"`
}

func NewAlertRule(symbol string, condition Condition, threshold float64, channels []Channel, recipients map[Channel][]string) *AlertRule {
	return &AlertRule{
		ID:         uuid.New().String(),
		Symbol:     symbol,
		Condition:  condition,
		Threshold:  threshold,
		Channels:   channels,
		Recipients: recipients,
		Enabled:    true,
		Armed:      true,
		CreatedAt:  time.Now(),
	}
}

// Evaluate reports whether the condition holds for price p given baseline p0.
func (r *AlertRule) Evaluate(p, p0 float64) (bool, error) {
	switch r.Condition {
	case ConditionAbove:
		return p > r.Threshold, nil
	case ConditionBelow:
		return p < r.Threshold, nil
	case ConditionChangeUp:
		change, err := PercentChange(p, p0)
		if err != nil {
			return false, err
		}
		return change > r.Threshold, nil
	case ConditionChangeDown:
		change, err := PercentChange(p, p0)
		if err != nil {
			return false, err
		}
		return change < -r.Threshold, nil
	default:
		return false, fmt.Errorf("rule %s: unsupported condition %d", r.ID, r.Condition)
	}
}

// Clone returns a deep copy safe to hand out of a locked collection.
func (r *AlertRule) Clone() *AlertRule {
	c := *r
	c.Channels = append([]Channel(nil), r.Channels...)
	if r.Recipients != nil {
		c.Recipients = make(map[Channel][]string, len(r.Recipients))
		for ch, to := range r.Recipients {
			c.Recipients[ch] = append([]string(nil), to...)
		}
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

func PercentChange(p, p0 float64) (float64, error) {
	if p0 == 0 {
		return 0, fmt.Errorf("percent change against zero baseline")
	}
	return (p - p0) / p0 * 100, nil
}

// TriggerEvent is emitted once per armed->triggered transition of a rule.
type TriggerEvent struct {
	ID            string               `json:"id"`
	RuleID        string               `json:"rule_id"`
	Symbol        string               `json:"symbol"`
	Condition     Condition            `json:"condition"`
	Threshold     float64              `json:"threshold"`
	CurrentPrice  float64              `json:"current_price"`
	PreviousPrice float64              `json:"previous_price"`
	ChangePercent float64              `json:"change_percent"`
	Message       string               `json:"message"`
	Channels      []Channel            `json:"channels"`
	Recipients    map[Channel][]string `json:"recipients,omitempty"`
	TriggeredAt   time.Time            `json:"triggered_at"`
}

func NewTriggerEvent(rule *AlertRule, current, previous float64) *TriggerEvent {
	change, _ := PercentChange(current, previous)
	ev := &TriggerEvent{
		ID:            uuid.New().String(),
		RuleID:        rule.ID,
		Symbol:        rule.Symbol,
		Condition:     rule.Condition,
		Threshold:     rule.Threshold,
		CurrentPrice:  current,
		PreviousPrice: previous,
		ChangePercent: change,
		Channels:      rule.Channels,
		Recipients:    rule.Recipients,
		TriggeredAt:   time.Now(),
	}
	ev.Message = FormatTrigger(ev)
	return ev
}

// FormatTrigger renders the one-line description carried by every notification.
func FormatTrigger(ev *TriggerEvent) string {
	switch ev.Condition {
	case ConditionAbove:
		return fmt.Sprintf("%s price %.4f rose above %.4f", ev.Symbol, ev.CurrentPrice, ev.Threshold)
	case ConditionBelow:
		return fmt.Sprintf("%s price %.4f fell below %.4f", ev.Symbol, ev.CurrentPrice, ev.Threshold)
	case ConditionChangeUp:
		return fmt.Sprintf("%s up %.2f%% (%.4f -> %.4f), threshold +%.2f%%",
			ev.Symbol, ev.ChangePercent, ev.PreviousPrice, ev.CurrentPrice, ev.Threshold)
	case ConditionChangeDown:
		return fmt.Sprintf("%s down %.2f%% (%.4f -> %.4f), threshold -%.2f%%",
			ev.Symbol, -ev.ChangePercent, ev.PreviousPrice, ev.CurrentPrice, ev.Threshold)
	default:
		return fmt.Sprintf("%s triggered at %.4f", ev.Symbol, ev.CurrentPrice)
	}
}

type DeliveryStatus string

const (
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryFailed      DeliveryStatus = "failed"
	DeliveryUnavailable DeliveryStatus = "unavailable"
)

type DeliveryResult struct {
	Channel Channel        `json:"channel"`
	Status  DeliveryStatus `json:"status"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

// HistoryRecord is one entry of the bounded trigger audit log.
type HistoryRecord struct {
	Event      *TriggerEvent    `json:"event"`
	Deliveries []DeliveryResult `json:"deliveries"`
}
