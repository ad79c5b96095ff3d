package notify

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"
	"time"

	"market-alerts/pkg/models"
)

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif">
  <h2>{{.Symbol}} alert</h2>
  <p>{{.Message}}</p>
  <table cellpadding="4">
    <tr><td>Condition</td><td>{{.Condition}} {{printf "%.4f" .Threshold}}</td></tr>
    <tr><td>Price</td><td>{{printf "%.4f" .CurrentPrice}}</td></tr>
    <tr><td>Previous</td><td>{{printf "%.4f" .PreviousPrice}}</td></tr>
    <tr><td>Change</td><td>{{printf "%+.2f" .ChangePercent}}%</td></tr>
    <tr><td>Triggered</td><td>{{.TriggeredAt.UTC.Format "2006-01-02 15:04:05 MST"}}</td></tr>
  </table>
  <p style="color: #888">Rule {{.RuleID}}</p>
</body>
</html>`))

// Renderer turns a trigger into the per-channel message bodies.
type Renderer struct {
	html *template.Template
}

func NewRenderer() *Renderer {
	return &Renderer{html: emailTemplate}
}

func (r *Renderer) Render(ev *models.TriggerEvent) (Message, error) {
	var buf bytes.Buffer
	if err := r.html.Execute(&buf, ev); err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}

	return Message{
		Subject: fmt.Sprintf("[Price Alert] %s %s", ev.Symbol, conditionLabel(ev)),
		Text:    renderText(ev),
		HTML:    buf.String(),
		Markup:  renderMarkup(ev),
		Event:   ev,
	}, nil
}

func conditionLabel(ev *models.TriggerEvent) string {
	switch ev.Condition {
	case models.ConditionAbove:
		return fmt.Sprintf("above %.4f", ev.Threshold)
	case models.ConditionBelow:
		return fmt.Sprintf("below %.4f", ev.Threshold)
	case models.ConditionChangeUp:
		return fmt.Sprintf("up %.2f%%", ev.Threshold)
	case models.ConditionChangeDown:
		return fmt.Sprintf("down %.2f%%", ev.Threshold)
	default:
		return ev.Condition.String()
	}
}

func renderText(ev *models.TriggerEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ALERT %s\n", ev.Message)
	fmt.Fprintf(&b, "rule=%s price=%.4f previous=%.4f change=%+.2f%% at=%s",
		ev.RuleID, ev.CurrentPrice, ev.PreviousPrice, ev.ChangePercent, ev.TriggeredAt.Format(time.RFC3339))
	return b.String()
}

func renderMarkup(ev *models.TriggerEvent) string {
	return fmt.Sprintf("🚨 <b>%s</b>\n%s\nPrice: <code>%.4f</code> (%+.2f%%)\n<i>%s</i>",
		html.EscapeString(ev.Symbol),
		html.EscapeString(ev.Message),
		ev.CurrentPrice,
		ev.ChangePercent,
		ev.TriggeredAt.UTC().Format("2006-01-02 15:04:05 MST"))
}
