package notify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"market-alerts/pkg/models"
)

func renderFor(t *testing.T, ev *models.TriggerEvent) Message {
	t.Helper()
	msg, err := NewRenderer().Render(ev)
	require.NoError(t, err)
	return msg
}

func TestRenderer(t *testing.T) {
	rule := models.NewAlertRule("<ETH>/USDT", models.ConditionChangeDown, 5, nil, nil)
	msg := renderFor(t, models.NewTriggerEvent(rule, 94, 100))

	assert.Equal(t, "[Price Alert] <ETH>/USDT down 5.00%", msg.Subject)
	assert.Contains(t, msg.Text, "down 6.00%")
	assert.Contains(t, msg.HTML, "&lt;ETH&gt;/USDT")
	assert.NotContains(t, msg.HTML, "<ETH>")
	assert.Contains(t, msg.Markup, "<b>&lt;ETH&gt;/USDT</b>")
}

func TestChatNotifier_Deliver(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "HTML", r.FormValue("parse_mode"))
		assert.Contains(t, r.FormValue("text"), "<b>BTC/USDT</b>")

		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("chat_id") == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
			return
		}
		io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`)
	}))
	defer srv.Close()

	n := NewChatNotifier(TelegramConfig{Token: "TOKEN", APIURL: srv.URL, DefaultChatIDs: []string{"7"}}, srv.Client())
	msg := renderFor(t, testEvent(models.ChannelChatBot))

	require.NoError(t, n.Deliver(context.Background(), msg, nil), "falls back to default chats")
	require.NoError(t, n.Deliver(context.Background(), msg, []string{"1", "2"}))

	err := n.Deliver(context.Background(), msg, []string{"bad", "3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Contains(t, err.Error(), "chat bad")
	assert.NotContains(t, err.Error(), "TOKEN")
	assert.EqualValues(t, 5, hits.Load(), "every destination attempted")
}

func TestChatNotifier_TransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	n := NewChatNotifier(TelegramConfig{Token: "SECRET123", APIURL: url}, nil)
	err := n.Deliver(context.Background(), Message{Markup: "x"}, []string{"1"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET123")
}

func TestChatNotifier_Unavailable(t *testing.T) {
	msg := Message{Markup: "x"}

	n := NewChatNotifier(TelegramConfig{}, nil)
	assert.ErrorIs(t, n.Available(), ErrUnavailable)
	assert.ErrorIs(t, n.Deliver(context.Background(), msg, []string{"1"}), ErrUnavailable)

	n = NewChatNotifier(TelegramConfig{Token: "t"}, nil)
	assert.NoError(t, n.Available())
	assert.ErrorIs(t, n.Deliver(context.Background(), msg, nil), ErrUnavailable, "no destinations")
}

type fakeMailSender struct {
	sent  []*mail.Msg
	block bool
}

func (f *fakeMailSender) DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.sent = append(f.sent, messages...)
	return nil
}

func TestEmailNotifier_Deliver(t *testing.T) {
	sender := &fakeMailSender{}
	n := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com", Username: "u", Password: "p"}).
		WithSender(sender)

	msg := renderFor(t, testEvent(models.ChannelEmail))
	require.NoError(t, n.Deliver(context.Background(), msg, []string{"trader@example.com"}))
	require.Len(t, sender.sent, 1)

	rcpts, err := sender.sent[0].GetRecipients()
	require.NoError(t, err)
	assert.Equal(t, []string{"trader@example.com"}, rcpts)

	var buf bytes.Buffer
	_, err = sender.sent[0].WriteTo(&buf)
	require.NoError(t, err)

	body := buf.String()
	assert.Contains(t, body, "multipart/alternative")
	assert.Contains(t, body, "text/plain")
	assert.Contains(t, body, "text/html")
	assert.Contains(t, body, "alerts@example.com")
	assert.Contains(t, body, "trader@example.com")
}

func TestEmailNotifier_RejectsBadAddress(t *testing.T) {
	sender := &fakeMailSender{}
	n := NewEmailNotifier(SMTPConfig{Host: "h", Port: 25, From: "f@example.com"}).WithSender(sender)

	err := n.Deliver(context.Background(), Message{Text: "t", HTML: "h"}, []string{"not an address"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, sender.sent)
}

func TestEmailNotifier_DefaultClient(t *testing.T) {
	c, err := newMailClient(SMTPConfig{Host: "smtp.example.com", Port: 2525, Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.IsType(t, &mail.Client{}, c)

	_, err = newMailClient(SMTPConfig{Port: 25})
	assert.Error(t, err, "host is required")
}

func TestEmailNotifier_Unavailable(t *testing.T) {
	err := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com"}).Available()
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "port, from")

	n := NewEmailNotifier(SMTPConfig{Host: "h", Port: 25, From: "f@example.com"})
	assert.ErrorIs(t, n.Deliver(context.Background(), Message{}, nil), ErrUnavailable, "no recipients")
}

func TestEmailNotifier_HonoursContext(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{Host: "h", Port: 25, From: "f@example.com", DefaultTo: []string{"a@example.com"}}).
		WithSender(&fakeMailSender{block: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := n.Deliver(ctx, Message{Text: "t", HTML: "h"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalNotifiers(t *testing.T) {
	var out strings.Builder
	msg := renderFor(t, testEvent(models.ChannelConsole))

	require.NoError(t, NewConsoleNotifier(&out).Deliver(context.Background(), msg, nil))
	assert.True(t, strings.HasPrefix(out.String(), msg.Subject))

	require.NoError(t, NewLogNotifier(zap.NewNop()).Deliver(context.Background(), msg, nil))
}
