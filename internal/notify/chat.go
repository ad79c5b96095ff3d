package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"market-alerts/pkg/models"
)

const defaultTelegramURL = "https://api.telegram.org"

type TelegramConfig struct {
	Token          string
	APIURL         string
	DefaultChatIDs []string
}

// ChatNotifier posts alerts through the Telegram Bot API.
type ChatNotifier struct {
	cfg    TelegramConfig
	bot    *bot.Bot
	botErr error
}

// NewChatNotifier builds the bot client without contacting Telegram. A nil client uses
// one with a 10s timeout.
func NewChatNotifier(cfg TelegramConfig, client *http.Client) *ChatNotifier {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultTelegramURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	n := &ChatNotifier{cfg: cfg}
	if cfg.Token != "" {
		n.bot, n.botErr = bot.New(cfg.Token,
			bot.WithSkipGetMe(),
			bot.WithServerURL(cfg.APIURL),
			bot.WithHTTPClient(client.Timeout, client),
		)
	}
	return n
}

func (n *ChatNotifier) Channel() models.Channel { return models.ChannelChatBot }

func (n *ChatNotifier) Available() error {
	if n.cfg.Token == "" {
		return fmt.Errorf("%w: telegram bot token not configured", ErrUnavailable)
	}
	return nil
}

// Deliver sends to every chat id. All destinations are attempted; the errors are joined.
func (n *ChatNotifier) Deliver(ctx context.Context, msg Message, recipients []string) error {
	if err := n.Available(); err != nil {
		return err
	}
	if n.botErr != nil {
		return fmt.Errorf("telegram client: %s", n.redact(n.botErr))
	}
	chats := recipients
	if len(chats) == 0 {
		chats = n.cfg.DefaultChatIDs
	}
	if len(chats) == 0 {
		return fmt.Errorf("%w: no chat destinations", ErrUnavailable)
	}

	var errs []error
	for _, chatID := range chats {
		_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      msg.Markup,
			ParseMode: tgmodels.ParseModeHTML,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %s: sendMessage: %s", chatID, n.redact(err)))
		}
	}
	return errors.Join(errs...)
}

// redact strips the bot token, which transport errors carry inside the request url.
func (n *ChatNotifier) redact(err error) string {
	return strings.ReplaceAll(err.Error(), n.cfg.Token, "<token>")
}
