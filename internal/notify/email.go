package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"market-alerts/pkg/models"
)

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	DefaultTo []string
}

// MailSender is satisfied by *mail.Client.
type MailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailNotifier sends multipart/alternative mail through an SMTP relay.
type EmailNotifier struct {
	cfg  SMTPConfig
	dial func(SMTPConfig) (MailSender, error)
}

func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, dial: newMailClient}
}

// WithSender replaces the SMTP transport.
func (n *EmailNotifier) WithSender(sender MailSender) *EmailNotifier {
	n.dial = func(SMTPConfig) (MailSender, error) { return sender, nil }
	return n
}

// newMailClient builds a client per delivery; a mail.Client is not safe for concurrent sends.
func newMailClient(cfg SMTPConfig) (MailSender, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	return mail.NewClient(cfg.Host, opts...)
}

func (n *EmailNotifier) Channel() models.Channel { return models.ChannelEmail }

func (n *EmailNotifier) Available() error {
	var missing []string
	if n.cfg.Host == "" {
		missing = append(missing, "host")
	}
	if n.cfg.Port <= 0 {
		missing = append(missing, "port")
	}
	if n.cfg.From == "" {
		missing = append(missing, "from")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: smtp %s not configured", ErrUnavailable, strings.Join(missing, ", "))
	}
	return nil
}

func (n *EmailNotifier) Deliver(ctx context.Context, msg Message, recipients []string) error {
	if err := n.Available(); err != nil {
		return err
	}
	to := recipients
	if len(to) == 0 {
		to = n.cfg.DefaultTo
	}
	if len(to) == 0 {
		return fmt.Errorf("%w: no email recipients", ErrUnavailable)
	}

	m, err := buildMail(n.cfg.From, to, msg)
	if err != nil {
		return err
	}

	sender, err := n.dial(n.cfg)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := sender.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send to %d recipients: %w", len(to), err)
	}
	return nil
}

func buildMail(from string, to []string, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(to...); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	return m, nil
}
