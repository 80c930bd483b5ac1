// Package notify delivers backup outcome messages to the configured
// channels. Telegram is a real HTTP integration; email delivery is simulated
// and only logged, matching the deployment environments this tool targets.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/securevault/securevault/pkg/config"
	"github.com/securevault/securevault/pkg/plog"
)

const (
	telegramAPIBase = "https://api.telegram.org"
	requestTimeout  = 15 * time.Second

	// errorBodyLimit bounds how much of a failed response ends up in the
	// returned error.
	errorBodyLimit = 512
)

// Notifier delivers one outcome message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Telegram sends messages through the Telegram bot API.
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
	baseURL  string
}

// NewTelegram creates a Telegram notifier from the bot credentials.
func NewTelegram(cfg config.TelegramConfig) *Telegram {
	return &Telegram{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: requestTimeout},
		baseURL:  telegramAPIBase,
	}
}

// Notify sends message to the configured chat.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	q := url.Values{}
	q.Set("chat_id", t.chatID)
	q.Set("text", message)
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage?%s", t.baseURL, t.botToken, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build Telegram request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("Telegram notification failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return fmt.Errorf("Telegram notification failed: %s: %s", resp.Status, body)
	}

	plog.Info("Telegram notification sent", "chatId", t.chatID)
	return nil
}

// Email is a simulated notifier: it logs what would have been sent. Real SMTP
// delivery has never been wired because the target hosts run without an MTA.
type Email struct {
	to         string
	smtpServer string
}

// NewEmail creates the simulated email notifier.
func NewEmail(cfg config.EmailConfig) *Email {
	return &Email{to: cfg.EmailTo, smtpServer: cfg.SMTPServer}
}

// Notify logs the message it would have mailed.
func (e *Email) Notify(ctx context.Context, message string) error {
	plog.Info("Email notification (simulated)", "to", e.to, "smtpServer", e.smtpServer, "message", message)
	return nil
}

// Multi fans one message out to every notifier and joins their failures. A
// failing channel never blocks the others.
type Multi []Notifier

// Notify delivers message through each channel in order.
func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop is the notifier used when no channel is configured.
type Noop struct{}

// Notify discards the message.
func (Noop) Notify(ctx context.Context, message string) error { return nil }

// FromConfig assembles the notifier stack for the enabled channels.
func FromConfig(cfg config.Config) Notifier {
	var m Multi
	if cfg.Telegram.Enabled() {
		m = append(m, NewTelegram(cfg.Telegram))
	}
	if cfg.Email.Enabled() {
		m = append(m, NewEmail(cfg.Email))
	}
	if len(m) == 0 {
		return Noop{}
	}
	return m
}

var (
	_ Notifier = (*Telegram)(nil)
	_ Notifier = (*Email)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = Noop{}
)
