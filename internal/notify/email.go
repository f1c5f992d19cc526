package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          string
}

// EmailNotifier is the platform notification channel. It delivers outcome
// notices through SendGrid and is only permitted when an API key, a sender
// and a recipient are configured.
type EmailNotifier struct {
	cfg  EmailConfig
	send func(*mail.SGMailV3) (int, error)
}

func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	client := sendgrid.NewSendClient(cfg.APIKey)
	return &EmailNotifier{
		cfg: cfg,
		send: func(m *mail.SGMailV3) (int, error) {
			response, err := client.Send(m)
			if err != nil {
				return 0, err
			}
			return response.StatusCode, nil
		},
	}
}

func (e *EmailNotifier) Permitted() bool {
	return e != nil && e.cfg.APIKey != "" && e.cfg.FromAddress != "" && e.cfg.To != ""
}

func (e *EmailNotifier) Notify(ctx context.Context, n Notification) error {
	if !e.Permitted() {
		return errors.New("email notifications are not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := mail.NewEmail(e.cfg.FromName, e.cfg.FromAddress)
	to := mail.NewEmail("", e.cfg.To)
	body := n.Body
	if body == "" {
		body = n.Title
	}
	email := mail.NewSingleEmail(from, n.Title, to, body, body)

	status, err := e.send(email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("sendgrid error: status %d", status)
	}

	return nil
}
