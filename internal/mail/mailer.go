// Package mail renders and delivers release notification emails over SMTP.
// An unconfigured transport is a valid inert state: sends succeed without
// doing anything so the engine behaves the same in environments without
// outbound mail.
package mail

import (
	"context"
	"errors"
	"fmt"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

var errMissingRecipient = errors.New("mail: recipient address is required")

// Config describes the SMTP transport. An empty Host leaves the transport
// unconfigured.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Message is one outbound notification.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers messages over SMTP.
type Mailer struct {
	cfg    Config
	logger *zap.Logger
}

// NewMailer constructs the mailer. The returned mailer is usable even when
// the config is empty; Send then degrades to a logged no-op.
func NewMailer(cfg Config, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{cfg: cfg, logger: logger}
}

// Configured reports whether the transport can actually deliver mail.
func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.Port > 0 && m.cfg.From != ""
}

// Send delivers the message, or logs and succeeds when the transport is not
// configured.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errMissingRecipient
	}

	if !m.Configured() {
		m.logger.Info("mail transport not configured, skipping delivery",
			zap.String("to", msg.To),
			zap.String("subject", msg.Subject))
		return nil
	}

	options := []gomail.Option{gomail.WithPort(m.cfg.Port)}
	if m.cfg.Username != "" {
		options = append(options,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.Username),
			gomail.WithPassword(m.cfg.Password))
	}

	client, err := gomail.NewClient(m.cfg.Host, options...)
	if err != nil {
		return fmt.Errorf("mail: client setup: %w", err)
	}

	outbound := gomail.NewMsg()
	if err := outbound.FromFormat("ReleaseBell", m.cfg.From); err != nil {
		return fmt.Errorf("mail: from address: %w", err)
	}
	if err := outbound.To(msg.To); err != nil {
		return fmt.Errorf("mail: to address: %w", err)
	}
	outbound.Subject(msg.Subject)
	outbound.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		outbound.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}

	if err := client.DialAndSendWithContext(ctx, outbound); err != nil {
		return fmt.Errorf("mail: send: %w", err)
	}
	return nil
}
