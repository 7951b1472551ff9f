// Package mailer implements outbound email delivery for the email action.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/hookflow/hookflow/pkg/schema"
)

// Message is a single outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// SMTPConfig holds connection parameters for one SMTP endpoint. A zero
// Username disables authentication; StartTLS upgrades the connection after
// the initial handshake.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
	Timeout  time.Duration
}

// Mailer sends workflow emails. SendWith takes an explicit per-call
// configuration for user-configured email actions; Send uses the mailer's
// default endpoint.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
	SendWith(ctx context.Context, cfg SMTPConfig, msg Message) error
}

const defaultSMTPTimeout = 15 * time.Second

// SMTPMailer is the production Mailer backed by net/smtp.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates a mailer with a default endpoint configuration.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	return m.SendWith(ctx, m.cfg, msg)
}

func (m *SMTPMailer) SendWith(ctx context.Context, cfg SMTPConfig, msg Message) error {
	if cfg.Host == "" {
		return schema.NewError(schema.ErrCodeValidation, "smtp host not configured")
	}
	if !strings.Contains(msg.To, "@") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid recipient %q", msg.To)
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp dial %s: %s", addr, err.Error()).WithCause(err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp handshake: %s", err.Error()).WithCause(err)
	}
	defer client.Close()

	if cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return schema.NewError(schema.ErrCodeExecution, "smtp server does not support STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "smtp starttls: %s", err.Error()).WithCause(err)
		}
	}

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "smtp auth: %s", err.Error()).WithCause(err)
		}
	}

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	if err := client.Mail(from); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp mail from: %s", err.Error()).WithCause(err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp rcpt to: %s", err.Error()).WithCause(err)
	}

	w, err := client.Data()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp data: %s", err.Error()).WithCause(err)
	}
	if _, err := fmt.Fprintf(w, "From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		from, msg.To, msg.Subject, msg.Body); err != nil {
		_ = w.Close()
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp write body: %s", err.Error()).WithCause(err)
	}
	if err := w.Close(); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "smtp close body: %s", err.Error()).WithCause(err)
	}
	return client.Quit()
}

var _ Mailer = (*SMTPMailer)(nil)
