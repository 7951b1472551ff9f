package actions

import (
	"context"
	"strings"

	"github.com/hookflow/hookflow/internal/mailer"
	"github.com/hookflow/hookflow/internal/template"
	"github.com/hookflow/hookflow/pkg/schema"
)

// EmailExecutor sends mail through the configured Mailer. Node config may
// carry an inline smtp object (host/port/username/password/startTls) for
// user-configured endpoints; otherwise the default endpoint is used.
type EmailExecutor struct {
	mailer mailer.Mailer
}

// NewEmailExecutor creates the email sub-executor.
func NewEmailExecutor(m mailer.Mailer) *EmailExecutor {
	return &EmailExecutor{mailer: m}
}

func (e *EmailExecutor) Name() string { return "email" }

func (e *EmailExecutor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	recipients, err := parseRecipients(template.Render(stringParam(req.Config, "to", ""), req.Context))
	if err != nil {
		return nil, err
	}

	subject := template.Render(stringParam(req.Config, "subject", ""), req.Context)
	body := template.Render(stringParam(req.Config, "body", ""), req.Context)

	for _, to := range recipients {
		msg := mailer.Message{To: to, Subject: subject, Body: body}
		if smtpCfg, ok := req.Config["smtp"].(map[string]any); ok {
			cfg := mailer.SMTPConfig{
				Host:     stringParam(smtpCfg, "host", ""),
				Port:     intParam(smtpCfg, "port", 0),
				Username: stringParam(smtpCfg, "username", ""),
				Password: stringParam(smtpCfg, "password", ""),
				From:     stringParam(smtpCfg, "from", ""),
				StartTLS: boolParam(smtpCfg, "startTls", true),
			}
			err = e.mailer.SendWith(ctx, cfg, msg)
		} else {
			err = e.mailer.Send(ctx, msg)
		}
		if err != nil {
			return nil, err
		}
	}

	out := map[string]any{"sent": true}
	if len(recipients) == 1 {
		out["to"] = recipients[0]
	} else {
		to := make([]any, len(recipients))
		for i, r := range recipients {
			to[i] = r
		}
		out["to"] = to
	}
	return out, nil
}

// parseRecipients splits a comma-separated recipient list, validating each
// address and rejecting duplicates. An empty list is an error: an email node
// with nobody to mail is a configuration mistake, not a no-op.
func parseRecipients(raw string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		to := strings.TrimSpace(part)
		if to == "" {
			continue
		}
		if !strings.Contains(to, "@") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "email action has invalid recipient %q", to)
		}
		key := strings.ToLower(to)
		if _, dup := seen[key]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "email action has duplicate recipient %q", to)
		}
		seen[key] = struct{}{}
		out = append(out, to)
	}
	if len(out) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "email action has no recipients")
	}
	return out, nil
}

var _ Executor = (*EmailExecutor)(nil)
