package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/internal/mailer"
)

// mailerStub records sent messages instead of talking SMTP.
type mailerStub struct {
	sent    []mailer.Message
	cfgs    []mailer.SMTPConfig
	sendErr error
}

func (m *mailerStub) Send(_ context.Context, msg mailer.Message) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mailerStub) SendWith(_ context.Context, cfg mailer.SMTPConfig, msg mailer.Message) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.cfgs = append(m.cfgs, cfg)
	m.sent = append(m.sent, msg)
	return nil
}

func TestEmailExecutor_Success(t *testing.T) {
	stub := &mailerStub{}
	ex := NewEmailExecutor(stub)

	out, err := ex.Execute(context.Background(), Request{
		Config: map[string]any{
			"to":      "{{trigger.email}}",
			"subject": "order {{trigger.id}}",
			"body":    "hello {{trigger.name}}",
		},
		Context: map[string]any{
			"trigger": map[string]any{"email": "ada@example.com", "id": "42", "name": "ada"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["sent"])
	assert.Equal(t, "ada@example.com", out["to"])

	require.Len(t, stub.sent, 1)
	assert.Equal(t, "order 42", stub.sent[0].Subject)
	assert.Equal(t, "hello ada", stub.sent[0].Body)
	assert.Empty(t, stub.cfgs) // default endpoint used
}

func TestEmailExecutor_MultipleRecipients(t *testing.T) {
	stub := &mailerStub{}
	ex := NewEmailExecutor(stub)

	out, err := ex.Execute(context.Background(), Request{
		Config:  map[string]any{"to": "a@example.com, b@example.com", "subject": "hi"},
		Context: map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a@example.com", "b@example.com"}, out["to"])
	require.Len(t, stub.sent, 2)
	assert.Equal(t, "a@example.com", stub.sent[0].To)
	assert.Equal(t, "b@example.com", stub.sent[1].To)
}

func TestEmailExecutor_InvalidRecipient(t *testing.T) {
	ex := NewEmailExecutor(&mailerStub{})
	_, err := ex.Execute(context.Background(), Request{
		Config:  map[string]any{"to": "{{trigger.missing}}"},
		Context: map[string]any{},
	})
	require.Error(t, err)
}

func TestEmailExecutor_DuplicateRecipientRejected(t *testing.T) {
	stub := &mailerStub{}
	ex := NewEmailExecutor(stub)
	_, err := ex.Execute(context.Background(), Request{
		Config:  map[string]any{"to": "a@example.com, A@example.com"},
		Context: map[string]any{},
	})
	require.Error(t, err)
	assert.Empty(t, stub.sent)
}

func TestEmailExecutor_PerCallSMTPConfig(t *testing.T) {
	stub := &mailerStub{}
	ex := NewEmailExecutor(stub)

	_, err := ex.Execute(context.Background(), Request{
		Config: map[string]any{
			"to": "ops@example.com",
			"smtp": map[string]any{
				"host":     "smtp.example.com",
				"port":     float64(2525),
				"username": "u",
				"password": "p",
				"startTls": false,
			},
		},
		Context: map[string]any{},
	})
	require.NoError(t, err)
	require.Len(t, stub.cfgs, 1)
	assert.Equal(t, "smtp.example.com", stub.cfgs[0].Host)
	assert.Equal(t, 2525, stub.cfgs[0].Port)
	assert.False(t, stub.cfgs[0].StartTLS)
}
