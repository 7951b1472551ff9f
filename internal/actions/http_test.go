package actions

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/internal/egress"
	"github.com/hookflow/hookflow/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPExecutor_Success(t *testing.T) {
	var gotMethod, gotPath, gotBody, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Token")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(&recorderStub{}, discardLogger())
	out, err := ex.Execute(context.Background(), Request{
		Config: map[string]any{
			"url":     srv.URL + "/items/{{trigger.id}}",
			"method":  "post",
			"body":    `{"name":"{{trigger.name}}"}`,
			"headers": map[string]any{"X-Token": "{{trigger.token}}"},
		},
		Context: map[string]any{
			"trigger": map[string]any{"id": "42", "name": "ada", "token": "tkn"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "/items/42", gotPath)
	assert.JSONEq(t, `{"name":"ada"}`, gotBody)
	assert.Equal(t, "tkn", gotHeader)
	assert.Equal(t, http.StatusOK, out["status"])
	assert.Equal(t, map[string]any{"ok": true}, out["body"])
}

func TestHTTPExecutor_NonJSONBodyIsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(&recorderStub{}, discardLogger())
	out, err := ex.Execute(context.Background(), Request{
		Config:  map[string]any{"url": srv.URL},
		Context: map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "plain text", out["body"])
}

func TestHTTPExecutor_MissingURL(t *testing.T) {
	ex := NewHTTPExecutor(&recorderStub{}, discardLogger())
	_, err := ex.Execute(context.Background(), Request{Config: map[string]any{}})
	require.Error(t, err)
}

func TestHTTPExecutor_EgressDenied(t *testing.T) {
	rec := &recorderStub{}
	ex := NewHTTPExecutor(rec, discardLogger())

	_, err := ex.Execute(context.Background(), Request{
		RunID:      "run-1",
		WorkflowID: "wf-1",
		UserID:     "user-1",
		NodeID:     "n1",
		Config:     map[string]any{"url": "https://evil.com/exfil"},
		Context:    map[string]any{},
		Policy:     egress.Policy{Deny: []string{"evil.com"}},
	})
	require.Error(t, err)

	hfErr, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeEgressBlocked, hfErr.Code)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, "evil.com", ev.Host)
	assert.Equal(t, schema.EgressRuleDenylist, ev.Rule)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, "n1", ev.NodeID)
	assert.NotEmpty(t, ev.Message)
}

func TestHTTPExecutor_SSRFHardeningInProduction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	u, err := url.Parse(srv.URL) // 127.0.0.1 host
	require.NoError(t, err)

	rec := &recorderStub{}
	ex := NewHTTPExecutor(rec, discardLogger())
	_, err = ex.Execute(context.Background(), Request{
		Config:  map[string]any{"url": srv.URL},
		Context: map[string]any{},
		Policy: egress.Policy{
			Production: true,
			Allow:      []string{u.Hostname()},
		},
	})
	require.Error(t, err)
	require.Len(t, rec.events, 1)
	assert.Equal(t, schema.EgressRuleSSRFHardening, rec.events[0].Rule)
}

func TestHTTPExecutor_SecretsMaskedInOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": "key is hunter2"})
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(&recorderStub{}, discardLogger())
	out, err := ex.Execute(context.Background(), Request{
		Config:  map[string]any{"url": srv.URL},
		Context: map[string]any{},
		Secrets: []string{"hunter2"},
	})
	require.NoError(t, err)
	body := out["body"].(map[string]any)
	assert.Equal(t, "key is ***", body["echo"])
}
