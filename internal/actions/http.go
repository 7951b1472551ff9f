package actions

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hookflow/hookflow/internal/egress"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/internal/template"
	"github.com/hookflow/hookflow/pkg/schema"
)

const (
	defaultHTTPTimeout     = 30 * time.Second
	maxHTTPTimeout         = 120 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// HTTPExecutor performs outbound HTTP requests. Every request passes the
// egress policy first; denials are persisted as EgressBlockEvents and fail
// the node with a user-facing error distinct from network failures.
type HTTPExecutor struct {
	client   *http.Client
	recorder BlockRecorder
	logger   *slog.Logger
	maxBody  int64
}

// NewHTTPExecutor creates the http sub-executor.
func NewHTTPExecutor(recorder BlockRecorder, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client:   &http.Client{},
		recorder: recorder,
		logger:   logger,
		maxBody:  defaultMaxResponseBody,
	}
}

func (e *HTTPExecutor) Name() string { return "http" }

func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	rawURL := template.Render(stringParam(req.Config, "url", ""), req.Context)
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http action requires a url")
	}

	host, err := egress.Host(rawURL)
	if err != nil {
		return nil, err
	}
	if err := e.checkEgress(ctx, req, rawURL, host); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(req.Config, "method", http.MethodGet))
	body := template.Render(stringParam(req.Config, "body", ""), req.Context)

	timeout := defaultHTTPTimeout
	if secs := intParam(req.Config, "timeoutSeconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxHTTPTimeout {
			timeout = maxHTTPTimeout
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build http request: %s", err.Error()).WithCause(err)
	}
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, template.Render(s, req.Context))
			}
		}
	}
	if body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read http response: %s", err.Error()).WithCause(err)
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}

	out := map[string]any{
		"status": resp.StatusCode,
		"body":   maskSecrets(parsed, req.Secrets),
	}
	return out, nil
}

// checkEgress applies SSRF hardening and the allow/deny lists, recording a
// block event on denial.
func (e *HTTPExecutor) checkEgress(ctx context.Context, req Request, rawURL, host string) error {
	decision, isIP := req.Policy.EvaluateIP(host)
	if !isIP || decision.Allowed {
		decision = req.Policy.Evaluate(host)
	}
	if decision.Allowed {
		return nil
	}

	ev := &store.EgressBlockEvent{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		WorkflowID: req.WorkflowID,
		RunID:      req.RunID,
		NodeID:     req.NodeID,
		URL:        rawURL,
		Host:       host,
		Rule:       decision.Rule,
		Message:    decision.Message,
	}
	if e.recorder != nil {
		if err := e.recorder.CreateEgressBlockEvent(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "failed to record egress block event", "error", err)
		}
	}
	return schema.NewError(schema.ErrCodeEgressBlocked, decision.Message).
		WithNode(req.NodeID).
		WithDetails(map[string]any{"host": host, "rule": decision.Rule})
}

var _ Executor = (*HTTPExecutor)(nil)
