// ABOUTME: Executor implementations that hand runs to the agent runtime
// ABOUTME: Webhook executor POSTs run requests over HTTP; none executor rejects every run

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/clawgate/internal/config"
)

// ErrNoRuntime indicates no agent runtime is configured.
var ErrNoRuntime = errors.New("no agent runtime configured")

// Executor runs one agent turn to completion. It must return when ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, runID string, req Request) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, runID string, req Request) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, runID string, req Request) (string, error) {
	return f(ctx, runID, req)
}

// NoneExecutor rejects every run.
type NoneExecutor struct{}

// Admit implements Admitter.
func (NoneExecutor) Admit(Request) error {
	return ErrNoRuntime
}

// Execute implements Executor.
func (NoneExecutor) Execute(context.Context, string, Request) (string, error) {
	return "", ErrNoRuntime
}

// WebhookExecutor POSTs each run to an HTTP agent runtime and waits for the reply.
type WebhookExecutor struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// webhookRequest is the JSON body sent to the runtime.
type webhookRequest struct {
	RunID string `json:"runId"`
	Request
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// webhookResponse is the JSON body expected back.
type webhookResponse struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

// NewWebhookExecutor creates an executor that POSTs to url with an optional bearer token.
func NewWebhookExecutor(url, token string, timeout time.Duration, logger *slog.Logger) *WebhookExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookExecutor{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "runtime"),
	}
}

// Execute implements Executor.
func (w *WebhookExecutor) Execute(ctx context.Context, runID string, req Request) (string, error) {
	body, err := json.Marshal(webhookRequest{
		RunID:     runID,
		Request:   req,
		TimeoutMs: req.Timeout.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating runtime request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling agent runtime: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading runtime response: %w", err)
	}

	var out webhookResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			out.Output = string(data)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error == "" {
			out.Error = resp.Status
		}
		return out.Output, fmt.Errorf("agent runtime returned %d: %s", resp.StatusCode, out.Error)
	}
	if out.Error != "" {
		return out.Output, errors.New(out.Error)
	}

	w.logger.Debug("runtime replied", "run_id", runID, "bytes", len(data))
	return out.Output, nil
}

// NewExecutor builds the executor selected by cfg.
// The HTTP client timeout bounds the whole exchange; per-run timeouts are
// enforced by the manager through the request context.
func NewExecutor(cfg config.RuntimeConfig, logger *slog.Logger) (Executor, error) {
	switch cfg.Executor {
	case config.ExecutorWebhook:
		return NewWebhookExecutor(cfg.URL, cfg.Token, 0, logger), nil
	case config.ExecutorNone, "":
		return NoneExecutor{}, nil
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
}
