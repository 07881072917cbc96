// ABOUTME: Tests for the webhook and none executors
// ABOUTME: Uses httptest to stand in for the agent runtime

package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawgate/internal/config"
)

func TestWebhookExecutor_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"output":"done"}`))
	}))
	defer srv.Close()

	exec := NewWebhookExecutor(srv.URL, "tok", 0, nil)
	out, err := exec.Execute(t.Context(), "run-1", Request{
		SessionKey: "agent:main:subagent:x",
		Message:    "task",
		Lane:       LaneSubagent,
		Timeout:    time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, "run-1", got["runId"])
	assert.Equal(t, "agent:main:subagent:x", got["sessionKey"])
	assert.Equal(t, "subagent", got["lane"])
	assert.Equal(t, false, got["deliver"])
	assert.EqualValues(t, 60000, got["timeoutMs"])
}

func TestWebhookExecutor_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"model overloaded"}`))
	}))
	defer srv.Close()

	_, err := NewWebhookExecutor(srv.URL, "", 0, nil).Execute(t.Context(), "run-1", Request{SessionKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestWebhookExecutor_ErrorInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":"partial","error":"tool failed"}`))
	}))
	defer srv.Close()

	out, err := NewWebhookExecutor(srv.URL, "", 0, nil).Execute(t.Context(), "run-1", Request{SessionKey: "k"})
	assert.EqualError(t, err, "tool failed")
	assert.Equal(t, "partial", out)
}

func TestNewExecutor(t *testing.T) {
	exec, err := NewExecutor(config.RuntimeConfig{Executor: config.ExecutorWebhook, URL: "http://localhost:1"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &WebhookExecutor{}, exec)

	exec, err = NewExecutor(config.RuntimeConfig{Executor: config.ExecutorNone}, nil)
	require.NoError(t, err)
	assert.IsType(t, NoneExecutor{}, exec)

	_, err = NewExecutor(config.RuntimeConfig{Executor: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
