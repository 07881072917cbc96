// ABOUTME: Tests for the gateway wiring, transports and reload target
// ABOUTME: Drives HTTP, WebSocket and gRPC against a gateway built from a temp-dir config

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/clawgate/internal/agent"
	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/reload"
	"github.com/2389/clawgate/internal/rpc"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testYAML(dir string) string {
	return fmt.Sprintf(`
server:
  grpc_addr: "127.0.0.1:0"
  http_addr: "127.0.0.1:0"
database:
  path: %q
state_dir: %q
decisions:
  store: memory
logging:
  level: info
models:
  providers:
    anthropic:
      models: ["claude-opus", "claude-haiku"]
agents:
  defaults:
    model: "anthropic/claude-opus"
  runtime:
    executor: webhook
    url: "http://127.0.0.1:1/run"
  list:
    - id: main
      default: true
channels:
  telegram:
    enabled: true
hooks:
  enabled: true
  token: hooktoken
  mappings:
    - name: deploy
      session_key: ops
      message: "Deploy finished"
`, filepath.Join(dir, "gw.db"), dir)
}

// recordingExecutor completes every run immediately and records its request.
type recordingExecutor struct {
	mu   sync.Mutex
	reqs []agent.Request
}

func (e *recordingExecutor) Execute(_ context.Context, _ string, req agent.Request) (string, error) {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	return "done", nil
}

func (e *recordingExecutor) requests() []agent.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]agent.Request(nil), e.reqs...)
}

type testEnv struct {
	gw       *Gateway
	exec     *recordingExecutor
	levelVar *slog.LevelVar
	path     string
}

func newTestGateway(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML(dir)), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	exec := &recordingExecutor{}
	levelVar := new(slog.LevelVar)
	gw, err := New(cfg, testLogger(), WithExecutor(exec), WithLevelVar(levelVar))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	return &testEnv{gw: gw, exec: exec, levelVar: levelVar, path: path}
}

func postRPC(t *testing.T, url, method string, params any) (int, rpc.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"id": "t1", "method": method, "params": params})
	require.NoError(t, err)

	resp, err := http.Post(url+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var frame rpc.Response
	require.NoError(t, json.Unmarshal(raw, &frame))
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	return resp.StatusCode, frame, generic
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestGateway(t)
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "not ready before Run")
}

func TestHTTPRPC(t *testing.T) {
	env := newTestGateway(t)
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	status, frame, generic := postRPC(t, srv.URL, "health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, frame.OK)
	assert.Equal(t, "t1", frame.ID)
	payload := generic["payload"].(map[string]any)
	assert.Equal(t, "main", payload["defaultAgent"])
	assert.Equal(t, "hybrid", payload["reloadMode"])

	status, frame, _ = postRPC(t, srv.URL, "no.such.method", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, frame.Error)
	assert.Equal(t, apierr.CodeInvalidRequest, frame.Error.Code)

	resp, err := http.Get(srv.URL + "/rpc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/rpc", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPRPC_Sessions(t *testing.T) {
	env := newTestGateway(t)
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	status, frame, generic := postRPC(t, srv.URL, "sessions.patch", map[string]any{"key": "ops", "label": "Ops room"})
	require.Equal(t, http.StatusOK, status, "error: %+v", frame.Error)
	payload := generic["payload"].(map[string]any)
	assert.Equal(t, "agent:main:ops", payload["key"])

	status, _, generic = postRPC(t, srv.URL, "sessions.list", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, generic["payload"].(map[string]any)["count"])

	status, frame, _ = postRPC(t, srv.URL, "sessions.delete", map[string]any{"key": "main"})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, frame.Error)
	assert.Equal(t, apierr.CodeInvalidRequest, frame.Error.Code)
}

func TestHTTPRPC_RequiresTokenWhenSecretSet(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse("gateway.yaml", []byte(testYAML(dir)+"auth:\n  jwt_secret: \"0123456789abcdef0123456789abcdef\"\n"))
	require.NoError(t, err)

	gw, err := New(cfg, testLogger(), WithExecutor(&recordingExecutor{}))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(`{"id":"1","method":"health"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays public")
}

func TestWebSocket_SubscribeAndCall(t *testing.T) {
	env := newTestGateway(t)
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"id": "s1", "method": "subscribe", "params": map[string]any{"events": []string{"decision.*"}},
	}))
	var sub map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &sub))
	assert.Equal(t, "res", sub["type"])
	assert.Equal(t, "s1", sub["id"])
	assert.Equal(t, true, sub["ok"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"id": "c1", "method": "decision.create", "params": map[string]any{
			"type": "binary", "title": "Ship", "question": "Ship it?",
		},
	}))

	var gotRes, gotEvent bool
	for !(gotRes && gotEvent) {
		var frame map[string]any
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		switch frame["type"] {
		case "res":
			assert.Equal(t, "c1", frame["id"])
			assert.Equal(t, true, frame["ok"])
			gotRes = true
		case "event":
			assert.Equal(t, "decision.created", frame["event"])
			gotEvent = true
		}
	}

	conn.Close(websocket.StatusNormalClosure, "done")
}

func TestGRPCCall(t *testing.T) {
	env := newTestGateway(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = env.gw.grpcServer.Serve(ln) }()

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := Call(ctx, conn, "health", nil)
	require.NoError(t, err)
	var h Health
	require.NoError(t, json.Unmarshal(payload, &h))
	assert.True(t, h.OK)
	assert.Equal(t, env.gw.serverID, h.ServerID)

	payload, err = Call(ctx, conn, "decision.create", map[string]any{
		"type": "text", "title": "Name", "question": "Pick a *name*",
	})
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.Unmarshal(payload, &created))
	assert.Equal(t, "pending", created["status"])

	_, err = Call(ctx, conn, "decision.get", map[string]any{"id": "missing"})
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidRequest, apierr.CodeOf(err))

	_, err = Call(ctx, conn, "sessions.spawn", map[string]any{"task": "x", "requesterSessionKey": "agent:main:subagent:abc"})
	require.Error(t, err)
	assert.Equal(t, apierr.CodeForbidden, apierr.CodeOf(err))
}

func TestHooks(t *testing.T) {
	env := newTestGateway(t)
	env.gw.hooks.load(env.gw.live.Get())
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	post := func(name, token, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/hooks/"+name, strings.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("X-Clawgate-Token", token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("deploy", "", `{"message":"v1.2 is live"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post("unknown", "hooktoken", `{}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post("deploy", "hooktoken", `{"message":"v1.2 is live"}`)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "agent:main:ops", out["sessionKey"])

	require.Eventually(t, func() bool { return len(env.exec.requests()) == 1 }, 2*time.Second, 10*time.Millisecond)
	req := env.exec.requests()[0]
	assert.Equal(t, agent.LaneHook, req.Lane)
	assert.Equal(t, "agent:main:ops", req.SessionKey)
	assert.Contains(t, req.Message, "Deploy finished")
	assert.Contains(t, req.Message, "v1.2 is live")
}

func TestHooks_RejectWithoutConfiguredToken(t *testing.T) {
	env := newTestGateway(t)
	cfg := *env.gw.live.Get()
	cfg.Hooks.Token = ""
	env.gw.hooks.load(&cfg)
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/hooks/deploy", "application/json", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, env.exec.requests())
}

func TestApplyHot(t *testing.T) {
	env := newTestGateway(t)
	env.levelVar.Set(slog.LevelInfo)

	data, err := os.ReadFile(env.path)
	require.NoError(t, err)
	next, err := config.Parse(env.path, []byte(strings.Replace(string(data), "level: info", "level: debug", 1)))
	require.NoError(t, err)

	require.NoError(t, env.gw.ApplyHot(context.Background(), next, nil))
	assert.Equal(t, slog.LevelDebug, env.levelVar.Level())
}

func TestApplyHot_SessionLockTimeout(t *testing.T) {
	env := newTestGateway(t)

	data, err := os.ReadFile(env.path)
	require.NoError(t, err)
	updated := string(data) + "\nsession:\n  lock_timeout: 3s\n"
	require.NoError(t, os.WriteFile(env.path, []byte(updated), 0o600))

	res, err := env.gw.reloader.Reload(context.Background(), reload.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, reload.ModeHot, res.Mode)
	assert.Contains(t, res.Plan.HotReasons, "session.lock_timeout")
	assert.Equal(t, 3*time.Second, env.gw.sessions.LockTimeout())
}

func TestRestartSubsystem(t *testing.T) {
	env := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, env.gw.RestartSubsystem(ctx, reload.SubsystemChannels, nil))
	chans := env.gw.channels.snapshot()
	require.Len(t, chans, 1)
	assert.Equal(t, "telegram", chans[0].ID)
	assert.True(t, chans[0].Running)
	assert.Equal(t, 0, chans[0].Restarts)

	require.NoError(t, env.gw.RestartSubsystem(ctx, reload.SubsystemChannels, []string{"telegram"}))
	assert.Equal(t, 1, env.gw.channels.snapshot()[0].Restarts)

	for _, name := range []string{reload.SubsystemCron, reload.SubsystemHeartbeat, reload.SubsystemHooks, reload.SubsystemBrowserControl} {
		assert.NoError(t, env.gw.RestartSubsystem(ctx, name, nil), name)
	}

	err := env.gw.RestartSubsystem(ctx, "teleporter", nil)
	require.Error(t, err)
}

func TestGatewayReloadRPC(t *testing.T) {
	env := newTestGateway(t)
	env.levelVar.Set(slog.LevelInfo)
	ctx := context.Background()

	data, err := os.ReadFile(env.path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.path, []byte(strings.Replace(string(data), "level: info", "level: debug", 1)), 0644))

	resp := env.gw.Dispatcher().Dispatch(ctx, rpc.Request{ID: "r1", Method: "gateway.reload"})
	require.True(t, resp.OK, "error: %+v", resp.Error)
	res := resp.Payload.(*reload.Result)
	assert.Equal(t, reload.ModeHot, res.Mode)
	assert.Equal(t, slog.LevelDebug, env.levelVar.Level())
	assert.Equal(t, "debug", env.gw.live.Get().Logging.Level)

	data, err = os.ReadFile(env.path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.path, []byte(strings.Replace(string(data), "store: memory", "store: sqlite", 1)), 0644))

	resp = env.gw.Dispatcher().Dispatch(ctx, rpc.Request{
		ID: "r2", Method: "gateway.reload", Params: json.RawMessage(`{"graceful":false}`),
	})
	require.True(t, resp.OK, "error: %+v", resp.Error)
	res = resp.Payload.(*reload.Result)
	assert.Equal(t, reload.ModeRestart, res.Mode)
	require.NotNil(t, res.Restart)
	assert.True(t, res.Restart.Scheduled)

	select {
	case reasons := <-env.gw.restartCh:
		assert.Contains(t, reasons, "decisions.store")
	default:
		t.Fatal("restart was not requested")
	}
}

func TestRun_ReturnsRestartRequested(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse("gateway.yaml", []byte(testYAML(dir)))
	require.NoError(t, err)

	gw, err := New(cfg, testLogger(), WithExecutor(&recordingExecutor{}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- gw.Run(context.Background()) }()

	require.Eventually(t, gw.ready.Load, 5*time.Second, 10*time.Millisecond)
	gw.RequestRestart([]string{"server.http_addr"})
	gw.RequestRestart([]string{"server.grpc_addr"}) // must not block

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrRestartRequested))
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse("gateway.yaml", []byte(testYAML(dir)))
	require.NoError(t, err)

	gw, err := New(cfg, testLogger(), WithExecutor(&recordingExecutor{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, gw.ready.Load, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.NoError(t, gw.Shutdown(context.Background()), "second shutdown is a no-op")
}
