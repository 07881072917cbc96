// ABOUTME: Tests for the clawgate CLI helpers
// ABOUTME: Covers config path resolution, the log handler, init output and the rpc clients

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawgate/internal/agent"
	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/gateway"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CLAWGATE_CONFIG", "/etc/clawgate.yaml")
	assert.Equal(t, "/etc/clawgate.yaml", getConfigPath())

	t.Setenv("CLAWGATE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "clawgate", "gateway.yaml"), getConfigPath())
}

func TestResolveToken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gateway.yaml")

	t.Setenv("CLAWGATE_TOKEN", "")
	assert.Equal(t, "", resolveToken("", cfgPath))

	require.NoError(t, os.WriteFile(tokenPath(cfgPath), []byte("saved\n"), 0600))
	assert.Equal(t, "saved", resolveToken("", cfgPath))

	t.Setenv("CLAWGATE_TOKEN", "fromenv")
	assert.Equal(t, "fromenv", resolveToken("", cfgPath))
	assert.Equal(t, "flag", resolveToken("flag", cfgPath))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	levelVar := new(slog.LevelVar)
	logger := setupLogger(&buf, config.LoggingConfig{Level: "info", Format: "text"}, levelVar)

	logger.Debug("hidden")
	logger.With("subsystem", "hooks").WithGroup("req").Info("hook accepted", "hook", "deploy", "note", "two words")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF hook accepted")
	assert.Contains(t, out, "subsystem=hooks")
	assert.Contains(t, out, "req.hook=deploy")
	assert.Contains(t, out, `req.note="two words"`)

	buf.Reset()
	levelVar.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "DBG now visible")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, config.LoggingConfig{Level: "warn", Format: "json"}, new(slog.LevelVar))
	logger.Info("dropped")
	logger.Warn("kept", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "v", rec["k"])
}

func TestRenderConfig_Parses(t *testing.T) {
	a := initAnswers{
		GRPCAddr:   "localhost:50051",
		HTTPAddr:   "localhost:8080",
		StateDir:   "/var/lib/clawgate",
		DBPath:     "/var/lib/clawgate/gateway.db",
		JWTSecret:  "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0cw==",
		RuntimeURL: "http://localhost:9000/run",
		ReloadMode: "hot",
		LogLevel:   "debug",
		LogFormat:  "json",
	}
	cfg, err := config.Parse("gateway.yaml", []byte(renderConfig(a)))
	require.NoError(t, err)
	assert.Equal(t, "hot", cfg.Gateway.Reload.Mode)
	assert.Equal(t, config.ExecutorWebhook, cfg.Agents.Runtime.Executor)
	assert.Equal(t, "main", cfg.DefaultAgent())
	assert.Equal(t, "/var/lib/clawgate", cfg.StateDir)

	a.RuntimeURL = ""
	cfg, err = config.Parse("gateway.yaml", []byte(renderConfig(a)))
	require.NoError(t, err)
	assert.Equal(t, config.ExecutorNone, cfg.Agents.Runtime.Executor)
}

func TestRunInit_WritesConfig(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "conf", "gateway.yaml")
	stateDir := filepath.Join(dir, "state")

	answers := strings.Join([]string{
		target,           // config path
		"127.0.0.1:7001", // grpc
		"127.0.0.1:7002", // http
		stateDir,         // state dir
		"",               // db path default
		"",               // runtime url
		"",               // reload mode default
		"",               // tailscale
		"",               // log level
		"",               // log format
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out, filepath.Join(dir, "unused.yaml")))

	cfg, err := config.Load(target)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001", cfg.Server.GRPCAddr)
	assert.Equal(t, filepath.Join(stateDir, "gateway.db"), cfg.Database.Path)
	assert.Equal(t, config.ReloadModeHybrid, cfg.Gateway.Reload.Mode)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.DirExists(t, stateDir)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printJSON(&buf, nil))
	assert.Equal(t, "null\n", buf.String())
}

func testConfig(t *testing.T, grpcAddr string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	yaml := `
server:
  grpc_addr: "` + grpcAddr + `"
  http_addr: "127.0.0.1:0"
state_dir: "` + dir + `"
decisions:
  store: memory
agents:
  list:
    - id: main
      default: true
`
	cfg, err := config.Parse("gateway.yaml", []byte(yaml))
	require.NoError(t, err)
	return cfg
}

func testGateway(t *testing.T, cfg *config.Config) *gateway.Gateway {
	t.Helper()
	exec := agent.ExecutorFunc(func(context.Context, string, agent.Request) (string, error) { return "ok", nil })
	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), gateway.WithExecutor(exec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func TestCallHTTP(t *testing.T) {
	gw := testGateway(t, testConfig(t, "127.0.0.1:0"))
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")
	ctx := context.Background()

	payload, err := callHTTP(ctx, addr, "", "sessions.patch", json.RawMessage(`{"key":"ops","label":"Ops"}`))
	require.NoError(t, err)
	var patched map[string]any
	require.NoError(t, json.Unmarshal(payload, &patched))
	assert.Equal(t, "agent:main:ops", patched["key"])

	_, err = callHTTP(ctx, addr, "", "sessions.reset", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidRequest, apierr.CodeOf(err))
}

func TestCallGRPC(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	gw := testGateway(t, testConfig(t, addr))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var payload json.RawMessage
	require.Eventually(t, func() bool {
		callCtx, callCancel := context.WithTimeout(ctx, time.Second)
		defer callCancel()
		payload, err = callGRPC(callCtx, addr, "", "health", nil)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	var h gateway.Health
	require.NoError(t, json.Unmarshal(payload, &h))
	assert.True(t, h.OK)
	assert.Equal(t, "main", h.DefaultAgent)

	_, err = callGRPC(ctx, addr, "", "decision.get", json.RawMessage(`{"id":"nope"}`))
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidRequest, apierr.CodeOf(err))
}
