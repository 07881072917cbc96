// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML/TOML/JSONC loading, env var expansion, defaults, durations and validation

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

session:
  main_key: "Main"
  lock_timeout: "5s"

gateway:
  reload:
    mode: "hot"
    debounce: "1s"

models:
  providers:
    anthropic:
      models: ["claude-opus", "claude-haiku"]

agents:
  defaults:
    model: "anthropic/claude-opus"
    subagents:
      thinking: "low"
      wait_timeout: "2m"
  list:
    - id: "Ops"
      default: true
      subagents:
        allow_agents: ["*"]
    - id: "research"

channels:
  telegram:
    enabled: true
    bot_token: "abc"

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway.yaml", validYAML))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "main", cfg.Session.MainKey, "main key is normalized to lower case")
	assert.Equal(t, 5*time.Second, cfg.Session.LockTimeout)
	assert.Equal(t, ReloadModeHot, cfg.Gateway.Reload.Mode)
	assert.Equal(t, time.Second, cfg.Gateway.Reload.Debounce)
	assert.Equal(t, 2*time.Minute, cfg.Agents.Defaults.Subagents.WaitTimeout)
	assert.Equal(t, []string{"claude-opus", "claude-haiku"}, cfg.Models.Providers["anthropic"].Models)
	assert.Equal(t, "ops", cfg.DefaultAgent())
	assert.True(t, cfg.Channels["telegram"].Enabled)
	assert.Equal(t, "abc", cfg.Channels["telegram"].Options["bot_token"])
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Path)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "gw.db"
`))
	require.NoError(t, err)

	assert.Equal(t, ReloadModeHybrid, cfg.Gateway.Reload.Mode)
	assert.Equal(t, 300*time.Millisecond, cfg.Gateway.Reload.Debounce)
	assert.Equal(t, "main", cfg.Session.MainKey)
	assert.Equal(t, 400, cfg.Session.CompactMaxLines)
	assert.Equal(t, 10*time.Second, cfg.Session.LockTimeout)
	assert.Equal(t, 15*time.Second, cfg.Session.DeleteWait)
	assert.Equal(t, ExecutorNone, cfg.Agents.Runtime.Executor)
	assert.Equal(t, DecisionStoreSQLite, cfg.Decisions.Store)
	assert.Equal(t, DefaultAgentID, cfg.DefaultAgent())
	assert.True(t, cfg.AnnounceSubagents())
	assert.NotEmpty(t, cfg.StateDir)
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway.toml", `
[server]
grpc_addr = "localhost:50051"
http_addr = "localhost:8080"

[database]
path = "gw.db"

[session]
compact_max_lines = 120

[[agents.list]]
id = "main"
default = true
`))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 120, cfg.Session.CompactMaxLines)
	assert.Equal(t, "main", cfg.DefaultAgent())
}

func TestLoad_JSONC(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway.jsonc", `{
  // comments and trailing commas are allowed
  "server": {"grpc_addr": "localhost:50051", "http_addr": "localhost:8080",},
  "database": {"path": "gw.db"},
  "decisions": {"store": "memory"},
}`))
	require.NoError(t, err)

	assert.Equal(t, DecisionStoreMemory, cfg.Decisions.Store)
	assert.Equal(t, "localhost:50051", cfg.Server.GRPCAddr)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("CLAWGATE_TEST_SECRET", "s3cret")

	cfg, err := Load(writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "gw.db"
auth:
  jwt_secret: "${CLAWGATE_TEST_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "gw.db"
session:
  delete_wait: "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.delete_wait")
}

func TestValidate(t *testing.T) {
	base := func() string {
		return `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "gw.db"
`
	}

	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{"bad reload mode", "gateway:\n  reload:\n    mode: sometimes\n", "gateway.reload.mode"},
		{"bad decision store", "decisions:\n  store: redis\n", "decisions.store"},
		{"webhook without url", "agents:\n  runtime:\n    executor: webhook\n", "agents.runtime.url"},
		{"duplicate agent", "agents:\n  list:\n    - id: a\n    - id: a\n", "duplicate agent id"},
		{"invalid agent id", "agents:\n  list:\n    - id: \"bad id\"\n", "invalid agent id"},
		{"hooks without token", "hooks:\n  enabled: true\n", "hooks.token"},
		{"two defaults", "agents:\n  list:\n    - id: a\n      default: true\n    - id: b\n      default: true\n", "only one agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("gateway.yaml", []byte(base()+tt.extra))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestValidate_ServerAddrRequiredWithoutTailscale(t *testing.T) {
	_, err := Parse("gateway.yaml", []byte("database:\n  path: gw.db\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.grpc_addr")

	_, err = Parse("gateway.yaml", []byte("database:\n  path: gw.db\ntailscale:\n  enabled: true\n  hostname: gw\n"))
	assert.NoError(t, err)
}

func TestFingerprint(t *testing.T) {
	a, err := Parse("a.yaml", []byte(validYAML))
	require.NoError(t, err)
	b, err := Parse("b.yaml", []byte(validYAML+"\n# trailing comment\n"))
	require.NoError(t, err)
	c, err := Parse("c.yaml", []byte(strings.Replace(validYAML, `level: "debug"`, `level: "warn"`, 1)))
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "formatting changes do not change the fingerprint")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestParse_UntypedSectionsStayInRaw(t *testing.T) {
	a, err := Parse("a.yaml", []byte(validYAML+"\nplugins:\n  search:\n    enabled: true\n"))
	require.NoError(t, err)
	b, err := Parse("b.yaml", []byte(validYAML))
	require.NoError(t, err)

	assert.Contains(t, a.Raw, "plugins")
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint(), "untyped sections still count for reload diffs")
}

func TestLive_Swap(t *testing.T) {
	first := &Config{StateDir: "one"}
	second := &Config{StateDir: "two"}

	live := NewLive(first)
	assert.Same(t, first, live.Get())

	old := live.Swap(second)
	assert.Same(t, first, old)
	assert.Same(t, second, live.Get())
}

func TestLoggingConfig_SlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LoggingConfig{Level: "debug"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LoggingConfig{Level: "WARN"}.SlogLevel())
	assert.Equal(t, slog.LevelError, LoggingConfig{Level: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LoggingConfig{Level: "chatty"}.SlogLevel())
}
