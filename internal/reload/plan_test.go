// ABOUTME: Tests for config diffing and reload planning
// ABOUTME: Covers rule precedence, channel extraction and gateway-restart supersession

package reload

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	prev := map[string]any{
		"logging": map[string]any{"level": "info", "format": "text"},
		"models": map[string]any{
			"providers": map[string]any{"anthropic": map[string]any{"models": []any{"a", "b"}}},
		},
		"cron":   map[string]any{"enabled": true},
		"unused": "x",
	}
	next := map[string]any{
		"logging": map[string]any{"level": "debug", "format": "text"},
		"models": map[string]any{
			"providers": map[string]any{"anthropic": map[string]any{"models": []any{"a", "b", "c"}}},
		},
		"cron":     map[string]any{"enabled": true},
		"channels": map[string]any{"slack": map[string]any{"enabled": true, "token": "t"}},
	}

	assert.Equal(t, []string{
		"channels.slack.enabled",
		"channels.slack.token",
		"logging.level",
		"models.providers.anthropic.models",
		"unused",
	}, Diff(prev, next))

	assert.Empty(t, Diff(prev, prev))
}

func TestClassify(t *testing.T) {
	p := NewPlanner(nil)

	tests := []struct {
		path string
		want Effect
	}{
		{"gateway.reload.debounce", EffectNoop},
		{"logging.level", EffectHot},
		{"logging.format", EffectRestartGateway},
		{"models.providers.x.models", EffectHot},
		{"agents.defaults.model", EffectHot},
		{"agents.defaults.heartbeat.every", EffectRestartHeartbeat},
		{"channels.telegram.enabled", EffectRestartChannels},
		{"cron.jobs", EffectRestartCron},
		{"hooks.mappings", EffectRestartHooks},
		{"browser.control_url", EffectRestartBrowserControl},
		{"server.http_addr", EffectRestartGateway},
		{"agents.runtime.url", EffectRestartGateway},
		{"cronjobs", EffectRestartGateway},
		{"something.new", EffectRestartGateway},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, _ := p.Classify(tt.path)
			assert.Equal(t, tt.want, got)
		})
	}

	_, matched := p.Classify("something.new")
	assert.False(t, matched)
}

func TestClassify_MostDisruptiveWins(t *testing.T) {
	p := NewPlanner([]Rule{
		{Prefix: "a", Effect: EffectRestartGateway},
		{Prefix: "a.b", Effect: EffectHot},
		{Prefix: "x.y", Effect: EffectNoop},
		{Prefix: "x", Effect: EffectRestartCron},
	})

	got, _ := p.Classify("a.b.c")
	assert.Equal(t, EffectRestartGateway, got)
	got, _ = p.Classify("x.y")
	assert.Equal(t, EffectRestartCron, got)
}

func TestPlan_Hot(t *testing.T) {
	plan := NewPlanner(nil).Plan([]string{
		"logging.level",
		"channels.telegram.bot_token",
		"channels.discord.enabled",
		"channels.telegram.enabled",
		"cron.enabled",
		"gateway.reload.debounce",
	})

	assert.False(t, plan.RestartGateway)
	assert.Equal(t, ModeHot, plan.Mode())
	assert.Equal(t, []string{"logging.level"}, plan.HotReasons)
	assert.Equal(t, []string{"discord", "telegram"}, plan.RestartChannels)
	assert.True(t, plan.RestartCron)
	assert.False(t, plan.RestartHeartbeat)
	assert.Equal(t, []string{"gateway.reload.debounce"}, plan.NoopPaths)
	assert.Empty(t, plan.RestartReasons)
}

func TestPlan_GatewayRestartSupersedes(t *testing.T) {
	plan := NewPlanner(nil).Plan([]string{
		"logging.level",
		"channels.telegram.enabled",
		"hooks.enabled",
		"server.grpc_addr",
	})

	assert.True(t, plan.RestartGateway)
	assert.Equal(t, ModeRestart, plan.Mode())
	assert.Equal(t, []string{"server.grpc_addr"}, plan.RestartReasons)
	assert.Empty(t, plan.HotReasons)
	assert.Empty(t, plan.RestartChannels)
	assert.False(t, plan.ReloadHooks)
}

func TestPlan_UnmatchedPathRestarts(t *testing.T) {
	plan := NewPlanner(nil).Plan([]string{"mystery"})
	assert.True(t, plan.RestartGateway)
	require.Len(t, plan.RestartReasons, 1)
	assert.Contains(t, plan.RestartReasons[0], "no reload rule")
}

func TestPlan_NoopOnly(t *testing.T) {
	plan := NewPlanner(nil).Plan([]string{"meta.note"})
	assert.Equal(t, ModeNoop, plan.Mode())

	empty := NewPlanner(nil).Plan(nil)
	assert.Equal(t, ModeNoop, empty.Mode())
	assert.NotNil(t, empty.ChangedPaths)
}

func TestPlanner_RestartsGateway(t *testing.T) {
	p := NewPlanner(nil)
	assert.True(t, p.RestartsGateway("auth.jwt_secret"))
	assert.True(t, p.RestartsGateway("mystery"))
	assert.True(t, p.RestartsGateway("channels"), "a channel change without an id restarts the gateway")
	assert.False(t, p.RestartsGateway("channels.telegram.enabled"))
	assert.False(t, p.RestartsGateway("logging.level"))
	assert.False(t, p.RestartsGateway("meta.note"))
}

// Any set containing a gateway-restart path yields restartGateway, whatever else it holds.
func TestPlan_RestartPrecedenceProperty(t *testing.T) {
	others := []string{
		"logging.level", "models.providers.a.models", "channels.slack.enabled",
		"cron.enabled", "hooks.token", "browser.enabled", "agents.defaults.heartbeat.every",
		"gateway.reload.mode", "session.main_key",
	}
	restarts := []string{"server.http_addr", "database.path", "auth.jwt_secret", "unknown.thing"}

	rng := rand.New(rand.NewPCG(1, 2))
	p := NewPlanner(nil)
	for i := range 200 {
		var paths []string
		for _, o := range others {
			if rng.IntN(2) == 0 {
				paths = append(paths, o)
			}
		}
		paths = append(paths, restarts[rng.IntN(len(restarts))])
		rng.Shuffle(len(paths), func(a, b int) { paths[a], paths[b] = paths[b], paths[a] })

		plan := p.Plan(paths)
		require.True(t, plan.RestartGateway, fmt.Sprintf("iteration %d: %v", i, paths))
		require.Empty(t, plan.HotReasons)
		require.Empty(t, plan.RestartChannels)
	}
}
