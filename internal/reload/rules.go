// ABOUTME: Static table mapping configuration path prefixes to reload effects
// ABOUTME: Matching picks the most disruptive effect among all matching prefixes

package reload

import "strings"

// Effect is what a changed configuration path requires.
type Effect string

const (
	EffectNoop                  Effect = "noop"
	EffectHot                   Effect = "hot"
	EffectRestartChannels       Effect = "restart:channels"
	EffectRestartCron           Effect = "restart:cron"
	EffectRestartHeartbeat      Effect = "restart:heartbeat"
	EffectRestartHooks          Effect = "restart:hooks"
	EffectRestartBrowserControl Effect = "restart:browser-control"
	EffectRestartGateway        Effect = "restart:gateway"
)

// rank orders effects by disruption.
func (e Effect) rank() int {
	switch e {
	case EffectNoop:
		return 0
	case EffectHot:
		return 1
	case EffectRestartChannels, EffectRestartCron, EffectRestartHeartbeat,
		EffectRestartHooks, EffectRestartBrowserControl:
		return 2
	default:
		return 3
	}
}

// Rule maps a path prefix to an effect.
type Rule struct {
	Prefix string
	Effect Effect
}

// Matches reports whether path equals the prefix or lies beneath it.
func (r Rule) Matches(path string) bool {
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+".")
}

// DefaultRules is the gateway's reload table.
var DefaultRules = []Rule{
	{Prefix: "meta", Effect: EffectNoop},
	{Prefix: "gateway.reload", Effect: EffectNoop},

	{Prefix: "logging.level", Effect: EffectHot},
	{Prefix: "models", Effect: EffectHot},
	{Prefix: "session", Effect: EffectHot},
	{Prefix: "agents.defaults", Effect: EffectHot},
	{Prefix: "agents.list", Effect: EffectHot},

	{Prefix: "channels", Effect: EffectRestartChannels},
	{Prefix: "cron", Effect: EffectRestartCron},
	{Prefix: "agents.defaults.heartbeat", Effect: EffectRestartHeartbeat},
	{Prefix: "hooks", Effect: EffectRestartHooks},
	{Prefix: "browser", Effect: EffectRestartBrowserControl},

	{Prefix: "logging.format", Effect: EffectRestartGateway},
	{Prefix: "agents.runtime", Effect: EffectRestartGateway},
	{Prefix: "decisions", Effect: EffectRestartGateway},
	{Prefix: "plugins", Effect: EffectRestartGateway},
	{Prefix: "server", Effect: EffectRestartGateway},
	{Prefix: "tailscale", Effect: EffectRestartGateway},
	{Prefix: "database", Effect: EffectRestartGateway},
	{Prefix: "auth", Effect: EffectRestartGateway},
	{Prefix: "state_dir", Effect: EffectRestartGateway},
}
