// ABOUTME: Normalizers for per-session level settings
// ABOUTME: Accepts common aliases and reports the valid choices for error hints

package session

import "strings"

// ThinkingLevels are the accepted thinking levels, least to most effort.
var ThinkingLevels = []string{"off", "minimal", "low", "medium", "high", "xhigh"}

// VerboseLevels are the accepted verbose levels.
var VerboseLevels = []string{"on", "off", "full"}

// ReasoningLevels are the accepted reasoning visibility levels.
var ReasoningLevels = []string{"on", "off", "stream"}

// SendPolicies are the accepted send policies.
var SendPolicies = []string{"allow", "deny"}

var thinkingAliases = map[string]string{
	"off":        "off",
	"none":       "off",
	"think":      "minimal",
	"min":        "minimal",
	"minimal":    "minimal",
	"on":         "low",
	"low":        "low",
	"think-hard": "low",
	"mid":        "medium",
	"med":        "medium",
	"medium":     "medium",
	"harder":     "medium",
	"high":       "high",
	"max":        "high",
	"ultra":      "high",
	"ultrathink": "high",
	"xhigh":      "xhigh",
	"x-high":     "xhigh",
	"x_high":     "xhigh",
}

var verboseAliases = map[string]string{
	"on": "on", "true": "on", "yes": "on", "1": "on",
	"off": "off", "false": "off", "no": "off", "0": "off",
	"full": "full", "all": "full",
}

var reasoningAliases = map[string]string{
	"on": "on", "true": "on", "show": "on",
	"off": "off", "false": "off", "hide": "off",
	"stream": "stream", "live": "stream",
}

var sendPolicyAliases = map[string]string{
	"allow": "allow", "on": "allow",
	"deny": "deny", "off": "deny",
}

func normalize(aliases map[string]string, raw string) (string, bool) {
	v, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]
	return v, ok
}

// NormalizeThinking maps raw onto a thinking level.
func NormalizeThinking(raw string) (string, bool) { return normalize(thinkingAliases, raw) }

// NormalizeVerbose maps raw onto a verbose level.
func NormalizeVerbose(raw string) (string, bool) { return normalize(verboseAliases, raw) }

// NormalizeReasoning maps raw onto a reasoning level.
func NormalizeReasoning(raw string) (string, bool) { return normalize(reasoningAliases, raw) }

// NormalizeSendPolicy maps raw onto a send policy.
func NormalizeSendPolicy(raw string) (string, bool) { return normalize(sendPolicyAliases, raw) }
