// ABOUTME: Reload plan and the planner that builds it from changed paths
// ABOUTME: A gateway restart supersedes every hot and subsystem reason

package reload

import (
	"slices"
	"sort"
	"strings"
)

// Modes reported by Plan.Mode and Result.Mode.
const (
	ModeNoop    = "noop"
	ModeHot     = "hot"
	ModeRestart = "restart"
)

// Plan is the set of actions a configuration change requires.
type Plan struct {
	ChangedPaths          []string `json:"changedPaths"`
	RestartGateway        bool     `json:"restartGateway"`
	RestartReasons        []string `json:"restartReasons"`
	HotReasons            []string `json:"hotReasons"`
	ReloadHooks           bool     `json:"reloadHooks"`
	RestartBrowserControl bool     `json:"restartBrowserControl"`
	RestartCron           bool     `json:"restartCron"`
	RestartHeartbeat      bool     `json:"restartHeartbeat"`
	RestartChannels       []string `json:"restartChannels"`
	NoopPaths             []string `json:"noopPaths"`
}

func newPlan(changed []string) *Plan {
	return &Plan{
		ChangedPaths:    append([]string{}, changed...),
		RestartReasons:  []string{},
		HotReasons:      []string{},
		RestartChannels: []string{},
		NoopPaths:       []string{},
	}
}

// Mode summarizes the plan as noop, hot or restart.
func (p *Plan) Mode() string {
	switch {
	case p.RestartGateway:
		return ModeRestart
	case p.hasSubsystemWork() || len(p.HotReasons) > 0:
		return ModeHot
	default:
		return ModeNoop
	}
}

func (p *Plan) hasSubsystemWork() bool {
	return p.ReloadHooks || p.RestartBrowserControl || p.RestartCron ||
		p.RestartHeartbeat || len(p.RestartChannels) > 0
}

// Planner classifies changed paths against a rule table.
type Planner struct {
	rules []Rule
}

// NewPlanner creates a planner. A nil table uses DefaultRules.
func NewPlanner(rules []Rule) *Planner {
	if rules == nil {
		rules = DefaultRules
	}
	return &Planner{rules: rules}
}

// Classify returns the winning effect for path and whether any rule matched.
// Unmatched paths restart the gateway.
func (p *Planner) Classify(path string) (Effect, bool) {
	best := EffectNoop
	matched := false
	for _, r := range p.rules {
		if !r.Matches(path) {
			continue
		}
		if !matched || r.Effect.rank() > best.rank() {
			best = r.Effect
		}
		matched = true
	}
	if !matched {
		return EffectRestartGateway, false
	}
	return best, true
}

// RestartsGateway reports whether a change to path alone requires a
// gateway restart.
func (p *Planner) RestartsGateway(path string) bool {
	effect, _ := p.Classify(path)
	switch effect {
	case EffectRestartGateway:
		return true
	case EffectRestartChannels:
		_, ok := channelID(path)
		return !ok
	}
	return false
}

// Plan builds the reload plan for changed.
func (p *Planner) Plan(changed []string) *Plan {
	plan := newPlan(changed)
	channels := map[string]bool{}

	for _, path := range changed {
		effect, matched := p.Classify(path)
		switch effect {
		case EffectNoop:
			plan.NoopPaths = append(plan.NoopPaths, path)
		case EffectHot:
			plan.HotReasons = append(plan.HotReasons, path)
		case EffectRestartChannels:
			id, ok := channelID(path)
			if !ok {
				plan.RestartGateway = true
				plan.RestartReasons = append(plan.RestartReasons, path)
				continue
			}
			channels[id] = true
		case EffectRestartCron:
			plan.RestartCron = true
		case EffectRestartHeartbeat:
			plan.RestartHeartbeat = true
		case EffectRestartHooks:
			plan.ReloadHooks = true
		case EffectRestartBrowserControl:
			plan.RestartBrowserControl = true
		default:
			plan.RestartGateway = true
			reason := path
			if !matched {
				reason = path + " (no reload rule)"
			}
			plan.RestartReasons = append(plan.RestartReasons, reason)
		}
	}

	if plan.RestartGateway {
		plan.HotReasons = []string{}
		plan.ReloadHooks = false
		plan.RestartBrowserControl = false
		plan.RestartCron = false
		plan.RestartHeartbeat = false
		return plan
	}

	for id := range channels {
		plan.RestartChannels = append(plan.RestartChannels, id)
	}
	sort.Strings(plan.RestartChannels)
	return plan
}

// channelID extracts <id> from channels.<id>[...].
func channelID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "channels.")
	if !ok || rest == "" {
		return "", false
	}
	id, _, _ := strings.Cut(rest, ".")
	return id, true
}

// ForceGatewayRestart returns a copy of p that restarts the gateway for
// every changed path.
func (p *Plan) ForceGatewayRestart() *Plan {
	out := newPlan(p.ChangedPaths)
	out.RestartGateway = true
	out.RestartReasons = slices.Clone(p.ChangedPaths)
	return out
}
