// ABOUTME: Configuration loading and parsing for clawgate
// ABOUTME: Supports YAML, TOML and JSONC files with environment variable expansion and duration parsing

package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Reload modes for gateway.reload.mode
const (
	ReloadModeOff     = "off"
	ReloadModeHot     = "hot"
	ReloadModeRestart = "restart"
	ReloadModeHybrid  = "hybrid"
)

// Decision store backends for decisions.store
const (
	DecisionStoreSQLite = "sqlite"
	DecisionStoreMemory = "memory"
)

// Agent runtime executors for agents.runtime.executor
const (
	ExecutorWebhook = "webhook"
	ExecutorNone    = "none"
)

// DefaultAgentID is used when no agent is marked as default.
const DefaultAgentID = "main"

// Config represents the complete clawgate configuration
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Gateway   GatewayConfig            `yaml:"gateway"`
	Tailscale TailscaleConfig          `yaml:"tailscale"`
	Database  DatabaseConfig           `yaml:"database"`
	Auth      AuthConfig               `yaml:"auth"`
	Logging   LoggingConfig            `yaml:"logging"`
	StateDir  string                   `yaml:"state_dir"`
	Session   SessionConfig            `yaml:"session"`
	Models    ModelsConfig             `yaml:"models"`
	Agents    AgentsConfig             `yaml:"agents"`
	Decisions DecisionsConfig          `yaml:"decisions"`
	Channels  map[string]ChannelConfig `yaml:"channels"`
	Cron      CronConfig               `yaml:"cron"`
	Hooks     HooksConfig              `yaml:"hooks"`
	Browser   BrowserConfig            `yaml:"browser"`

	// Path is the file the config was loaded from (empty when parsed from memory)
	Path string `yaml:"-"`

	// Raw is the decoded document in canonical JSON form, used for diffing and fingerprints
	Raw map[string]any `yaml:"-"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// GatewayConfig holds process-level gateway behavior
type GatewayConfig struct {
	Reload ReloadConfig `yaml:"reload"`
}

// ReloadConfig controls how config file changes are applied
type ReloadConfig struct {
	Mode     string        `yaml:"mode"`
	Debounce time.Duration `yaml:"-"`

	DebounceRaw string `yaml:"debounce"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionConfig controls the session store
type SessionConfig struct {
	// MainKey is the rest part of each agent's protected main session key
	MainKey string `yaml:"main_key"`

	// Store is an optional store path template; {agentId} is substituted
	Store string `yaml:"store"`

	CompactMaxLines int `yaml:"compact_max_lines"`

	LockTimeout time.Duration `yaml:"-"`
	DeleteWait  time.Duration `yaml:"-"`

	LockTimeoutRaw string `yaml:"lock_timeout"`
	DeleteWaitRaw  string `yaml:"delete_wait"`
}

// ModelsConfig lists the providers and models known to the catalog
type ModelsConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Allowed restricts selectable models to this list of provider/model refs when non-empty
	Allowed []string `yaml:"allowed"`
}

// ProviderConfig lists a provider's models
type ProviderConfig struct {
	Models []string `yaml:"models"`
}

// AgentsConfig holds agent defaults, the agent list and the runtime collaborator
type AgentsConfig struct {
	Defaults AgentDefaults `yaml:"defaults"`
	List     []AgentConfig `yaml:"list"`
	Runtime  RuntimeConfig `yaml:"runtime"`
}

// AgentDefaults apply to every agent unless overridden
type AgentDefaults struct {
	Model     string           `yaml:"model"`
	Subagents SubagentDefaults `yaml:"subagents"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
}

// SubagentDefaults are the global subagent settings
type SubagentDefaults struct {
	Model    string `yaml:"model"`
	Thinking string `yaml:"thinking"`
	Announce *bool  `yaml:"announce"`

	WaitTimeout    time.Duration `yaml:"-"`
	WaitTimeoutRaw string        `yaml:"wait_timeout"`
}

// HeartbeatConfig drives the periodic heartbeat run on each agent's main session
type HeartbeatConfig struct {
	Prompt string `yaml:"prompt"`

	Every    time.Duration `yaml:"-"`
	EveryRaw string        `yaml:"every"`
}

// AgentConfig describes one configured agent
type AgentConfig struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Default   bool           `yaml:"default"`
	Model     string         `yaml:"model"`
	Subagents AgentSubagents `yaml:"subagents"`
}

// AgentSubagents holds per-agent subagent overrides and spawn permissions
type AgentSubagents struct {
	AllowAgents []string `yaml:"allow_agents"`
	Model       string   `yaml:"model"`
	Thinking    string   `yaml:"thinking"`
}

// RuntimeConfig points at the agent runtime that executes runs
type RuntimeConfig struct {
	Executor string `yaml:"executor"`
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DecisionsConfig selects the decision store backend
type DecisionsConfig struct {
	Store string `yaml:"store"`
}

// ChannelConfig is opaque to the gateway apart from the enabled flag
type ChannelConfig struct {
	Enabled bool           `yaml:"enabled"`
	Options map[string]any `yaml:",inline"`
}

// CronConfig holds scheduled runs
type CronConfig struct {
	Enabled bool      `yaml:"enabled"`
	Jobs    []CronJob `yaml:"jobs"`
}

// CronJob starts a run on SessionKey every interval
type CronJob struct {
	Name       string `yaml:"name"`
	SessionKey string `yaml:"session_key"`
	Message    string `yaml:"message"`

	Every    time.Duration `yaml:"-"`
	EveryRaw string        `yaml:"every"`
}

// HooksConfig maps inbound webhook names to session runs
type HooksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Token    string        `yaml:"token"`
	Mappings []HookMapping `yaml:"mappings"`
}

// HookMapping routes POST /hooks/{name} to a run on SessionKey
type HookMapping struct {
	Name       string `yaml:"name"`
	SessionKey string `yaml:"session_key"`
	Message    string `yaml:"message"`
	Deliver    bool   `yaml:"deliver"`
}

// BrowserConfig configures the browser-control collaborator
type BrowserConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ControlURL string `yaml:"control_url"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes config bytes. The format is chosen from name's extension:
// .toml, .json/.jsonc/.json5, anything else is YAML.
func Parse(name string, data []byte) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	raw, err := decodeRaw(name, []byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Re-encode the canonical tree as YAML so every format shares one set of struct tags
	normalized, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalizing config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(normalized, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Raw = raw

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// decodeRaw decodes data into a generic tree and canonicalizes it through JSON
// so that numbers, maps and timestamps compare equal across formats.
func decodeRaw(name string, data []byte) (map[string]any, error) {
	var tree map[string]any

	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		if err := toml.Unmarshal(data, &tree); err != nil {
			return nil, err
		}
	case ".json", ".jsonc", ".json5":
		if err := json.Unmarshal(jsonc.ToJSON(data), &tree); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, err
		}
	}

	if tree == nil {
		return map[string]any{}, nil
	}

	encoded, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	var canonical map[string]any
	if err := json.Unmarshal(encoded, &canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values the rest of the gateway relies on
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Reload.Mode == "" {
		cfg.Gateway.Reload.Mode = ReloadModeHybrid
	}
	if cfg.Gateway.Reload.Debounce == 0 {
		cfg.Gateway.Reload.Debounce = 300 * time.Millisecond
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Session.MainKey == "" {
		cfg.Session.MainKey = "main"
	}
	cfg.Session.MainKey = strings.ToLower(strings.TrimSpace(cfg.Session.MainKey))
	if cfg.Session.CompactMaxLines <= 0 {
		cfg.Session.CompactMaxLines = 400
	}
	if cfg.Session.LockTimeout == 0 {
		cfg.Session.LockTimeout = 10 * time.Second
	}
	if cfg.Session.DeleteWait == 0 {
		cfg.Session.DeleteWait = 15 * time.Second
	}
	if cfg.Agents.Defaults.Subagents.WaitTimeout == 0 {
		cfg.Agents.Defaults.Subagents.WaitTimeout = 10 * time.Minute
	}
	if cfg.Agents.Runtime.Executor == "" {
		if cfg.Agents.Runtime.URL != "" {
			cfg.Agents.Runtime.Executor = ExecutorWebhook
		} else {
			cfg.Agents.Runtime.Executor = ExecutorNone
		}
	}
	if cfg.Agents.Runtime.Timeout == 0 {
		cfg.Agents.Runtime.Timeout = 10 * time.Minute
	}
	if cfg.Decisions.Store == "" {
		cfg.Decisions.Store = DecisionStoreSQLite
	}
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	for i := range cfg.Agents.List {
		cfg.Agents.List[i].ID = strings.ToLower(strings.TrimSpace(cfg.Agents.List[i].ID))
	}
}

// defaultStateDir returns XDG_DATA_HOME/clawgate or ~/.local/share/clawgate
func defaultStateDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "clawgate")
}

// agentIDPattern is the accepted shape of agent ids
var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidAgentID reports whether id is a well-formed agent id
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Gateway.Reload.Mode {
	case ReloadModeOff, ReloadModeHot, ReloadModeRestart, ReloadModeHybrid:
	default:
		return fmt.Errorf("gateway.reload.mode must be one of off, hot, restart, hybrid (got %q)", c.Gateway.Reload.Mode)
	}

	switch c.Decisions.Store {
	case DecisionStoreMemory:
	case DecisionStoreSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required when decisions.store is sqlite")
		}
	default:
		return fmt.Errorf("decisions.store must be sqlite or memory (got %q)", c.Decisions.Store)
	}

	switch c.Agents.Runtime.Executor {
	case ExecutorNone:
	case ExecutorWebhook:
		if c.Agents.Runtime.URL == "" {
			return fmt.Errorf("agents.runtime.url is required for the webhook executor")
		}
	default:
		return fmt.Errorf("agents.runtime.executor must be webhook or none (got %q)", c.Agents.Runtime.Executor)
	}

	seen := make(map[string]bool, len(c.Agents.List))
	defaults := 0
	for _, a := range c.Agents.List {
		if !ValidAgentID(a.ID) {
			return fmt.Errorf("agents.list: invalid agent id %q", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents.list: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("agents.list: only one agent may be marked default")
	}

	if c.Hooks.Enabled && c.Hooks.Token == "" {
		return fmt.Errorf("hooks.token is required when hooks are enabled")
	}

	for i, job := range c.Cron.Jobs {
		if job.Name == "" {
			return fmt.Errorf("cron.jobs[%d].name is required", i)
		}
		if c.Cron.Enabled && job.Every <= 0 {
			return fmt.Errorf("cron.jobs[%d].every must be positive", i)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{"gateway.reload.debounce", cfg.Gateway.Reload.DebounceRaw, &cfg.Gateway.Reload.Debounce},
		{"session.lock_timeout", cfg.Session.LockTimeoutRaw, &cfg.Session.LockTimeout},
		{"session.delete_wait", cfg.Session.DeleteWaitRaw, &cfg.Session.DeleteWait},
		{"agents.defaults.subagents.wait_timeout", cfg.Agents.Defaults.Subagents.WaitTimeoutRaw, &cfg.Agents.Defaults.Subagents.WaitTimeout},
		{"agents.defaults.heartbeat.every", cfg.Agents.Defaults.Heartbeat.EveryRaw, &cfg.Agents.Defaults.Heartbeat.Every},
		{"agents.runtime.timeout", cfg.Agents.Runtime.TimeoutRaw, &cfg.Agents.Runtime.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.target = d
	}

	for i := range cfg.Cron.Jobs {
		job := &cfg.Cron.Jobs[i]
		if job.EveryRaw == "" {
			continue
		}
		d, err := time.ParseDuration(job.EveryRaw)
		if err != nil {
			return fmt.Errorf("parsing cron.jobs[%d].every %q: %w", i, job.EveryRaw, err)
		}
		job.Every = d
	}

	return nil
}

// DefaultAgent returns the id of the agent marked default, the first listed agent,
// or DefaultAgentID when no agents are configured.
func (c *Config) DefaultAgent() string {
	for _, a := range c.Agents.List {
		if a.Default {
			return a.ID
		}
	}
	if len(c.Agents.List) > 0 {
		return c.Agents.List[0].ID
	}
	return DefaultAgentID
}

// Agent returns the configuration for id, if listed.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents.List {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// AnnounceSubagents reports whether subagent completion is announced to the requester
func (c *Config) AnnounceSubagents() bool {
	if c.Agents.Defaults.Subagents.Announce == nil {
		return true
	}
	return *c.Agents.Defaults.Subagents.Announce
}

// Fingerprint returns a BLAKE3 digest of the canonical config tree.
// Two configs with the same fingerprint are semantically identical.
func (c *Config) Fingerprint() string {
	encoded, err := json.Marshal(c.Raw)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
