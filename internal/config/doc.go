// Package config handles configuration loading for clawgate.
//
// # Overview
//
// Configuration is loaded from YAML, TOML or JSONC files with environment
// variable expansion. Every format is decoded into a generic tree first and
// canonicalized through JSON; the tree is kept on Config.Raw so the reload
// planner can diff two configs path by path.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CLAWGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/clawgate/gateway.yaml
//  3. ~/.config/clawgate/gateway.yaml
//
// The format follows the extension: .toml, .json/.jsonc/.json5, otherwise YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${CLAWGATE_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  lock_timeout: "10s"
//	  delete_wait: "15s"
//	gateway:
//	  reload:
//	    mode: "hybrid"      # off, hot, restart, hybrid
//	    debounce: "300ms"
//
// # Configuration Sections
//
//	server:        grpc_addr, http_addr
//	tailscale:     enabled, hostname, auth_key, state_dir, ephemeral, https, funnel
//	database:      path (SQLite, used by the decision store)
//	auth:          jwt_secret (empty disables auth)
//	logging:       level, format
//	state_dir:     root of agents/<id>/sessions
//	session:       main_key, store, compact_max_lines, lock_timeout, delete_wait
//	models:        providers.<id>.models, allowed
//	agents:        defaults (model, subagents, heartbeat), list, runtime
//	decisions:     store (sqlite, memory)
//	channels:      <id>: {enabled, ...}
//	cron:          enabled, jobs
//	hooks:         enabled, token, mappings
//	browser:       enabled, control_url
//
// # Live Config
//
// Live holds the active *Config behind an atomic pointer. Hot reloads swap it;
// components call Get on each operation.
package config
