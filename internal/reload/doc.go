// Package reload turns configuration file changes into safe actions on a
// running gateway.
//
// # Planning
//
// Diff compares two raw configuration trees and returns the dot-paths of
// every leaf that changed. Planner classifies each path against a rule
// table of (prefix, effect) pairs:
//
//   - noop: nothing to do
//   - hot: the live configuration is swapped in place
//   - restart:channels, restart:cron, restart:heartbeat, restart:hooks,
//     restart:browser-control: only that subsystem is rebuilt
//   - restart:gateway: the whole process restarts
//
// When several rules match a path the most disruptive effect wins, and a
// path no rule covers restarts the gateway. If any path restarts the
// gateway, narrower reasons are dropped from the plan; a full restart
// subsumes them.
//
// # Applying
//
// Reloader.Apply executes a plan against a Target. Gateway restarts can wait
// for in-flight runs to drain first; a forced reload cancels a pending drain
// and restarts immediately. Subsystem restarts are independent of each
// other and a failure in one is reported without stopping the rest.
//
// # Watching
//
// Watcher observes the configuration file's directory with fsnotify,
// coalesces bursts of writes with the configured debounce, and runs a
// reload governed by gateway.reload.mode (off, hot, restart or hybrid).
package reload
