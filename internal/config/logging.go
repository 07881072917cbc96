// ABOUTME: Maps the logging section onto slog levels
// ABOUTME: Unknown level names fall back to info

package config

import (
	"log/slog"
	"strings"
)

// SlogLevel returns the slog level named by Level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
