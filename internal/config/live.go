// ABOUTME: Holder for the currently active configuration of a running gateway
// ABOUTME: Hot reloads swap the pointer; readers always see a complete Config

package config

import (
	"sync/atomic"
)

// Live holds the active Config. Components read it on every request so a hot
// reload takes effect without rebuilding them.
type Live struct {
	ptr atomic.Pointer[Config]
}

// NewLive wraps cfg.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.ptr.Store(cfg)
	return l
}

// Get returns the active config.
func (l *Live) Get() *Config {
	return l.ptr.Load()
}

// Swap installs cfg and returns the config it replaced.
func (l *Live) Swap(cfg *Config) *Config {
	return l.ptr.Swap(cfg)
}
