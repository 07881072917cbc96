// ABOUTME: Model/provider catalog built from configuration
// ABOUTME: Parses provider/model references and validates selections against known models

package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/2389/clawgate/internal/config"
)

// Ref is a resolved provider/model pair.
type Ref struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// String returns the provider/model form of r.
func (r Ref) String() string {
	if r.Provider == "" {
		return r.Model
	}
	return r.Provider + "/" + r.Model
}

// Catalog is an immutable view of the configured providers and models.
type Catalog struct {
	providers       map[string]map[string]bool
	allowed         map[string]bool
	defaultProvider string
	defaultRef      Ref
}

// New builds a catalog from the models and agents sections of cfg.
func New(cfg *config.Config) *Catalog {
	c := &Catalog{
		providers: make(map[string]map[string]bool, len(cfg.Models.Providers)),
	}

	for name, p := range cfg.Models.Providers {
		models := make(map[string]bool, len(p.Models))
		for _, m := range p.Models {
			models[strings.TrimSpace(m)] = true
		}
		c.providers[strings.ToLower(strings.TrimSpace(name))] = models
	}

	if len(cfg.Models.Allowed) > 0 {
		c.allowed = make(map[string]bool, len(cfg.Models.Allowed))
		for _, raw := range cfg.Models.Allowed {
			c.allowed[strings.TrimSpace(raw)] = true
		}
	}

	if provider, model, ok := strings.Cut(cfg.Agents.Defaults.Model, "/"); ok {
		c.defaultProvider = strings.ToLower(strings.TrimSpace(provider))
		c.defaultRef = Ref{Provider: c.defaultProvider, Model: strings.TrimSpace(model)}
	} else if len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
		if m := strings.TrimSpace(cfg.Agents.Defaults.Model); m != "" {
			c.defaultRef = Ref{Provider: c.defaultProvider, Model: m}
		}
	}

	return c
}

// Default returns the configured default model, if any.
func (c *Catalog) Default() (Ref, bool) {
	return c.defaultRef, c.defaultRef.Model != ""
}

// Parse splits raw into a provider/model pair without checking the catalog.
// A bare model name uses the default provider.
func (c *Catalog) Parse(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, fmt.Errorf("model is empty")
	}

	provider, model, ok := strings.Cut(raw, "/")
	if !ok {
		if c.defaultProvider == "" {
			return Ref{}, fmt.Errorf("model %q has no provider and no default provider is configured", raw)
		}
		return Ref{Provider: c.defaultProvider, Model: raw}, nil
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return Ref{}, fmt.Errorf("invalid model reference %q", raw)
	}
	return Ref{Provider: provider, Model: model}, nil
}

// Resolve parses raw and checks it against the catalog.
func (c *Catalog) Resolve(raw string) (Ref, error) {
	ref, err := c.Parse(raw)
	if err != nil {
		return Ref{}, err
	}

	models, ok := c.providers[ref.Provider]
	if !ok {
		return Ref{}, fmt.Errorf("unknown provider %q", ref.Provider)
	}
	if !models[ref.Model] {
		return Ref{}, fmt.Errorf("model %q is not in the catalog", ref.String())
	}
	if c.allowed != nil && !c.allowed[ref.String()] {
		return Ref{}, fmt.Errorf("model %q is not allowed", ref.String())
	}
	return ref, nil
}

// Models returns every selectable provider/model reference, sorted.
func (c *Catalog) Models() []string {
	var out []string
	for provider, models := range c.providers {
		for m := range models {
			ref := provider + "/" + m
			if c.allowed != nil && !c.allowed[ref] {
				continue
			}
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out
}

// Holder publishes the current catalog to concurrent readers.
type Holder struct {
	current atomic.Pointer[Catalog]
}

// NewHolder returns a holder seeded with c.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	h.current.Store(c)
	return h
}

// Get returns the current catalog.
func (h *Holder) Get() *Catalog {
	return h.current.Load()
}

// Set replaces the current catalog.
func (h *Holder) Set(c *Catalog) {
	h.current.Store(c)
}
