// Package catalog holds the model/provider catalog consulted when a session
// or subagent selects a model.
//
// The catalog is built from the models section of the config. Each provider
// lists the models it serves; an optional allow-list narrows the selectable
// set to specific provider/model references. A selection may be written as
// "provider/model" or as a bare model name, which resolves against the
// default provider derived from agents.defaults.model.
//
// The catalog never talks to providers. It exists only so that invalid
// selections are rejected before they are persisted to a session entry.
//
// A Catalog is immutable once built. Hot reloads build a new one and swap it
// in through a Holder.
package catalog
